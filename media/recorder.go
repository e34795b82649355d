package media

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

var ErrUnsupportedCodec = errors.New("unsupported codec")

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// RecordPath returns the file a remote track of the given codec is saved to.
func RecordPath(dir, prefix string, codec webrtc.RTPCodecParameters) (string, error) {
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeOpus):
		return filepath.Join(dir, prefix+"-audio.ogg"), nil
	case strings.ToLower(webrtc.MimeTypeVP8):
		return filepath.Join(dir, prefix+"-video.ivf"), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
}

// SaveTrack writes RTP packets of an Opus or VP8 track to an Ogg or IVF file
// until the track ends.
func SaveTrack(track RemoteTrack, dir, prefix string) (string, error) {
	codec := track.Codec()
	name, err := RecordPath(dir, prefix, codec)
	if err != nil {
		return "", err
	}
	var w rtpWriter
	if strings.HasSuffix(name, ".ogg") {
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err = oggwriter.New(name, codec.ClockRate, channels)
	} else {
		w, err = ivfwriter.New(name)
	}
	if err != nil {
		return "", err
	}
	defer w.Close()

	for {
		pkt, _, err := track.ReadRTP()
		if err == io.EOF {
			return name, nil
		} else if err != nil {
			return name, err
		}
		if err := w.WriteRTP(pkt); err != nil {
			return name, err
		}
	}
}
