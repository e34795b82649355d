package media

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"os"

	"github.com/nfnt/resize"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"golang.org/x/image/vp8"
)

var ErrNoKeyFrame = errors.New("no key frame")

// SnapshotWidth is the width of snapshot images. Height keeps the aspect ratio.
var SnapshotWidth uint = 160

// DecodeKeyFrame decodes a VP8 frame. Inter frames fail with ErrNoKeyFrame.
func DecodeKeyFrame(frame []byte) (image.Image, error) {
	d := vp8.NewDecoder()
	d.Init(bytes.NewReader(frame), len(frame))
	fh, err := d.DecodeFrameHeader()
	if err != nil {
		return nil, err
	}
	if !fh.KeyFrame {
		return nil, ErrNoKeyFrame
	}
	return d.DecodeFrame()
}

// SnapshotIVF writes a JPEG thumbnail of the first key frame of a recorded
// VP8 track to out.
func SnapshotIVF(src, out string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	ivf, _, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	for {
		frame, _, err := ivf.ParseNextFrame()
		if err == io.EOF {
			return ErrNoKeyFrame
		} else if err != nil {
			return err
		}
		img, err := DecodeKeyFrame(frame)
		if errors.Is(err, ErrNoKeyFrame) {
			continue
		} else if err != nil {
			return err
		}
		return writeThumbnail(img, out)
	}
}

func writeThumbnail(img image.Image, out string) error {
	timg := resize.Resize(SnapshotWidth, 0, img, resize.Lanczos3)

	thumb, err := os.Create(out)
	if err != nil {
		return err
	}
	defer thumb.Close()
	return jpeg.Encode(thumb, timg, nil)
}
