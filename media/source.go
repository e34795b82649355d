package media

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const oggPageDuration = 20 * time.Millisecond

// opus frame with no audio (TOC byte for a 20ms CELT frame)
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// FileMedia streams local files to static sample tracks, looping at EOF.
type FileMedia struct {
	tracks []webrtc.TrackLocal
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ LocalMedia = (*FileMedia)(nil)

func checkFile(kind, name string) error {
	st, err := os.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return &MediaAccessError{Kind: kind, Err: ErrNoDevice}
	} else if errors.Is(err, os.ErrPermission) {
		return &MediaAccessError{Kind: kind, Err: ErrDenied}
	} else if err != nil {
		return &MediaAccessError{Kind: kind, Err: err}
	}
	if st.IsDir() {
		return &MediaAccessError{Kind: kind, Err: ErrNoDevice}
	}
	return nil
}

// OpenFileMedia opens the tracks requested by c. Audio without a file sends silence.
func OpenFileMedia(ctx context.Context, audioFile, videoFile string, c Constraints) (*FileMedia, error) {
	if c.Video {
		if videoFile == "" {
			return nil, &MediaAccessError{Kind: "video", Err: ErrNoDevice}
		}
		if err := checkFile("video", videoFile); err != nil {
			return nil, err
		}
	}
	if c.Audio && audioFile != "" {
		if err := checkFile("audio", audioFile); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &FileMedia{cancel: cancel}
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "rtccall")
		if err != nil {
			cancel()
			return nil, err
		}
		m.tracks = append(m.tracks, track)
		m.start(func() {
			if audioFile == "" {
				sendSilence(ctx, track)
			} else {
				loopFile(ctx, audioFile, func(r io.Reader) error { return sendOgg(ctx, r, track) })
			}
		})
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "rtccall")
		if err != nil {
			m.Stop()
			return nil, err
		}
		m.tracks = append(m.tracks, track)
		m.start(func() {
			loopFile(ctx, videoFile, func(r io.Reader) error { return sendIVF(ctx, r, track) })
		})
	}
	return m, nil
}

func (m *FileMedia) start(f func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}

func (m *FileMedia) Tracks() []webrtc.TrackLocal {
	return m.tracks
}

// Stop stops all tracks. It can be called more than once.
func (m *FileMedia) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func loopFile(ctx context.Context, name string, send func(io.Reader) error) {
	for ctx.Err() == nil {
		f, err := os.Open(name)
		if err != nil {
			return
		}
		err = send(f)
		f.Close()
		if err != nil && err != io.EOF {
			return
		}
	}
}

// sampleWriter is implemented by *webrtc.TrackLocalStaticSample.
type sampleWriter interface {
	WriteSample(s pionmedia.Sample) error
}

func sendSilence(ctx context.Context, track sampleWriter) {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: silenceFrame, Duration: oggPageDuration}); err != nil {
				return
			}
		}
	}
}

func sendOgg(ctx context.Context, r io.Reader, track sampleWriter) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}
	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		pageData, pageHeader, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}
		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration((sampleCount/48000)*1000) * time.Millisecond
		if err := track.WriteSample(pionmedia.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			return err
		}
	}
}

func sendIVF(ctx context.Context, r io.Reader, track sampleWriter) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}
	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}
