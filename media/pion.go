package media

import (
	"context"
	"fmt"
	"io"

	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
)

type ProviderOptions struct {
	// AudioFile is an Ogg/Opus file. Silence is sent when empty.
	AudioFile string
	// VideoFile is an IVF/VP8 file. Video calls fail without it.
	VideoFile string
	// UDPPort enables a single port ICE UDP mux when non-zero.
	UDPPort       int
	LoggerFactory logging.LoggerFactory
}

// PionProvider implements Provider with pion/webrtc.
type PionProvider struct {
	AudioFile string
	VideoFile string

	api *webrtc.API
	mux ice.UDPMux
	log logging.LeveledLogger
}

var _ Provider = (*PionProvider)(nil)

func NewPionProvider(opts ProviderOptions) (*PionProvider, error) {
	loggerFactory := opts.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	// NACK, RTCP reports and TWCC
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	settingEngine := webrtc.SettingEngine{LoggerFactory: loggerFactory}

	p := &PionProvider{
		AudioFile: opts.AudioFile,
		VideoFile: opts.VideoFile,
		log:       loggerFactory.NewLogger("media"),
	}
	if opts.UDPPort > 0 {
		mux, err := ice.NewMultiUDPMuxFromPort(opts.UDPPort)
		if err != nil {
			return nil, fmt.Errorf("udp mux: %w", err)
		}
		settingEngine.SetICEUDPMux(mux)
		p.mux = mux
	}
	p.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	)
	return p, nil
}

func (p *PionProvider) AcquireLocalMedia(ctx context.Context, c Constraints) (LocalMedia, error) {
	return OpenFileMedia(ctx, p.AudioFile, p.VideoFile, c)
}

func (p *PionProvider) CreateTransport(cfg Config) (Transport, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	return &pcTransport{pc: pc, log: p.log}, nil
}

func (p *PionProvider) Close() error {
	if p.mux != nil {
		return p.mux.Close()
	}
	return nil
}

type pcTransport struct {
	pc  *webrtc.PeerConnection
	log logging.LeveledLogger
}

func (t *pcTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP must be read for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				if err != io.EOF {
					t.log.Debugf("rtcp: %v", err)
				}
				return
			}
		}
	}()
	return nil
}

func (t *pcTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pcTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pcTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pcTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pcTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pcTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return
		}
		f(ic.ToJSON())
	})
}

func (t *pcTransport) OnTrack(f func(RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (t *pcTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *pcTransport) Close() error {
	return t.pc.Close()
}
