// Package media provides local media and peer transports for calls.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var (
	ErrNoDevice = errors.New("no device")
	ErrDenied   = errors.New("permission denied")
)

// MediaAccessError is returned by AcquireLocalMedia when a requested device
// is missing or not accessible.
type MediaAccessError struct {
	Kind string // audio, video
	Err  error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access error (%s): %v", e.Kind, e.Err)
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

type Constraints struct {
	Audio bool
	Video bool
}

type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Transport is a peer connection as seen by the signaling code.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

type Config struct {
	ICEServers []webrtc.ICEServer
}

type Provider interface {
	AcquireLocalMedia(ctx context.Context, c Constraints) (LocalMedia, error)
	CreateTransport(cfg Config) (Transport, error)
}
