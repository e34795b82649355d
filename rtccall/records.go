package rtccall

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

type CallKind string

const (
	KindAudio CallKind = "audio"
	KindVideo CallKind = "video"
)

// ParseCallKind accepts "voice" as an alias of audio.
func ParseCallKind(s string) (CallKind, error) {
	switch s {
	case "audio", "voice", "":
		return KindAudio, nil
	case "video":
		return KindVideo, nil
	}
	return "", fmt.Errorf("unknown call kind %q", s)
}

func (k CallKind) IsVideo() bool {
	return k == KindVideo
}

// Description is an offer or answer as stored in a call record.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func descriptionFromPion(desc webrtc.SessionDescription) *Description {
	return &Description{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

// ToPion parses the session description and converts it.
func (d *Description) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	if !strings.HasPrefix(d.SDP, "v=0") {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid %s: no version line", d.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid %s: %w", d.Type, err)
	}
	if parsed.Origin.UnicastAddress == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid %s: no origin", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// CallRecord is stored at calls/{calleeId}.
type CallRecord struct {
	Caller     string       `json:"caller"`
	CallerName string       `json:"callerName,omitempty"`
	Offer      *Description `json:"offer,omitempty"`
	Type       CallKind     `json:"type"`
	Timestamp  int64        `json:"timestamp"`
	Answer     *Description `json:"answer,omitempty"`
}

// Candidate is an entry of iceCandidates/{roomId}/{role}.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func candidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Profile is the public part of users/{uid}.
type Profile struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
}

func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Username
}
