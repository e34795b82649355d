package rtccall

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

var (
	// ErrSignalingRace is returned when the call record vanished while it was being used.
	ErrSignalingRace  = errors.New("rtccall: call record vanished")
	ErrBusy           = errors.New("rtccall: another call is in progress")
	ErrSelfCall       = errors.New("rtccall: cannot call yourself")
	ErrInvalidPeer    = errors.New("rtccall: invalid peer id")
	ErrNoIncomingCall = errors.New("rtccall: no incoming call")
	// ErrCallEnded is returned by Call when the call was torn down before setup finished.
	ErrCallEnded = errors.New("rtccall: call ended")
	ErrClosed    = errors.New("rtccall: client closed")
)

// CandidateApplyError is logged and never aborts a call.
type CandidateApplyError struct {
	Candidate string
	Err       error
}

func (e *CandidateApplyError) Error() string {
	return fmt.Sprintf("rtccall: apply candidate %q: %v", e.Candidate, e.Err)
}

func (e *CandidateApplyError) Unwrap() error {
	return e.Err
}

// TransportFailure ends the call when the transport reports disconnected or failed.
type TransportFailure struct {
	State webrtc.PeerConnectionState
}

func (e *TransportFailure) Error() string {
	return "rtccall: transport " + e.State.String()
}
