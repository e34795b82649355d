package rtccall

import (
	"github.com/binzume/rtccall/callog"
	"github.com/binzume/rtccall/media"
)

// CallHandler receives call events. Methods are called one at a time from a
// dedicated goroutine and may call back into the Client.
type CallHandler interface {
	OnRing(call CallInfo)
	OnDismissed(call CallInfo)
	OnStateChange(call CallInfo, state State)
	// OnRemoteTrack should not block. Start a goroutine to read the track.
	OnRemoteTrack(call CallInfo, track media.RemoteTrack)
	OnAlert(err error)
	OnEnded(call CallInfo, outcome callog.Outcome, err error)
}

type CallCallback struct {
	OnRingFunc        func(call CallInfo)
	OnDismissedFunc   func(call CallInfo)
	OnStateChangeFunc func(call CallInfo, state State)
	OnRemoteTrackFunc func(call CallInfo, track media.RemoteTrack)
	OnAlertFunc       func(err error)
	OnEndedFunc       func(call CallInfo, outcome callog.Outcome, err error)
}

var _ CallHandler = (*CallCallback)(nil)

func (c *CallCallback) OnRing(call CallInfo) {
	if c.OnRingFunc != nil {
		c.OnRingFunc(call)
	}
}

func (c *CallCallback) OnDismissed(call CallInfo) {
	if c.OnDismissedFunc != nil {
		c.OnDismissedFunc(call)
	}
}

func (c *CallCallback) OnStateChange(call CallInfo, state State) {
	if c.OnStateChangeFunc != nil {
		c.OnStateChangeFunc(call, state)
	}
}

func (c *CallCallback) OnRemoteTrack(call CallInfo, track media.RemoteTrack) {
	if c.OnRemoteTrackFunc != nil {
		c.OnRemoteTrackFunc(call, track)
	}
}

func (c *CallCallback) OnAlert(err error) {
	if c.OnAlertFunc != nil {
		c.OnAlertFunc(err)
	}
}

func (c *CallCallback) OnEnded(call CallInfo, outcome callog.Outcome, err error) {
	if c.OnEndedFunc != nil {
		c.OnEndedFunc(call, outcome, err)
	}
}
