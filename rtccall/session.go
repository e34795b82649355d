package rtccall

import (
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/binzume/rtccall/callog"
	"github.com/binzume/rtccall/media"
	"github.com/binzume/rtccall/store"
)

// CallInfo describes a call to handlers. It is a copy and never changes.
type CallInfo struct {
	RoomID    string
	PeerID    string
	PeerName  string
	PeerEmoji string
	Role      Role
	Kind      CallKind
	Started   time.Time
}

func (c CallInfo) Direction() callog.Direction {
	if c.Role == RoleCallee {
		return callog.Incoming
	}
	return callog.Outgoing
}

// Session is the local state of one call. It is only touched on the client loop,
// except for closed which is read by transport callbacks.
type Session struct {
	info  CallInfo
	state State

	local        media.LocalMedia
	transport    media.Transport
	remoteTracks []media.RemoteTrack

	// candidates received before a remote description was applied
	pending []webrtc.ICECandidateInit
	subs    []store.Subscription

	remoteApplied bool
	answerApplied bool
	// signaled is set once this session may have written to the room
	signaled bool
	// timestamp of the call record this session owns
	stamp     int64
	// the record was taken over by another call after the answer
	replaced  bool
	accepting bool
	// transport reported connected, possibly before the exchange finished
	transportUp bool
	ended       bool
	closed      atomic.Bool

	connected   time.Time
	cleanupDone chan struct{}
}

// recordID identifies one call record at a room.
type recordID struct {
	caller string
	stamp  int64
}

func newSession(info CallInfo) *Session {
	return &Session{info: info, cleanupDone: make(chan struct{})}
}

func (s *Session) Info() CallInfo {
	return s.info
}

func (s *Session) addSubscription(sub store.Subscription) {
	s.subs = append(s.subs, sub)
}

func (s *Session) cancelSubscriptions() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}
