// Package rtccall implements peer-to-peer call signaling over a shared store.
//
// A call is addressed by its room, which is the callee's id. The caller
// publishes an offer at calls/{room}, the callee writes an answer at
// calls/{room}/answer and both sides exchange ICE candidates through
// iceCandidates/{room}/{caller|callee}. Removing the call record rejects or
// ends the call.
package rtccall

import (
	"context"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/binzume/rtccall/callog"
	"github.com/binzume/rtccall/eventloop"
	"github.com/binzume/rtccall/media"
	"github.com/binzume/rtccall/store"
)

type Options struct {
	SelfID      string
	DisplayName string
	Store       store.Store
	Media       media.Provider
	ICEServers  []webrtc.ICEServer
	Handler     CallHandler
	// History is optional.
	History *callog.Log
	// Timeout of store operations issued from callbacks. Default: 10s
	Timeout       time.Duration
	LoggerFactory logging.LoggerFactory
}

// Client is one user's call endpoint. All signaling state lives on a single
// event loop; store and transport callbacks only post to it.
type Client struct {
	selfID      string
	displayName string
	st          store.Store
	provider    media.Provider
	iceServers  []webrtc.ICEServer
	handler     CallHandler
	history     *callog.Log
	timeout     time.Duration
	log         logging.LeveledLogger
	now         func() time.Time

	loop *eventloop.Loop
	ui   *eventloop.Loop

	// fields below are owned by loop
	session *Session
	// last outgoing session, whose cleanup must finish before the next call
	last     *Session
	incoming store.Subscription
	// call record currently at calls/{self}
	present recordID
	closed  bool
}

// owns reports whether id is the call record written for s.
func (c *Client) owns(s *Session, id recordID) bool {
	caller := s.info.PeerID
	if s.info.Role == RoleCaller {
		caller = c.selfID
	}
	return id.caller == caller && id.stamp == s.stamp
}

// isStale reports whether s is no longer the live session.
func (c *Client) isStale(s *Session) bool {
	stale := true
	c.loop.Call(context.Background(), func() error {
		stale = c.session != s || s.ended
		return nil
	})
	return stale
}

// errSessionEnded is returned by step when the session was torn down meanwhile.
var errSessionEnded = errors.New("rtccall: session ended")

func validID(id string) bool {
	return id != "" && !strings.Contains(id, "/") && store.ValidatePath(id) == nil
}

func NewClient(opts *Options) (*Client, error) {
	if !validID(opts.SelfID) {
		return nil, ErrInvalidPeer
	}
	if opts.Store == nil || opts.Media == nil {
		return nil, errors.New("rtccall: Store and Media are required")
	}
	loggerFactory := opts.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		selfID:      opts.SelfID,
		displayName: opts.DisplayName,
		st:          opts.Store,
		provider:    opts.Media,
		iceServers:  opts.ICEServers,
		handler:     opts.Handler,
		history:     opts.History,
		timeout:     timeout,
		log:         loggerFactory.NewLogger("rtccall"),
		now:         time.Now,
		loop:        eventloop.New(),
		ui:          eventloop.New(),
	}, nil
}

func (c *Client) SelfID() string {
	return c.selfID
}

// Start watches calls/{self} for incoming calls.
func (c *Client) Start(ctx context.Context) error {
	started := false
	err := c.loop.Call(ctx, func() error {
		if c.closed {
			return ErrClosed
		}
		started = c.incoming != nil
		return nil
	})
	if err != nil || started {
		return err
	}

	sub, err := c.st.OnValue(callPath(c.selfID), func(snap store.Snapshot) {
		c.loop.Post(func() { c.onCallRecord(snap) })
	})
	if err != nil {
		return errors.Wrap(err, "watch incoming calls")
	}
	return c.loop.Call(ctx, func() error {
		if c.closed || c.incoming != nil {
			sub.Cancel()
			return nil
		}
		c.incoming = sub
		return nil
	})
}

// State returns the state of the current call, or Idle.
func (c *Client) State() State {
	state := Idle
	c.loop.Call(context.Background(), func() error {
		if c.session != nil {
			state = c.session.state
		}
		return nil
	})
	return state
}

// Current returns the current call.
func (c *Client) Current() (CallInfo, bool) {
	var info CallInfo
	ok := false
	c.loop.Call(context.Background(), func() error {
		if c.session != nil {
			info, ok = c.session.info, true
		}
		return nil
	})
	return info, ok
}

// Close ends the current call and stops watching incoming calls.
func (c *Client) Close() error {
	var s *Session
	err := c.loop.Call(context.Background(), func() error {
		if c.closed {
			return nil
		}
		c.closed = true
		if c.incoming != nil {
			c.incoming.Cancel()
			c.incoming = nil
		}
		if c.session != nil {
			s = c.session
			c.teardown(s, endLocal, nil)
		}
		return nil
	})
	if err != nil {
		return nil
	}
	if s != nil {
		select {
		case <-s.cleanupDone:
		case <-time.After(c.timeout):
			c.log.Warn("cleanup timeout")
		}
	}
	c.loop.Close()
	<-c.loop.Done()
	c.ui.Close()
	<-c.ui.Done()
	return nil
}

// post runs fn on the loop if s is still the current session.
func (c *Client) post(s *Session, fn func()) {
	c.loop.Post(func() {
		if c.session == s && !s.ended {
			fn()
		}
	})
}

// step runs fn on the loop and waits. It fails with errSessionEnded if s is no
// longer the current session.
func (c *Client) step(s *Session, fn func() error) error {
	err := c.loop.Call(context.Background(), func() error {
		if c.session != s || s.ended {
			return errSessionEnded
		}
		return fn()
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (c *Client) notify(fn func(h CallHandler)) {
	if c.handler != nil {
		c.ui.Post(func() { fn(c.handler) })
	}
}

func (c *Client) alert(err error) {
	c.log.Errorf("%v", err)
	c.notify(func(h CallHandler) { h.OnAlert(err) })
}

// transition applies e to the session state. Ignored transitions return false.
func (c *Client) transition(s *Session, e event) bool {
	next, ok := nextState(s.state, e)
	if !ok {
		c.log.Debugf("%s: ignored %s in state %s", s.info.RoomID, e, s.state)
		return false
	}
	if next == s.state {
		return true
	}
	c.log.Debugf("%s: %s -> %s", s.info.RoomID, s.state, next)
	s.state = next
	info := s.info
	c.notify(func(h CallHandler) { h.OnStateChange(info, next) })
	return true
}

// exchanged is called once both descriptions are applied.
func (c *Client) exchanged(s *Session) {
	c.transition(s, evExchanged)
	if s.transportUp {
		c.markConnected(s)
	}
}

func (c *Client) markConnected(s *Session) {
	if c.transition(s, evConnected) && s.connected.IsZero() {
		s.connected = c.now()
	}
}

// bindTransport routes transport callbacks of s to the loop.
func (c *Client) bindTransport(s *Session, tr media.Transport) {
	tr.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.publishCandidate(s, cand)
	})
	tr.OnTrack(func(track media.RemoteTrack) {
		c.post(s, func() {
			s.remoteTracks = append(s.remoteTracks, track)
			info := s.info
			c.notify(func(h CallHandler) { h.OnRemoteTrack(info, track) })
		})
	})
	tr.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.post(s, func() { c.onConnectionState(s, state) })
	})
}

func (c *Client) onConnectionState(s *Session, state webrtc.PeerConnectionState) {
	c.log.Infof("%s: peer connection state has changed: %s", s.info.RoomID, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.transportUp = true
		c.markConnected(s)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		err := &TransportFailure{State: state}
		c.alert(err)
		c.teardown(s, endError, err)
	}
}

// attachMedia stores local media and transport on s, unless s already ended.
func (c *Client) attachMedia(s *Session, local media.LocalMedia, tr media.Transport) error {
	err := c.step(s, func() error {
		s.local = local
		s.transport = tr
		c.bindTransport(s, tr)
		return nil
	})
	if err != nil {
		local.Stop()
		tr.Close()
	}
	return err
}

// openMedia acquires local media and a transport with the tracks added.
func (c *Client) openMedia(ctx context.Context, s *Session, kind CallKind) (media.Transport, error) {
	local, err := c.provider.AcquireLocalMedia(ctx, media.Constraints{Audio: true, Video: kind.IsVideo()})
	if err != nil {
		return nil, err
	}
	tr, err := c.provider.CreateTransport(media.Config{ICEServers: c.iceServers})
	if err != nil {
		local.Stop()
		return nil, errors.Wrap(err, "create transport")
	}
	if err := c.attachMedia(s, local, tr); err != nil {
		return nil, err
	}
	for _, track := range local.Tracks() {
		if err := tr.AddTrack(track); err != nil {
			return nil, errors.Wrap(err, "add track")
		}
	}
	return tr, nil
}
