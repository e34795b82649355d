package rtccall

import (
	"context"

	"github.com/pkg/errors"

	"github.com/binzume/rtccall/callog"
	"github.com/binzume/rtccall/store"
)

// onCallRecord handles changes of calls/{self}.
func (c *Client) onCallRecord(snap store.Snapshot) {
	if c.closed {
		return
	}
	s := c.session
	prev := c.present
	c.present = recordID{}
	if !snap.Exists() {
		if s == nil || s.info.Role != RoleCallee || !c.owns(s, prev) {
			// not the record of the current call
			return
		}
		if s.transport == nil {
			// withdrawn before it was answered
			c.withdraw(s)
		} else {
			c.teardown(s, endRemote, nil)
		}
		return
	}

	var rec CallRecord
	if err := snap.Decode(&rec); err != nil {
		c.log.Warnf("bad call record: %v", err)
		return
	}
	c.present = recordID{caller: rec.Caller, stamp: rec.Timestamp}
	if rec.Offer == nil || rec.Caller == "" {
		return
	}
	if s != nil {
		if s.info.Role == RoleCallee && c.owns(s, c.present) {
			return
		}
		if s.info.Role != RoleCallee || s.transport != nil || s.accepting {
			c.log.Infof("incoming call from %s while busy", rec.Caller)
			return
		}
		// a new call overwrote the record of the ringing call
		c.withdraw(s)
	}
	if rec.Caller == c.selfID || !validID(rec.Caller) {
		c.log.Warnf("ignored call record from %q", rec.Caller)
		return
	}
	kind, err := ParseCallKind(string(rec.Type))
	if err != nil {
		c.log.Warnf("%v, using audio", err)
		kind = KindAudio
	}

	s = newSession(CallInfo{
		RoomID:   c.selfID,
		PeerID:   rec.Caller,
		PeerName: rec.CallerName,
		Role:     RoomRoleFor(c.selfID, c.selfID),
		Kind:     kind,
		Started:  c.now(),
	})
	// the callee owns the room
	s.signaled = true
	s.stamp = rec.Timestamp
	c.session = s
	go c.screenIncoming(s)
}

// screenIncoming checks the block list before the call is surfaced, then
// starts buffering the caller's candidates.
func (c *Client) screenIncoming(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	peer := s.info.PeerID

	blocked, err := c.IsBlocked(ctx, peer)
	if err != nil {
		c.log.Warnf("block list: %v", err)
	}
	if blocked {
		c.post(s, func() { c.dropBlocked(s) })
		return
	}
	profile, err := c.Profile(ctx, peer)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Debugf("profile %s: %v", peer, err)
	}
	sub, subErr := c.watchCandidates(s)

	c.loop.Post(func() {
		if c.session != s || s.ended {
			if sub != nil {
				sub.Cancel()
			}
			return
		}
		if subErr != nil {
			err := errors.Wrap(subErr, "watch candidates")
			c.alert(err)
			c.teardown(s, endError, err)
			return
		}
		s.addSubscription(sub)
		if name := profile.DisplayName(); name != "" {
			s.info.PeerName = name
		}
		s.info.PeerEmoji = profile.Emoji
		if c.transition(s, evRing) {
			info := s.info
			c.notify(func(h CallHandler) { h.OnRing(info) })
		}
	})
}

// dropBlocked rejects a call from a blocked user without surfacing it.
func (c *Client) dropBlocked(s *Session) {
	c.log.Infof("rejected call from blocked user %s", s.info.PeerID)
	c.endQuietly(s)
	go func() {
		defer close(s.cleanupDone)
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.removeCall(ctx, s); err != nil && !errors.Is(err, errNotOwner) {
			c.log.Warnf("remove blocked call: %v", err)
		}
		c.record(s, callog.OutcomeBlocked, nil)
	}()
}

// withdraw ends a ringing call whose record disappeared. It is a missed call,
// not an error, and nothing is deleted from the store.
func (c *Client) withdraw(s *Session) {
	wasRinging := s.state == RingingIncoming
	c.endQuietly(s)
	info := s.info
	if wasRinging {
		c.notify(func(h CallHandler) { h.OnDismissed(info) })
	}
	go func() {
		defer close(s.cleanupDone)
		if !wasRinging {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if _, err := store.Increment(ctx, c.st, missedCallsPath(c.selfID), 1); err != nil {
			c.log.Warnf("missed calls counter: %v", err)
		}
		c.record(s, callog.OutcomeMissed, nil)
	}()
}

func (c *Client) endQuietly(s *Session) {
	s.ended = true
	s.closed.Store(true)
	s.cancelSubscriptions()
	if s.local != nil {
		s.local.Stop()
	}
	if s.transport != nil {
		s.transport.Close()
	}
	if c.session == s {
		c.session = nil
	}
	c.transition(s, evWithdrawn)
}

// Accept answers the ringing call.
func (c *Client) Accept(ctx context.Context) (err error) {
	var s *Session
	err = c.loop.Call(ctx, func() error {
		s = c.session
		if s == nil || s.info.Role != RoleCallee || s.state != RingingIncoming || s.accepting {
			return ErrNoIncomingCall
		}
		s.accepting = true
		return nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = c.abort(s, err, ErrSignalingRace)
		}
	}()

	room := s.info.RoomID
	snap, err := c.st.Once(ctx, callPath(room))
	if err != nil {
		return errors.Wrap(err, "read call record")
	}
	var rec CallRecord
	if snap.Decode(&rec) != nil || rec.Offer == nil || !c.owns(s, recordID{caller: rec.Caller, stamp: rec.Timestamp}) {
		return ErrSignalingRace
	}
	offer, err := rec.Offer.ToPion()
	if err != nil {
		return err
	}
	kind, err := ParseCallKind(string(rec.Type))
	if err != nil {
		kind = KindAudio
	}
	err = c.step(s, func() error {
		s.info.Kind = kind
		return nil
	})
	if err != nil {
		return err
	}

	tr, err := c.openMedia(ctx, s, kind)
	if err != nil {
		return err
	}
	if err := tr.SetRemoteDescription(offer); err != nil {
		return errors.Wrap(err, "apply offer")
	}
	err = c.step(s, func() error {
		s.remoteApplied = true
		c.flushCandidates(s)
		return nil
	})
	if err != nil {
		return err
	}

	answer, err := tr.CreateAnswer()
	if err != nil {
		return errors.Wrap(err, "create answer")
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "set local description")
	}
	if err := c.st.Set(ctx, answerPath(room), descriptionFromPion(answer)); err != nil {
		return errors.Wrap(err, "publish answer")
	}
	return c.step(s, func() error {
		c.exchanged(s)
		return nil
	})
}

// Reject declines the ringing call by removing its record.
func (c *Client) Reject(ctx context.Context) error {
	var s *Session
	err := c.loop.Call(ctx, func() error {
		s = c.session
		if s == nil || s.info.Role != RoleCallee || s.state != RingingIncoming {
			return ErrNoIncomingCall
		}
		c.teardown(s, endReject, nil)
		return nil
	})
	if err != nil {
		return err
	}
	return waitCleanup(ctx, s)
}
