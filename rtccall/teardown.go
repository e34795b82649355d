package rtccall

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/binzume/rtccall/callog"
	"github.com/binzume/rtccall/store"
)

type endReason int

const (
	endLocal endReason = iota
	endRemote
	endReject
	endError
)

var errNotOwner = errors.New("rtccall: call record belongs to another call")

func (s *Session) outcome(reason endReason, cause error) callog.Outcome {
	switch {
	case cause != nil:
		return callog.OutcomeFailed
	case !s.connected.IsZero():
		return callog.OutcomeCompleted
	case reason == endReject:
		return callog.OutcomeRejected
	case reason == endRemote && s.info.Role == RoleCaller:
		return callog.OutcomeRejected
	}
	return callog.OutcomeCancelled
}

// teardown releases everything s holds. It runs on the loop, is safe with
// any subset of resources allocated and does nothing the second time.
// Store cleanup continues in the background until s.cleanupDone is closed.
func (c *Client) teardown(s *Session, reason endReason, cause error) {
	if s.ended {
		return
	}
	s.ended = true
	s.closed.Store(true)
	c.transition(s, evEnd)

	s.cancelSubscriptions()
	if s.local != nil {
		s.local.Stop()
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			c.log.Debugf("%s: close transport: %v", s.info.RoomID, err)
		}
	}
	s.pending = nil
	if c.session == s {
		c.session = nil
	}
	c.transition(s, evCleared)

	outcome := s.outcome(reason, cause)
	info := s.info
	c.notify(func(h CallHandler) { h.OnEnded(info, outcome, cause) })
	go func() {
		defer close(s.cleanupDone)
		c.removeSignaling(s)
		c.record(s, outcome, cause)
	}()
}

// removeSignaling deletes the call record and both candidate lists of the
// room. Nothing is removed once the room belongs to another call.
func (c *Client) removeSignaling(s *Session) {
	if !s.signaled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	room := s.info.RoomID
	if err := c.removeCall(ctx, s); err != nil {
		if !errors.Is(err, errNotOwner) {
			c.log.Warnf("%s: cleanup: remove call record: %v", room, err)
		}
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, role := range []Role{RoleCaller, RoleCallee} {
		path := candidatesPath(room, role)
		g.Go(func() error {
			return errors.Wrap(c.st.Remove(ctx, path), "remove candidates")
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Warnf("%s: cleanup: %v", room, err)
	}
}

// removeCall deletes calls/{room}. It fails with errNotOwner if the record
// was replaced by the record of another call.
func (c *Client) removeCall(ctx context.Context, s *Session) error {
	_, err := c.st.Transaction(ctx, callPath(s.info.RoomID), func(cur store.Snapshot) (any, error) {
		var rec CallRecord
		if cur.Decode(&rec) != nil || rec.Caller == "" {
			return nil, nil
		}
		if !c.owns(s, recordID{caller: rec.Caller, stamp: rec.Timestamp}) {
			return nil, errNotOwner
		}
		return nil, nil
	})
	return err
}

func (c *Client) record(s *Session, outcome callog.Outcome, cause error) {
	if c.history == nil {
		return
	}
	e := &callog.Entry{
		Peer:      s.info.PeerID,
		PeerName:  s.info.PeerName,
		Direction: s.info.Direction(),
		Kind:      string(s.info.Kind),
		Outcome:   outcome,
		Started:   s.info.Started,
		Connected: s.connected,
		Ended:     c.now(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := c.history.Add(e); err != nil {
		c.log.Warnf("call history: %v", err)
	}
}

// abort ends s after Call or Accept failed and returns the error for the caller.
// ended is returned when s was torn down while the operation was running, in
// which case the failure is a consequence of the teardown and not reported.
func (c *Client) abort(s *Session, err error, ended error) error {
	if errors.Is(err, ErrClosed) {
		return err
	}
	if errors.Is(err, errSessionEnded) || c.isStale(s) {
		// a write may have landed after the cleanup
		<-s.cleanupDone
		if s.info.Role == RoleCaller {
			c.removeSignaling(s)
			return ended
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if rmErr := c.removeCall(ctx, s); rmErr != nil && !errors.Is(rmErr, errNotOwner) {
			c.log.Warnf("%s: cleanup: %v", s.info.RoomID, rmErr)
		}
		return ended
	}
	if errors.Is(err, ErrSignalingRace) {
		c.log.Infof("%s: %v", s.info.RoomID, err)
		c.post(s, func() { c.withdraw(s) })
		return err
	}
	c.alert(err)
	c.loop.Post(func() { c.teardown(s, endError, err) })
	return err
}

// Hangup ends the current call, if any, and waits for the store cleanup.
func (c *Client) Hangup(ctx context.Context) error {
	var s *Session
	err := c.loop.Call(ctx, func() error {
		s = c.session
		if s == nil {
			return nil
		}
		reason := endLocal
		if s.info.Role == RoleCallee && s.state == RingingIncoming {
			reason = endReject
		}
		c.teardown(s, reason, nil)
		return nil
	})
	if err != nil || s == nil {
		return err
	}
	return waitCleanup(ctx, s)
}

func waitCleanup(ctx context.Context, s *Session) error {
	select {
	case <-s.cleanupDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
