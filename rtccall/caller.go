package rtccall

import (
	"context"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/binzume/rtccall/store"
)

// Call starts an outgoing call to peerID and returns once the offer is
// published. Progress is reported to the CallHandler.
func (c *Client) Call(ctx context.Context, peerID string, kind CallKind) (err error) {
	if !validID(peerID) {
		return ErrInvalidPeer
	}
	if peerID == c.selfID {
		return ErrSelfCall
	}
	room := peerID

	var s, prev *Session
	err = c.loop.Call(ctx, func() error {
		if c.closed {
			return ErrClosed
		}
		if c.session != nil {
			return ErrBusy
		}
		s = newSession(CallInfo{
			RoomID:  room,
			PeerID:  peerID,
			Role:    RoomRoleFor(c.selfID, room),
			Kind:    kind,
			Started: c.now(),
		})
		prev, c.last = c.last, s
		c.session = s
		c.transition(s, evDial)
		return nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = c.abort(s, err, ErrCallEnded)
		}
	}()

	if prev != nil {
		// the previous call may still be removing its candidates
		if err := waitCleanup(ctx, prev); err != nil {
			return err
		}
	}

	tr, err := c.openMedia(ctx, s, kind)
	if err != nil {
		return err
	}

	sub, err := c.watchCandidates(s)
	if err != nil {
		return errors.Wrap(err, "watch candidates")
	}
	err = c.step(s, func() error {
		s.addSubscription(sub)
		s.signaled = true
		s.stamp = c.now().UnixMilli()
		return nil
	})
	if err != nil {
		sub.Cancel()
		return err
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		return errors.Wrap(err, "create offer")
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "set local description")
	}
	rec := &CallRecord{
		Caller:     c.selfID,
		CallerName: c.displayName,
		Offer:      descriptionFromPion(offer),
		Type:       kind,
		Timestamp:  s.stamp,
	}
	if err := c.st.Set(ctx, callPath(room), rec); err != nil {
		return errors.Wrap(err, "publish call record")
	}

	recordSub, err := c.st.OnValue(callPath(room), func(snap store.Snapshot) {
		c.post(s, func() { c.onOutgoingRecord(s, snap) })
	})
	if err != nil {
		return errors.Wrap(err, "watch call record")
	}
	answerSub, err := c.st.OnValue(answerPath(room), func(snap store.Snapshot) {
		c.post(s, func() { c.onAnswer(s, snap) })
	})
	if err != nil {
		recordSub.Cancel()
		return errors.Wrap(err, "watch answer")
	}
	err = c.step(s, func() error {
		s.addSubscription(recordSub)
		s.addSubscription(answerSub)
		return nil
	})
	if err != nil {
		recordSub.Cancel()
		answerSub.Cancel()
	}
	return err
}

// onOutgoingRecord watches the record of an outgoing call. Its removal means
// rejected or hung up. Another caller may take the room over: before the
// answer that means the callee is gone, after it the call goes on and its end
// is detected by the transport.
func (c *Client) onOutgoingRecord(s *Session, snap store.Snapshot) {
	if !snap.Exists() {
		if !s.replaced {
			c.teardown(s, endRemote, nil)
		}
		return
	}
	var rec CallRecord
	if err := snap.Decode(&rec); err != nil {
		c.log.Warnf("%s: bad call record: %v", s.info.RoomID, err)
		return
	}
	if rec.Caller == "" || c.owns(s, recordID{caller: rec.Caller, stamp: rec.Timestamp}) {
		// answer only, or our own record
		return
	}
	if !s.answerApplied {
		c.log.Infof("%s: call record replaced by %s", s.info.RoomID, rec.Caller)
		c.teardown(s, endRemote, nil)
		return
	}
	s.replaced = true
}

// onAnswer applies the first valid answer. Later values are ignored.
func (c *Client) onAnswer(s *Session, snap store.Snapshot) {
	if !snap.Exists() || s.answerApplied {
		return
	}
	var d Description
	if err := snap.Decode(&d); err != nil {
		c.log.Warnf("%s: bad answer: %v", s.info.RoomID, err)
		return
	}
	desc, err := d.ToPion()
	if err != nil || desc.Type != webrtc.SDPTypeAnswer {
		c.log.Warnf("%s: bad answer: %v", s.info.RoomID, err)
		return
	}
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		err = errors.Wrap(err, "apply answer")
		c.alert(err)
		c.teardown(s, endError, err)
		return
	}
	s.answerApplied = true
	s.remoteApplied = true
	c.flushCandidates(s)
	c.exchanged(s)
}
