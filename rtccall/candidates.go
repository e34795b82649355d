package rtccall

import (
	"context"

	"github.com/pion/webrtc/v3"

	"github.com/binzume/rtccall/store"
)

// watchCandidates subscribes to the other side's candidate list of the room.
func (c *Client) watchCandidates(s *Session) (store.Subscription, error) {
	path := candidatesPath(s.info.RoomID, s.info.Role.Other())
	return c.st.OnChildAdded(path, func(snap store.Snapshot) {
		var cand Candidate
		if err := snap.Decode(&cand); err != nil {
			c.log.Warnf("bad candidate %s: %v", snap.Path, err)
			return
		}
		c.post(s, func() { c.onRemoteCandidate(s, cand.ToPion()) })
	})
}

func (c *Client) onRemoteCandidate(s *Session, cand webrtc.ICECandidateInit) {
	if !s.remoteApplied || s.transport == nil {
		s.pending = append(s.pending, cand)
		return
	}
	c.applyCandidate(s, cand)
}

// flushCandidates applies buffered candidates oldest first. Must be called
// right after a remote description is applied.
func (c *Client) flushCandidates(s *Session) {
	pending := s.pending
	s.pending = nil
	for _, cand := range pending {
		c.applyCandidate(s, cand)
	}
}

func (c *Client) applyCandidate(s *Session, cand webrtc.ICECandidateInit) {
	if err := s.transport.AddICECandidate(cand); err != nil {
		c.log.Warn((&CandidateApplyError{Candidate: cand.Candidate, Err: err}).Error())
	}
}

// publishCandidate runs on the transport callback goroutine, which keeps
// pushes in generation order.
func (c *Client) publishCandidate(s *Session, cand webrtc.ICECandidateInit) {
	if s.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	path := candidatesPath(s.info.RoomID, s.info.Role)
	if _, err := c.st.Push(ctx, path, candidateFromPion(cand)); err != nil {
		c.log.Warnf("publish candidate: %v", err)
	}
}
