package rtccall

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/binzume/rtccall/store"
)

// Block adds uid to the block list. Calls from blocked users are rejected
// without ringing.
func (c *Client) Block(ctx context.Context, uid string) error {
	if !validID(uid) {
		return ErrInvalidPeer
	}
	return errors.Wrap(c.st.Set(ctx, blockedPath(c.selfID, uid), true), "block")
}

func (c *Client) Unblock(ctx context.Context, uid string) error {
	if !validID(uid) {
		return ErrInvalidPeer
	}
	return errors.Wrap(c.st.Remove(ctx, blockedPath(c.selfID, uid)), "unblock")
}

func (c *Client) IsBlocked(ctx context.Context, uid string) (bool, error) {
	snap, err := c.st.Once(ctx, blockedPath(c.selfID, uid))
	if err != nil {
		return false, err
	}
	var blocked bool
	if err := snap.Decode(&blocked); err != nil {
		// any other value still marks the user
		return snap.Exists(), nil
	}
	return blocked, nil
}

// Blocked returns the block list sorted by id.
func (c *Client) Blocked(ctx context.Context) ([]string, error) {
	snap, err := c.st.Once(ctx, blockedRoot(c.selfID))
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := snap.Decode(&m); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	var uids []string
	for uid, v := range m {
		if v != false {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	return uids, nil
}

// SetProfile updates the non-empty fields of users/{self}.
func (c *Client) SetProfile(ctx context.Context, p Profile) error {
	fields := map[string]any{}
	if p.Name != "" {
		fields["name"] = p.Name
	}
	if p.Username != "" {
		fields["username"] = p.Username
	}
	if p.Emoji != "" {
		fields["emoji"] = p.Emoji
	}
	if len(fields) == 0 {
		return nil
	}
	return errors.Wrap(c.st.Update(ctx, profilePath(c.selfID), fields), "update profile")
}

// Profile returns users/{uid}. It fails with store.ErrNotFound for unknown users.
func (c *Client) Profile(ctx context.Context, uid string) (Profile, error) {
	var p Profile
	if !validID(uid) {
		return p, ErrInvalidPeer
	}
	snap, err := c.st.Once(ctx, profilePath(uid))
	if err != nil {
		return p, err
	}
	err = snap.Decode(&p)
	return p, err
}

// MissedCalls returns the number of calls withdrawn while ringing.
func (c *Client) MissedCalls(ctx context.Context) (int64, error) {
	snap, err := c.st.Once(ctx, missedCallsPath(c.selfID))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := snap.Decode(&n); err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	return n, nil
}

func (c *Client) ResetMissedCalls(ctx context.Context) error {
	return c.st.Remove(ctx, missedCallsPath(c.selfID))
}
