// Package store defines the shared mutable store that call signaling runs on:
// a path-addressed JSON tree with point reads and writes, atomic
// transactions and change subscriptions.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound    = errors.New("store: value not found")
	ErrInvalidPath = errors.New("store: invalid path")
	ErrClosed      = errors.New("store: closed")
)

// Snapshot is the value observed at a path. Value is nil when nothing is stored there.
type Snapshot struct {
	Path  string
	Key   string
	Value json.RawMessage
}

func (s Snapshot) Exists() bool {
	return len(s.Value) > 0 && string(s.Value) != "null"
}

// Decode unmarshals the value into v. It returns ErrNotFound for an absent value.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return ErrNotFound
	}
	return json.Unmarshal(s.Value, v)
}

type Handler func(Snapshot)

// Subscription is returned by OnValue/OnChildAdded. Cancel is idempotent and
// no handler call starts after it returns.
type Subscription interface {
	Cancel()
}

// TransactionFunc computes the new value from the current one. Returning an
// error aborts the transaction without writing.
type TransactionFunc func(current Snapshot) (any, error)

type Store interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	// Push appends value under path with a new key that sorts after every
	// key previously pushed by this store.
	Push(ctx context.Context, path string, value any) (string, error)
	Once(ctx context.Context, path string) (Snapshot, error)
	Transaction(ctx context.Context, path string, fn TransactionFunc) (Snapshot, error)

	// OnValue calls h with the current value and again whenever it changes.
	OnValue(path string, h Handler) (Subscription, error)
	// OnChildAdded calls h for every existing child in key order and for
	// every child added later.
	OnChildAdded(path string, h Handler) (Subscription, error)
}

// Increment atomically adds delta to the integer stored at path.
func Increment(ctx context.Context, s Store, path string, delta int64) (int64, error) {
	var n int64
	_, err := s.Transaction(ctx, path, func(cur Snapshot) (any, error) {
		n = 0
		if cur.Exists() {
			if err := cur.Decode(&n); err != nil {
				return nil, err
			}
		}
		n += delta
		return n, nil
	})
	return n, err
}

type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() {
	f()
}
