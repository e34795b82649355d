// Package memstore is an in-process implementation of store.Store.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/binzume/rtccall/eventloop"
	"github.com/binzume/rtccall/store"
)

type Store struct {
	mu   sync.Mutex
	tree store.Tree
	subs map[*subscription]struct{}

	// events are delivered in the order writes were applied
	dispatch *eventloop.Loop
}

var _ store.Store = (*Store)(nil)

type subscription struct {
	s         *Store
	watch     *store.Watch
	handler   store.Handler
	cancelled atomic.Bool
}

func (sub *subscription) Cancel() {
	if !sub.cancelled.CompareAndSwap(false, true) {
		return
	}
	sub.s.mu.Lock()
	delete(sub.s.subs, sub)
	sub.s.mu.Unlock()
}

func New() *Store {
	return &Store{
		subs:     map[*subscription]struct{}{},
		dispatch: eventloop.New(),
	}
}

// Close stops event delivery. Pending events are still delivered.
func (s *Store) Close() error {
	s.dispatch.Close()
	return nil
}

// notify must be called with s.mu held.
func (s *Store) notify(path string) {
	for sub := range s.subs {
		if !store.IsRelated(sub.watch.Path, path) {
			continue
		}
		s.deliver(sub, sub.watch.Diff(&s.tree))
	}
}

func (s *Store) deliver(sub *subscription, events []store.Snapshot) {
	for _, ev := range events {
		ev := ev
		s.dispatch.Post(func() {
			if !sub.cancelled.Load() {
				sub.handler(ev)
			}
		})
	}
}

func (s *Store) write(path string, fn func() error) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	s.notify(path)
	return nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	v, err := store.Normalize(value)
	if err != nil {
		return err
	}
	return s.write(path, func() error {
		s.tree.Set(path, v)
		return nil
	})
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	normalized := make(map[string]any, len(fields))
	for k, f := range fields {
		if err := store.ValidatePath(k); err != nil {
			return err
		}
		v, err := store.Normalize(f)
		if err != nil {
			return err
		}
		normalized[k] = v
	}
	return s.write(path, func() error {
		s.tree.Update(path, normalized)
		return nil
	})
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.write(path, func() error {
		s.tree.Remove(path)
		return nil
	})
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	key := store.NewPushKey()
	return key, s.Set(ctx, store.Join(path, key), value)
}

func (s *Store) Once(ctx context.Context, path string) (store.Snapshot, error) {
	if err := store.ValidatePath(path); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Snapshot(path), nil
}

// Transaction runs fn under the store lock. fn must not call back into the store.
func (s *Store) Transaction(ctx context.Context, path string, fn store.TransactionFunc) (store.Snapshot, error) {
	var result store.Snapshot
	err := s.write(path, func() error {
		next, err := fn(s.tree.Snapshot(path))
		if err != nil {
			return err
		}
		v, err := store.Normalize(next)
		if err != nil {
			return err
		}
		s.tree.Set(path, v)
		result = s.tree.Snapshot(path)
		return nil
	})
	return result, err
}

func (s *Store) subscribe(w *store.Watch, h store.Handler) (store.Subscription, error) {
	if err := store.ValidatePath(w.Path); err != nil {
		return nil, err
	}
	sub := &subscription{s: s, watch: w, handler: h}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
	s.deliver(sub, w.Diff(&s.tree))
	return sub, nil
}

func (s *Store) OnValue(path string, h store.Handler) (store.Subscription, error) {
	return s.subscribe(store.NewValueWatch(path), h)
}

func (s *Store) OnChildAdded(path string, h store.Handler) (store.Subscription, error) {
	return s.subscribe(store.NewChildWatch(path), h)
}
