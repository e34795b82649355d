package store

import "bytes"

// Watch remembers what a subscription has already reported so that a Tree
// change can be turned into value or child-added events.
type Watch struct {
	Path string

	child   bool
	started bool
	last    []byte
	seen    map[string]bool
}

func NewValueWatch(path string) *Watch {
	return &Watch{Path: Join(path)}
}

func NewChildWatch(path string) *Watch {
	return &Watch{Path: Join(path), child: true, seen: map[string]bool{}}
}

// Diff returns the events to deliver for the current state of t.
func (w *Watch) Diff(t *Tree) []Snapshot {
	if !w.child {
		snap := t.Snapshot(w.Path)
		if w.started && bytes.Equal(snap.Value, w.last) {
			return nil
		}
		w.started = true
		w.last = snap.Value
		return []Snapshot{snap}
	}

	keys := t.ChildKeys(w.Path)
	present := make(map[string]bool, len(keys))
	var events []Snapshot
	for _, k := range keys {
		present[k] = true
		if !w.seen[k] {
			w.seen[k] = true
			events = append(events, t.Snapshot(Join(w.Path, k)))
		}
	}
	for k := range w.seen {
		if !present[k] {
			delete(w.seen, k)
		}
	}
	return events
}
