package store

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Tree is an in-memory JSON tree. Empty objects and nulls are pruned the way
// the hosted database prunes them. Tree is not goroutine-safe.
type Tree struct {
	root any
}

// Normalize converts v into the generic JSON form stored in a Tree.
func Normalize(v any) (any, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return decodeJSON(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSON(b)
}

func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return prune(out), nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			c = prune(c)
			if c == nil {
				delete(t, k)
			} else {
				t[k] = c
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		// arrays are stored as objects keyed by index
		m := make(map[string]any, len(t))
		for i, c := range t {
			if c = prune(c); c != nil {
				m[itoa(i)] = c
			}
		}
		if len(m) == 0 {
			return nil
		}
		return m
	}
	return v
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func (t *Tree) value(segs []string) any {
	node := t.root
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

// Set replaces the value at path. v must already be normalized; nil removes.
func (t *Tree) Set(path string, v any) {
	t.root = setIn(t.root, Split(path), v)
}

func setIn(node any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := node.(map[string]any)
	if !ok {
		if v == nil {
			return node
		}
		m = map[string]any{}
	}
	child := setIn(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Update sets each field relative to path. Field names may contain slashes.
func (t *Tree) Update(path string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.Set(Join(path, k), fields[k])
	}
}

func (t *Tree) Remove(path string) {
	t.Set(path, nil)
}

// Snapshot marshals the value at path.
func (t *Tree) Snapshot(path string) Snapshot {
	s := Snapshot{Path: Join(path), Key: Key(path)}
	if v := t.value(Split(path)); v != nil {
		s.Value, _ = json.Marshal(v)
	}
	return s
}

// ChildKeys returns the keys under path in sorted order.
func (t *Tree) ChildKeys(path string) []string {
	m, ok := t.value(Split(path)).(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
