package rtdb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/binzume/rtccall/store"
)

// fakeDB emulates the subset of the REST/streaming API the client uses.
type fakeDB struct {
	mu      sync.Mutex
	tree    store.Tree
	streams map[chan struct{}]bool
}

func newFakeServer(t *testing.T) (*fakeDB, *Client) {
	db := &fakeDB{streams: map[chan struct{}]bool{}}
	srv := httptest.NewServer(db)
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
	})
	c, err := New(srv.URL, &Options{AuthToken: "secret"})
	if err != nil {
		t.Fatal("New() error: ", err)
	}
	return db, c
}

func etag(snap store.Snapshot) string {
	h := sha1.Sum(snap.Value)
	return hex.EncodeToString(h[:])
}

func (f *fakeDB) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("auth") != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"Permission denied"}`)
		return
	}
	path := strings.TrimSuffix(r.URL.Path, ".json")
	if r.Method == http.MethodGet && r.Header.Get("Accept") == "text/event-stream" {
		f.stream(w, r, path)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.tree.Snapshot(path)
	var body any
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		json.NewDecoder(r.Body).Decode(&body)
	}
	switch r.Method {
	case http.MethodGet:
		if r.Header.Get("X-Firebase-ETag") == "true" {
			w.Header().Set("ETag", etag(cur))
		}
		writeValue(w, cur)
		return
	case http.MethodPut:
		if m := r.Header.Get("if-match"); m != "" && m != etag(cur) {
			w.Header().Set("ETag", etag(cur))
			w.WriteHeader(http.StatusPreconditionFailed)
			writeValue(w, cur)
			return
		}
		v, _ := store.Normalize(body)
		f.tree.Set(path, v)
	case http.MethodPatch:
		fields, _ := body.(map[string]any)
		normalized := map[string]any{}
		for k, v := range fields {
			normalized[k], _ = store.Normalize(v)
		}
		f.tree.Update(path, normalized)
	case http.MethodDelete:
		f.tree.Remove(path)
	case http.MethodPost:
		key := store.NewPushKey()
		v, _ := store.Normalize(body)
		f.tree.Set(store.Join(path, key), v)
		f.broadcast()
		json.NewEncoder(w).Encode(map[string]string{"name": key})
		return
	}
	f.broadcast()
	if r.URL.Query().Get("print") == "silent" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeValue(w, f.tree.Snapshot(path))
}

func writeValue(w http.ResponseWriter, snap store.Snapshot) {
	if snap.Exists() {
		w.Write(snap.Value)
	} else {
		w.Write([]byte("null"))
	}
}

func (f *fakeDB) broadcast() {
	for ch := range f.streams {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *fakeDB) stream(w http.ResponseWriter, r *http.Request, path string) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.streams[ch] = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.streams, ch)
		f.mu.Unlock()
	}()

	send := func() {
		f.mu.Lock()
		snap := f.tree.Snapshot(path)
		f.mu.Unlock()
		data := "null"
		if snap.Exists() {
			data = string(snap.Value)
		}
		fmt.Fprintf(w, "event: put\ndata: {\"path\":\"/\",\"data\":%s}\n\n", data)
		flusher.Flush()
	}
	send()
	for {
		select {
		case <-ch:
			send()
		case <-r.Context().Done():
			return
		}
	}
}

func TestClient_SetOnceRemove(t *testing.T) {
	ctx := context.Background()
	_, c := newFakeServer(t)

	err := c.Set(ctx, "calls/bob", map[string]any{"caller": "alice", "type": "video"})
	if err != nil {
		t.Fatal("Set() error: ", err)
	}
	err = c.Update(ctx, "calls/bob", map[string]any{"answer/type": "answer"})
	if err != nil {
		t.Fatal("Update() error: ", err)
	}
	snap, err := c.Once(ctx, "calls/bob")
	if err != nil || !snap.Exists() {
		t.Fatal("Once() error: ", err)
	}
	var rec struct {
		Caller string `json:"caller"`
		Answer struct {
			Type string `json:"type"`
		} `json:"answer"`
	}
	if err := snap.Decode(&rec); err != nil || rec.Caller != "alice" || rec.Answer.Type != "answer" {
		t.Fatal("unexpected value: ", string(snap.Value), err)
	}

	if err := c.Remove(ctx, "calls/bob"); err != nil {
		t.Fatal("Remove() error: ", err)
	}
	snap, err = c.Once(ctx, "calls/bob")
	if err != nil || snap.Exists() {
		t.Fatal("value should be removed: ", string(snap.Value), err)
	}
}

func TestClient_Push(t *testing.T) {
	ctx := context.Background()
	db, c := newFakeServer(t)

	key, err := c.Push(ctx, "iceCandidates/bob/caller", map[string]any{"candidate": "c1"})
	if err != nil || key == "" {
		t.Fatal("Push() error: ", err)
	}
	db.mu.Lock()
	exists := db.tree.Snapshot("iceCandidates/bob/caller/" + key).Exists()
	db.mu.Unlock()
	if !exists {
		t.Fatal("pushed value not stored")
	}
}

func TestClient_Transaction(t *testing.T) {
	ctx := context.Background()
	_, c := newFakeServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Increment(ctx, c, "users/bob/missedCalls", 1); err != nil {
				t.Error("Increment() error: ", err)
			}
		}()
	}
	wg.Wait()

	snap, _ := c.Once(ctx, "users/bob/missedCalls")
	if string(snap.Value) != "5" {
		t.Fatal("unexpected counter: ", string(snap.Value))
	}
}

func TestClient_AuthError(t *testing.T) {
	_, c := newFakeServer(t)
	c.auth = "wrong"

	err := c.Set(context.Background(), "calls/bob", true)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Status != http.StatusUnauthorized || rerr.Message != "Permission denied" {
		t.Fatal("Set() should fail with auth error: ", err)
	}
}

func TestClient_OnValue(t *testing.T) {
	ctx := context.Background()
	_, c := newFakeServer(t)

	ch := make(chan store.Snapshot, 10)
	sub, err := c.OnValue("calls/bob", func(s store.Snapshot) { ch <- s })
	if err != nil {
		t.Fatal("OnValue() error: ", err)
	}
	defer sub.Cancel()

	next := func() store.Snapshot {
		select {
		case s := <-ch:
			return s
		case <-time.After(3 * time.Second):
			t.Fatal("event timeout")
		}
		return store.Snapshot{}
	}

	if s := next(); s.Exists() {
		t.Fatal("initial value should be absent")
	}
	c.Set(ctx, "calls/bob", map[string]any{"caller": "alice"})
	if s := next(); !s.Exists() {
		t.Fatal("value should exist")
	}
	c.Remove(ctx, "calls/bob")
	if s := next(); s.Exists() {
		t.Fatal("value should be removed")
	}
}

func TestClient_OnChildAdded(t *testing.T) {
	ctx := context.Background()
	_, c := newFakeServer(t)

	k1, _ := c.Push(ctx, "iceCandidates/bob/callee", map[string]any{"candidate": "c1"})
	ch := make(chan store.Snapshot, 10)
	sub, err := c.OnChildAdded("iceCandidates/bob/callee", func(s store.Snapshot) { ch <- s })
	if err != nil {
		t.Fatal("OnChildAdded() error: ", err)
	}
	defer sub.Cancel()
	k2, _ := c.Push(ctx, "iceCandidates/bob/callee", map[string]any{"candidate": "c2"})

	for _, want := range []string{k1, k2} {
		select {
		case s := <-ch:
			if s.Key != want {
				t.Fatal("unexpected child: ", s.Key, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("event timeout")
		}
	}
}
