package wsstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/binzume/rtccall/store"
	"github.com/binzume/rtccall/store/memstore"
)

func startHub(t *testing.T) (*memstore.Store, string) {
	backing := memstore.New()
	srv := httptest.NewServer(NewServer(backing, "key1"))
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		backing.Close()
	})
	return backing, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, id string) *Conn {
	conn, err := Dial(url, id, "key1")
	if err != nil {
		t.Fatal("Dial() error: ", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recv(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("event timeout")
	}
	return store.Snapshot{}
}

func TestDial_Reject(t *testing.T) {
	_, url := startHub(t)
	_, err := Dial(url, "alice", "wrong")
	if err == nil {
		t.Fatal("Dial() should fail with invalid key")
	}
}

func TestConn_SetOnceRemove(t *testing.T) {
	ctx := context.Background()
	backing, url := startHub(t)
	conn := dial(t, url, "alice")

	if err := conn.Set(ctx, "users/alice", map[string]any{"name": "Alice", "emoji": "🐱"}); err != nil {
		t.Fatal("Set() error: ", err)
	}
	if err := conn.Update(ctx, "users/alice", map[string]any{"username": "alice01"}); err != nil {
		t.Fatal("Update() error: ", err)
	}
	snap, err := backing.Once(ctx, "users/alice")
	if err != nil {
		t.Fatal("Once() error: ", err)
	}
	var profile struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	}
	if err := snap.Decode(&profile); err != nil || profile.Name != "Alice" || profile.Username != "alice01" {
		t.Fatal("unexpected value: ", string(snap.Value))
	}

	snap, err = conn.Once(ctx, "users/alice/name")
	if err != nil || string(snap.Value) != `"Alice"` || snap.Key != "name" {
		t.Fatal("unexpected snapshot: ", snap, err)
	}

	if err := conn.Remove(ctx, "users/alice"); err != nil {
		t.Fatal("Remove() error: ", err)
	}
	snap, _ = conn.Once(ctx, "users/alice")
	if snap.Exists() {
		t.Fatal("value should be removed")
	}

	if err := conn.Set(ctx, "bad.path", 1); err == nil {
		t.Fatal("Set() should fail for invalid path")
	}
}

func TestConn_Transaction(t *testing.T) {
	ctx := context.Background()
	_, url := startHub(t)
	a := dial(t, url, "alice")
	b := dial(t, url, "bob")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		conn := a
		if i%2 == 1 {
			conn = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Increment(ctx, conn, "users/bob/missedCalls", 1); err != nil {
				t.Error("Increment() error: ", err)
			}
		}()
	}
	wg.Wait()

	snap, _ := a.Once(ctx, "users/bob/missedCalls")
	if string(snap.Value) != "10" {
		t.Fatal("unexpected counter: ", string(snap.Value))
	}
}

func TestConn_Subscribe(t *testing.T) {
	ctx := context.Background()
	_, url := startHub(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	values := make(chan store.Snapshot, 10)
	sub, err := bob.OnValue("calls/bob", func(s store.Snapshot) { values <- s })
	if err != nil {
		t.Fatal("OnValue() error: ", err)
	}
	children := make(chan store.Snapshot, 10)
	csub, err := alice.OnChildAdded("iceCandidates/bob/callee", func(s store.Snapshot) { children <- s })
	if err != nil {
		t.Fatal("OnChildAdded() error: ", err)
	}
	defer csub.Cancel()

	if s := recv(t, values); s.Exists() {
		t.Fatal("initial value should be absent")
	}
	alice.Set(ctx, "calls/bob", map[string]any{"caller": "alice", "type": "audio"})
	if s := recv(t, values); !s.Exists() || s.Key != "bob" {
		t.Fatal("unexpected event: ", s)
	}

	k1, _ := bob.Push(ctx, "iceCandidates/bob/callee", map[string]any{"candidate": "c1"})
	k2, _ := bob.Push(ctx, "iceCandidates/bob/callee", map[string]any{"candidate": "c2"})
	if s := recv(t, children); s.Key != k1 {
		t.Fatal("unexpected child: ", s.Key)
	}
	if s := recv(t, children); s.Key != k2 {
		t.Fatal("unexpected child: ", s.Key)
	}

	sub.Cancel()
	sub.Cancel()
	alice.Remove(ctx, "calls/bob")
	select {
	case s := <-values:
		t.Fatal("event after Cancel: ", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConn_Close(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url, "alice")
	conn.Close()
	<-conn.Done()
	if err := conn.Set(context.Background(), "x", 1); err != store.ErrClosed {
		t.Fatal("Set() after Close should fail: ", err)
	}
}

// silentSocket accepts the handshake and never answers a request.
type silentSocket struct {
	mu     sync.Mutex
	sent   int
	closed chan struct{}
	once   sync.Once
}

func (s *silentSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func (s *silentSocket) ReadJSON(v any) error {
	if auth, ok := v.(*AuthResultMessage); ok {
		auth.Type = "accept"
		return nil
	}
	<-s.closed
	return errors.New("use of closed connection")
}

func (s *silentSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func pendingRequests(c *Conn) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.wait)
}

func TestConn_RequestTimeout(t *testing.T) {
	soc := &silentSocket{closed: make(chan struct{})}
	conn, err := StartClient(soc, "alice", "key1")
	if err != nil {
		t.Fatal("StartClient() error: ", err)
	}
	defer conn.Close()
	conn.Timeout = 50 * time.Millisecond

	if err := conn.Set(context.Background(), "x", 1); err != ErrTimeout {
		t.Fatal("Set() should time out: ", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := conn.Once(ctx, "x"); err != context.Canceled {
		t.Fatal("Once() should be cancelled: ", err)
	}
	if n := pendingRequests(conn); n != 0 {
		t.Fatal("abandoned requests should be forgotten: ", n)
	}
	if conn.LastError() != nil {
		t.Fatal("unexpected error: ", conn.LastError())
	}

	soc.Close()
	<-conn.Done()
	if conn.LastError() == nil {
		t.Fatal("read error should be kept")
	}
}
