package rtccall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/binzume/rtccall/callog"
	"github.com/binzume/rtccall/media"
	"github.com/binzume/rtccall/store"
)

var sdpSeq atomic.Int64

func fakeSDP(label string) string {
	return fmt.Sprintf("v=0\r\no=- %d 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\na=fake:%s\r\n", sdpSeq.Add(1), label)
}

type fakeLocal struct {
	tracks  []webrtc.TrackLocal
	stopped atomic.Int32
}

func (l *fakeLocal) Tracks() []webrtc.TrackLocal { return l.tracks }
func (l *fakeLocal) Stop()                       { l.stopped.Add(1) }

type fakeTransport struct {
	name string

	mu           sync.Mutex
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	remoteSet    int
	tracks       int
	applied      []string
	closed       int
	onCandidate  func(webrtc.ICECandidateInit)
	onState      func(webrtc.PeerConnectionState)
	onTrack      func(media.RemoteTrack)
	onAddTrack   func()
	numCandidate int
}

var errTransportClosed = errors.New("connection closed")

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	t.tracks++
	hook := t.onAddTrack
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP(t.name + "-offer")}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return webrtc.SessionDescription{}, errTransportClosed
	}
	if t.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP(t.name + "-answer")}, nil
}

// SetLocalDescription starts "gathering": candidates are emitted in order on another goroutine.
func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.closed > 0 {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.local = &desc
	f := t.onCandidate
	n := t.numCandidate
	t.mu.Unlock()
	if f != nil {
		go func() {
			for i := 0; i < n; i++ {
				f(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", t.name, i)})
			}
		}()
	}
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return errTransportClosed
	}
	t.remote = &desc
	t.remoteSet++
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return errTransportClosed
	}
	if t.remote == nil {
		return errors.New("remote description not set")
	}
	if strings.Contains(c.Candidate, "bad") {
		return errors.New("malformed candidate")
	}
	t.applied = append(t.applied, c.Candidate)
	return nil
}

func (t *fakeTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = f
}

func (t *fakeTransport) OnTrack(f func(media.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = f
}

func (t *fakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = f
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed > 0
}

func (t *fakeTransport) setState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	f := t.onState
	t.mu.Unlock()
	f(s)
}

func (t *fakeTransport) appliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.applied...)
}

type fakeProvider struct {
	name       string
	noVideo    bool
	candidates int
	// onAddTrack is called by every new transport when a track is added
	onAddTrack func(t *fakeTransport)

	mu         sync.Mutex
	locals     []*fakeLocal
	transports []*fakeTransport
}

func (p *fakeProvider) AcquireLocalMedia(ctx context.Context, c media.Constraints) (media.LocalMedia, error) {
	if c.Video && p.noVideo {
		return nil, &media.MediaAccessError{Kind: "video", Err: media.ErrNoDevice}
	}
	l := &fakeLocal{}
	if c.Audio {
		track, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", p.name)
		l.tracks = append(l.tracks, track)
	}
	if c.Video {
		track, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", p.name)
		l.tracks = append(l.tracks, track)
	}
	p.mu.Lock()
	p.locals = append(p.locals, l)
	p.mu.Unlock()
	return l, nil
}

func (p *fakeProvider) CreateTransport(cfg media.Config) (media.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &fakeTransport{name: fmt.Sprintf("%s%d", p.name, len(p.transports)), numCandidate: p.candidates}
	if hook := p.onAddTrack; hook != nil {
		t.onAddTrack = func() { hook(t) }
	}
	p.transports = append(p.transports, t)
	return t, nil
}

func (p *fakeProvider) transport(i int) *fakeTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.transports) {
		return nil
	}
	return p.transports[i]
}

func (p *fakeProvider) numTransports() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

type endedEvent struct {
	info    CallInfo
	outcome callog.Outcome
	err     error
}

type testPeer struct {
	id        string
	client    *Client
	media     *fakeProvider
	rings     chan CallInfo
	dismissed chan CallInfo
	states    chan State
	ended     chan endedEvent
	alerts    chan error
}

func newTestPeer(t *testing.T, st store.Store, id string, history *callog.Log) *testPeer {
	p := &testPeer{
		id:        id,
		media:     &fakeProvider{name: id, candidates: 2},
		rings:     make(chan CallInfo, 10),
		dismissed: make(chan CallInfo, 10),
		states:    make(chan State, 100),
		ended:     make(chan endedEvent, 10),
		alerts:    make(chan error, 10),
	}
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelWarn
	client, err := NewClient(&Options{
		SelfID:      id,
		DisplayName: strings.ToUpper(id[:1]) + id[1:],
		Store:       st,
		Media:       p.media,
		History:     history,
		Timeout:     3 * time.Second,
		Handler: &CallCallback{
			OnRingFunc:        func(call CallInfo) { p.rings <- call },
			OnDismissedFunc:   func(call CallInfo) { p.dismissed <- call },
			OnStateChangeFunc: func(call CallInfo, state State) { p.states <- state },
			OnAlertFunc:       func(err error) { p.alerts <- err },
			OnEndedFunc: func(call CallInfo, outcome callog.Outcome, err error) {
				p.ended <- endedEvent{call, outcome, err}
			},
		},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		t.Fatal("NewClient() error: ", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatal("Start() error: ", err)
	}
	p.client = client
	t.Cleanup(func() { client.Close() })
	return p
}

const waitTimeout = 3 * time.Second

func (p *testPeer) waitState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-p.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("%s: timeout waiting for state %s (current %s)", p.id, want, p.client.State())
		}
	}
}

func (p *testPeer) waitRing(t *testing.T) CallInfo {
	t.Helper()
	select {
	case call := <-p.rings:
		return call
	case <-time.After(waitTimeout):
		t.Fatalf("%s: ring timeout", p.id)
	}
	return CallInfo{}
}

func (p *testPeer) waitEnded(t *testing.T) endedEvent {
	t.Helper()
	select {
	case ev := <-p.ended:
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("%s: timeout waiting for call end", p.id)
	}
	return endedEvent{}
}

// eventually polls cond until it holds.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout: ", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func exists(st store.Store, path string) bool {
	snap, err := st.Once(context.Background(), path)
	return err == nil && snap.Exists()
}

// failingStore fails Set and Once at chosen paths and counts writes.
type failingStore struct {
	store.Store

	mu      sync.Mutex
	failSet map[string]error
	sets    map[string]int
	// onOnce runs before Once reads path
	onOnce func(path string)
}

func newFailingStore(st store.Store) *failingStore {
	return &failingStore{Store: st, failSet: map[string]error{}, sets: map[string]int{}}
}

func (s *failingStore) Set(ctx context.Context, path string, value any) error {
	s.mu.Lock()
	s.sets[path]++
	err := s.failSet[path]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Set(ctx, path, value)
}

func (s *failingStore) Once(ctx context.Context, path string) (store.Snapshot, error) {
	s.mu.Lock()
	hook := s.onOnce
	s.mu.Unlock()
	if hook != nil {
		hook(path)
	}
	return s.Store.Once(ctx, path)
}

func (s *failingStore) setCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[path]
}
