package wsstore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/binzume/rtccall/store"
)

var errConflict = errors.New("wsstore: conflict")

// Server serves a store.Store to websocket clients.
type Server struct {
	Store        store.Store
	SignalingKey string
	PingInterval time.Duration
	Upgrader     websocket.Upgrader
	Logger       logging.LeveledLogger
}

func NewServer(s store.Store, signalingKey string) *Server {
	return &Server{
		Store:        s,
		SignalingKey: signalingKey,
		PingInterval: 30 * time.Second,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		Logger: logging.NewDefaultLoggerFactory().NewLogger("hub"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warnf("upgrade: %v", err)
		return
	}
	s.ServeConn(r.Context(), ws)
}

type serverConn struct {
	srv      *Server
	soc      JsonSocket
	clientID string
	sendLock sync.Mutex
	lock     sync.Mutex
	subs     map[uint32]store.Subscription
}

// ServeConn runs the hub protocol on an accepted socket until it is closed.
func (s *Server) ServeConn(ctx context.Context, soc JsonSocket) {
	defer soc.Close()
	var reg RegisterMessage
	if err := soc.ReadJSON(&reg); err != nil {
		return
	}
	if reg.Type != "register" || reg.ClientID == "" {
		soc.WriteJSON(&AuthResultMessage{Type: "reject", Reason: "INVALID-MESSAGE"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(reg.SignalingKey), []byte(s.SignalingKey)) != 1 {
		soc.WriteJSON(&AuthResultMessage{Type: "reject", Reason: "INVALID-SIGNALING-KEY"})
		return
	}
	if err := soc.WriteJSON(&AuthResultMessage{Type: "accept", ClientID: reg.ClientID}); err != nil {
		return
	}
	s.Logger.Infof("client connected: %s", reg.ClientID)

	c := &serverConn{srv: s, soc: soc, clientID: reg.ClientID, subs: map[uint32]store.Subscription{}}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.cancelAll()
	if s.PingInterval > 0 {
		go c.pingLoop(ctx)
	}
	for {
		var msg Message
		if err := soc.ReadJSON(&msg); err != nil {
			s.Logger.Infof("client disconnected: %s (%v)", reg.ClientID, err)
			return
		}
		switch msg.Type {
		case "ping":
			c.send(&Message{Type: "pong"})
		case "pong":
		case "bye":
			return
		default:
			res := c.handle(ctx, &msg)
			res.Type = "result"
			res.RID = msg.RID
			if err := c.send(res); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) send(msg *Message) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.soc.WriteJSON(msg)
}

func (c *serverConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.srv.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(&Message{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) cancelAll() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for sid, sub := range c.subs {
		sub.Cancel()
		delete(c.subs, sid)
	}
}

func value(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// canonical returns the normalized encoding used to compare values in cas.
func canonical(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	v, err := store.Normalize(raw)
	if err != nil || v == nil {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func (c *serverConn) handle(ctx context.Context, msg *Message) *Message {
	st := c.srv.Store
	res := &Message{}
	var err error
	switch msg.Type {
	case "set":
		err = st.Set(ctx, msg.Path, value(msg.Value))
	case "update":
		fields := make(map[string]any, len(msg.Fields))
		for k, v := range msg.Fields {
			fields[k] = value(v)
		}
		err = st.Update(ctx, msg.Path, fields)
	case "remove":
		err = st.Remove(ctx, msg.Path)
	case "push":
		res.Key, err = st.Push(ctx, msg.Path, value(msg.Value))
	case "once":
		var snap store.Snapshot
		snap, err = st.Once(ctx, msg.Path)
		res.Value = snap.Value
	case "cas":
		var current store.Snapshot
		var snap store.Snapshot
		snap, err = st.Transaction(ctx, msg.Path, func(cur store.Snapshot) (any, error) {
			current = cur
			if canonical(cur.Value) != canonical(msg.Expect) {
				return nil, errConflict
			}
			return value(msg.Value), nil
		})
		if err == errConflict {
			err = nil
			res.Conflict = true
			snap = current
		}
		res.Value = snap.Value
	case "subscribe":
		err = c.subscribe(msg)
	case "unsubscribe":
		c.lock.Lock()
		sub := c.subs[msg.SID]
		delete(c.subs, msg.SID)
		c.lock.Unlock()
		if sub != nil {
			sub.Cancel()
		}
	default:
		err = errors.New("unknown request: " + msg.Type)
	}
	if err != nil {
		c.srv.Logger.Debugf("%s %s %s: %v", c.clientID, msg.Type, msg.Path, err)
		res.Error = err.Error()
	}
	return res
}

func (c *serverConn) subscribe(msg *Message) error {
	sid := msg.SID
	h := func(snap store.Snapshot) {
		c.send(&Message{Type: "event", SID: sid, Path: snap.Path, Key: snap.Key, Value: snap.Value})
	}
	var sub store.Subscription
	var err error
	switch msg.Event {
	case EventValue:
		sub, err = c.srv.Store.OnValue(msg.Path, h)
	case EventChildAdded:
		sub, err = c.srv.Store.OnChildAdded(msg.Path, h)
	default:
		err = errors.New("unknown event: " + msg.Event)
	}
	if err != nil {
		return err
	}
	c.lock.Lock()
	if old := c.subs[sid]; old != nil {
		old.Cancel()
	}
	c.subs[sid] = sub
	c.lock.Unlock()
	return nil
}
