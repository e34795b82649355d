package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/binzume/rtccall/eventloop"
	"github.com/binzume/rtccall/store"
)

type JsonSocket interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

var ErrTimeout = errors.New("wsstore: request timeout")

// Conn is a store.Store backed by a hub connection.
type Conn struct {
	AuthResult *AuthResultMessage
	Timeout    time.Duration
	Logger     logging.LeveledLogger

	soc    JsonSocket
	closed atomic.Bool
	done   chan struct{}
	events *eventloop.Loop

	sendLock sync.Mutex
	lock     sync.Mutex
	reqCount uint32
	lastErr  error
	wait     map[uint32]chan *Message
	subs     map[uint32]*subscription
}

var _ store.Store = (*Conn)(nil)

func Dial(hubURL, clientID, signalingKey string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(hubURL, nil)
	if err != nil {
		return nil, err
	}
	return StartClient(ws, clientID, signalingKey)
}

func StartClient(soc JsonSocket, clientID, signalingKey string) (*Conn, error) {
	conn := &Conn{
		soc:     soc,
		done:    make(chan struct{}),
		events:  eventloop.New(),
		wait:    map[uint32]chan *Message{},
		subs:    map[uint32]*subscription{},
		Timeout: 10 * time.Second,
		Logger:  logging.NewDefaultLoggerFactory().NewLogger("wsstore"),
	}
	if err := conn.handshake(clientID, signalingKey); err != nil {
		soc.Close()
		conn.events.Close()
		return nil, err
	}
	go conn.recvLoop()
	return conn, nil
}

func (c *Conn) handshake(clientID, signalingKey string) error {
	err := c.soc.WriteJSON(&RegisterMessage{
		Type:         "register",
		ClientID:     clientID,
		SignalingKey: signalingKey,
	})
	if err != nil {
		return err
	}
	var authResult AuthResultMessage
	err = c.soc.ReadJSON(&authResult)
	if err != nil {
		return err
	}
	c.AuthResult = &authResult
	if authResult.Type != "accept" {
		return fmt.Errorf("Auth error: %s", authResult.Reason)
	}
	return nil
}

func (c *Conn) recvLoop() {
	defer c.Close()
	for {
		var msg Message
		err := c.soc.ReadJSON(&msg)
		if err != nil {
			c.setError(err)
			return
		}
		switch msg.Type {
		case "ping":
			if err := c.send(&Message{Type: "pong"}); err != nil {
				c.setError(err)
				return
			}
		case "pong":
		case "bye":
			return
		case "result":
			c.lock.Lock()
			ch := c.wait[msg.RID]
			delete(c.wait, msg.RID)
			c.lock.Unlock()
			if ch != nil {
				ch <- &msg
			}
		case "event":
			c.lock.Lock()
			sub := c.subs[msg.SID]
			c.lock.Unlock()
			if sub != nil {
				snap := store.Snapshot{Path: msg.Path, Key: msg.Key, Value: msg.Value}
				c.events.Post(func() { sub.deliver(snap) })
			}
		default:
			c.Logger.Warnf("unknown message type: %s", msg.Type)
		}
	}
}

func (c *Conn) setError(err error) {
	c.lock.Lock()
	c.lastErr = err
	c.lock.Unlock()
}

// LastError returns the error that stopped the connection, if any.
func (c *Conn) LastError() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastErr
}

func (c *Conn) send(msg *Message) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.soc.WriteJSON(msg)
}

func (c *Conn) request(ctx context.Context, msg *Message) (*Message, error) {
	resCh := make(chan *Message, 1)

	c.lock.Lock()
	if c.closed.Load() {
		c.lock.Unlock()
		return nil, store.ErrClosed
	}
	c.reqCount++
	msg.RID = c.reqCount
	c.wait[msg.RID] = resCh
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.wait, msg.RID)
		c.lock.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return nil, err
	}
	var res *Message
	select {
	case <-time.After(c.Timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-resCh:
		if res == nil {
			return nil, store.ErrClosed
		}
	}
	if res.Error != "" {
		return res, errors.New(res.Error)
	}
	return res, nil
}

func rawJSON(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	raw, err := rawJSON(value)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, &Message{Type: "set", Path: path, Value: raw})
	return err
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	msg := &Message{Type: "update", Path: path, Fields: map[string]json.RawMessage{}}
	for k, v := range fields {
		raw, err := rawJSON(v)
		if err != nil {
			return err
		}
		msg.Fields[k] = raw
	}
	_, err := c.request(ctx, msg)
	return err
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, &Message{Type: "remove", Path: path})
	return err
}

func (c *Conn) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := rawJSON(value)
	if err != nil {
		return "", err
	}
	res, err := c.request(ctx, &Message{Type: "push", Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return res.Key, nil
}

func (c *Conn) Once(ctx context.Context, path string) (store.Snapshot, error) {
	res, err := c.request(ctx, &Message{Type: "once", Path: path})
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Path: store.Join(path), Key: store.Key(path), Value: res.Value}, nil
}

// Transaction is an optimistic compare-and-set loop driven by the client.
func (c *Conn) Transaction(ctx context.Context, path string, fn store.TransactionFunc) (store.Snapshot, error) {
	cur, err := c.Once(ctx, path)
	if err != nil {
		return store.Snapshot{}, err
	}
	for {
		next, err := fn(cur)
		if err != nil {
			return store.Snapshot{}, err
		}
		raw, err := rawJSON(next)
		if err != nil {
			return store.Snapshot{}, err
		}
		res, err := c.request(ctx, &Message{Type: "cas", Path: path, Expect: cur.Value, Value: raw})
		if err != nil {
			return store.Snapshot{}, err
		}
		snap := store.Snapshot{Path: store.Join(path), Key: store.Key(path), Value: res.Value}
		if !res.Conflict {
			return snap, nil
		}
		cur = snap
	}
}

type subscription struct {
	conn      *Conn
	sid       uint32
	handler   store.Handler
	cancelled atomic.Bool
}

func (s *subscription) deliver(snap store.Snapshot) {
	if !s.cancelled.Load() {
		s.handler(snap)
	}
}

func (s *subscription) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	c := s.conn
	c.lock.Lock()
	delete(c.subs, s.sid)
	c.lock.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		if _, err := c.request(ctx, &Message{Type: "unsubscribe", SID: s.sid}); err != nil && !c.closed.Load() {
			c.Logger.Debugf("unsubscribe %d: %v", s.sid, err)
		}
	}()
}

func (c *Conn) subscribe(event, path string, h store.Handler) (store.Subscription, error) {
	sub := &subscription{conn: c, handler: h}
	c.lock.Lock()
	c.reqCount++
	sub.sid = c.reqCount
	c.subs[sub.sid] = sub
	c.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	if _, err := c.request(ctx, &Message{Type: "subscribe", SID: sub.sid, Event: event, Path: path}); err != nil {
		sub.cancelled.Store(true)
		c.lock.Lock()
		delete(c.subs, sub.sid)
		c.lock.Unlock()
		return nil, err
	}
	return sub, nil
}

func (c *Conn) OnValue(path string, h store.Handler) (store.Subscription, error) {
	return c.subscribe(EventValue, path, h)
}

func (c *Conn) OnChildAdded(path string, h store.Handler) (store.Subscription, error) {
	return c.subscribe(EventChildAdded, path, h)
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.lock.Lock()
	for rid, ch := range c.wait {
		close(ch)
		delete(c.wait, rid)
	}
	c.lock.Unlock()
	c.events.Close()
	return c.soc.Close()
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}
