package rtdb

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/donovanhide/eventsource"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/logging"

	"github.com/binzume/rtccall/store"
)

type subscription struct {
	stream    *eventsource.Stream
	watch     *store.Watch
	handler   store.Handler
	log       logging.LeveledLogger
	tree      store.Tree
	cancelled atomic.Bool
	closeOnce sync.Once
}

// streamEvent is the payload of "put" and "patch" events.
type streamEvent struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) subscribe(w *store.Watch, h store.Handler) (_ store.Subscription, err error) {
	defer err2.Handle(&err)
	req := try.To1(c.newReq(context.Background(), http.MethodGet, w.Path, nil, nil))
	req.Header.Set("Accept", "text/event-stream")
	stream := try.To1(eventsource.SubscribeWith("", c.streamClient, req))
	sub := &subscription{stream: stream, watch: w, handler: h, log: c.log}
	go sub.drainErrors()
	go sub.run()
	return sub, nil
}

func (s *subscription) Cancel() {
	s.cancelled.Store(true)
	s.closeOnce.Do(s.stream.Close)
}

func (s *subscription) drainErrors() {
	for err := range s.stream.Errors {
		if !s.cancelled.Load() {
			s.log.Warnf("stream %s: %v", s.watch.Path, err)
		}
	}
}

func (s *subscription) run() {
	for ev := range s.stream.Events {
		if s.cancelled.Load() {
			continue
		}
		switch ev.Event() {
		case "put", "patch":
			if err := s.apply(ev.Event(), ev.Data()); err != nil {
				s.log.Warnf("stream %s: bad %s event: %v", s.watch.Path, ev.Event(), err)
				continue
			}
			for _, snap := range s.watch.Diff(&s.tree) {
				if s.cancelled.Load() {
					break
				}
				s.handler(snap)
			}
		case "keep-alive":
		case "cancel", "auth_revoked":
			s.log.Errorf("stream %s closed by server: %s %s", s.watch.Path, ev.Event(), ev.Data())
			s.Cancel()
		default:
			s.log.Debugf("stream %s: unknown event %q", s.watch.Path, ev.Event())
		}
	}
}

func (s *subscription) apply(kind, data string) (err error) {
	defer err2.Handle(&err)
	var ev streamEvent
	try.To(json.Unmarshal([]byte(data), &ev))
	target := store.Join(s.watch.Path, ev.Path)
	if kind == "put" {
		v := try.To1(store.Normalize(ev.Data))
		s.tree.Set(target, v)
		return nil
	}
	var fields map[string]json.RawMessage
	try.To(json.Unmarshal(ev.Data, &fields))
	normalized := make(map[string]any, len(fields))
	for k, f := range fields {
		normalized[k] = try.To1(store.Normalize(f))
	}
	s.tree.Update(target, normalized)
	return nil
}
