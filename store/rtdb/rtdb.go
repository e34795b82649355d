// Package rtdb implements store.Store on top of the Firebase Realtime Database
// REST API. Writes and reads are plain HTTP requests, subscriptions are
// Server-Sent Events streams mirrored into a local tree.
package rtdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/logging"

	"github.com/binzume/rtccall/store"
)

// MaxTransactionRetries matches the retry limit of the official SDKs.
const MaxTransactionRetries = 25

var ErrTooManyRetries = errors.New("rtdb: transaction retried too many times")

// Error is returned for non-2xx responses.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rtdb: %d %s", e.Status, e.Message)
}

type Options struct {
	// AuthToken is sent as the "auth" query parameter (ID token or database secret).
	AuthToken string
	Timeout   time.Duration
	Logger    logging.LeveledLogger
}

type Client struct {
	base   *url.URL
	auth   string
	client *http.Client
	// streams must not have a timeout
	streamClient *http.Client
	log          logging.LeveledLogger
}

var _ store.Store = (*Client)(nil)

func New(databaseURL string, opts *Options) (c *Client, err error) {
	defer err2.Handle(&err)
	if opts == nil {
		opts = &Options{}
	}
	u := try.To1(url.Parse(strings.TrimSuffix(databaseURL, "/")))
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("rtdb: unsupported url %q", databaseURL)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("rtdb")
	}
	return &Client{
		base:         u,
		auth:         opts.AuthToken,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		log:          log,
	}, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path = u.Path + "/" + store.Join(path) + ".json"
	if query == nil {
		query = url.Values{}
	}
	if c.auth != "" {
		query.Set("auth", c.auth)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) newReq(ctx context.Context, method, path string, query url.Values, body any) (req *http.Request, err error) {
	defer err2.Handle(&err)
	try.To(store.ValidatePath(path))
	var r io.Reader = http.NoBody
	if body != nil {
		r = bytes.NewReader(try.To1(json.Marshal(body)))
	}
	req = try.To1(http.NewRequestWithContext(ctx, method, c.url(path, query), r))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doReq(req *http.Request) (res *http.Response, err error) {
	res, err = c.client.Do(req)
	if err != nil {
		return
	}
	if res.StatusCode/100 == 2 {
		return
	}
	defer res.Body.Close()
	return nil, readError(res)
}

func readError(res *http.Response) error {
	text, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(text))
	if json.Unmarshal(text, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &Error{Status: res.StatusCode, Message: msg}
}

func (c *Client) write(ctx context.Context, method, path string, body any) (err error) {
	defer err2.Handle(&err)
	req := try.To1(c.newReq(ctx, method, path, url.Values{"print": {"silent"}}, body))
	res := try.To1(c.doReq(req))
	res.Body.Close()
	return nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	return c.write(ctx, http.MethodPut, path, value)
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	return c.write(ctx, http.MethodPatch, path, fields)
}

func (c *Client) Remove(ctx context.Context, path string) error {
	return c.write(ctx, http.MethodDelete, path, nil)
}

func (c *Client) Push(ctx context.Context, path string, value any) (key string, err error) {
	defer err2.Handle(&err)
	req := try.To1(c.newReq(ctx, http.MethodPost, path, nil, value))
	res := try.To1(c.doReq(req))
	defer res.Body.Close()
	var body struct {
		Name string `json:"name"`
	}
	try.To(json.NewDecoder(res.Body).Decode(&body))
	return body.Name, nil
}

func (c *Client) Once(ctx context.Context, path string) (snap store.Snapshot, err error) {
	defer err2.Handle(&err)
	req := try.To1(c.newReq(ctx, http.MethodGet, path, nil, nil))
	res := try.To1(c.doReq(req))
	defer res.Body.Close()
	return readSnapshot(path, res.Body)
}

func readSnapshot(path string, r io.Reader) (snap store.Snapshot, err error) {
	defer err2.Handle(&err)
	snap = store.Snapshot{Path: store.Join(path), Key: store.Key(path)}
	raw := bytes.TrimSpace(try.To1(io.ReadAll(r)))
	if len(raw) > 0 && string(raw) != "null" {
		snap.Value = raw
	}
	return snap, nil
}

// Transaction uses ETag conditional writes and retries on 412 Precondition Failed.
func (c *Client) Transaction(ctx context.Context, path string, fn store.TransactionFunc) (snap store.Snapshot, err error) {
	defer err2.Handle(&err)
	req := try.To1(c.newReq(ctx, http.MethodGet, path, nil, nil))
	req.Header.Set("X-Firebase-ETag", "true")
	res := try.To1(c.doReq(req))
	etag := res.Header.Get("ETag")
	cur, err := readSnapshot(path, res.Body)
	res.Body.Close()
	try.To(err)

	for i := 0; i < MaxTransactionRetries; i++ {
		next := try.To1(fn(cur))
		req := try.To1(c.newReq(ctx, http.MethodPut, path, nil, next))
		req.Header.Set("if-match", etag)
		res, err := c.client.Do(req)
		try.To(err)
		if res.StatusCode == http.StatusPreconditionFailed {
			etag = res.Header.Get("ETag")
			cur, err = readSnapshot(path, res.Body)
			res.Body.Close()
			try.To(err)
			c.log.Debugf("transaction conflict on %s, retrying", path)
			continue
		}
		if res.StatusCode/100 != 2 {
			err := readError(res)
			res.Body.Close()
			return store.Snapshot{}, err
		}
		snap, err = readSnapshot(path, res.Body)
		res.Body.Close()
		return snap, err
	}
	return store.Snapshot{}, ErrTooManyRetries
}

func (c *Client) OnValue(path string, h store.Handler) (store.Subscription, error) {
	return c.subscribe(store.NewValueWatch(path), h)
}

func (c *Client) OnChildAdded(path string, h store.Handler) (store.Subscription, error) {
	return c.subscribe(store.NewChildWatch(path), h)
}
