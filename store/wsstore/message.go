// Package wsstore exposes a store.Store over a websocket. Server wraps any
// store (usually a memstore) and Conn is the matching store.Store client.
package wsstore

import "encoding/json"

type RegisterMessage struct {
	Type         string `json:"type"`
	ClientID     string `json:"clientId,omitempty"`
	SignalingKey string `json:"signalingKey,omitempty"`
}

type AuthResultMessage struct {
	Type     string `json:"type"` // accept, reject
	ClientID string `json:"clientId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Message is used for requests, results and subscription events.
type Message struct {
	// set, update, remove, push, once, cas, subscribe, unsubscribe,
	// result, event, ping, pong, bye
	Type string `json:"type"`
	RID  uint32 `json:"rid,omitempty"`
	SID  uint32 `json:"sid,omitempty"`

	Path   string                     `json:"path,omitempty"`
	Event  string                     `json:"event,omitempty"` // value, child_added
	Value  json.RawMessage            `json:"value,omitempty"`
	Expect json.RawMessage            `json:"expect,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`

	Key      string `json:"key,omitempty"`
	Conflict bool   `json:"conflict,omitempty"`
	Error    string `json:"error,omitempty"`
}

const (
	EventValue      = "value"
	EventChildAdded = "child_added"
)
