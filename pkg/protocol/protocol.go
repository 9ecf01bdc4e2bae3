// Package protocol defines the wire contract between the courier daemon
// and its status feed clients.
//
// The daemon's status server exposes two surfaces:
//
//	GET /api/status   one-shot JSON snapshot (active sessions, recent events)
//	GET /ws           WebSocket feed of the same data, live
//
// Every WebSocket message is one JSON Envelope. The first message after
// connecting is a snapshot; every later message carries a single event.
// Clients must skip envelope types they do not know, so the feed can grow
// without breaking old clients.
package protocol

import "encoding/json"

// Envelope types carried on the WebSocket feed.
const (
	// TypeSnapshot marks a full state snapshot: active sessions plus the
	// recent event log, newest last.
	TypeSnapshot = "snapshot"
	// TypeEvent marks one session lifecycle event (started, action,
	// completed).
	TypeEvent = "event"
)

// Envelope is one feed message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(envType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: envType, Data: data})
}

// Decode parses one feed message.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}
