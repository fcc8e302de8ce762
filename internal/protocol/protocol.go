// Package protocol defines the wire types exchanged over the duplex
// message channel (spec §4.5, §4.6, §6). Frames are plain JSON objects with
// a string "type" field; this package only carries data, parsing and
// dispatch live in internal/session.
package protocol

import "encoding/json"

// Request types the broker accepts.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"
)

// Response/event types the broker emits.
const (
	TypeConnected = "connected"
	TypeAck       = "ack"
	TypePong      = "pong"
	TypeError     = "error"
	TypeEvent     = "event"
)

// Envelope is the minimal shape every inbound frame must satisfy: a typed
// request with an optional correlation id. Fields beyond Type are parsed
// per-request-type from the same raw frame.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// SubscribeRequest is the "subscribe" request body.
type SubscribeRequest struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	ClientID  string `json:"client_id"`
	LastN     int    `json:"last_n,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// UnsubscribeRequest is the "unsubscribe" request body.
type UnsubscribeRequest struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	ClientID  string `json:"client_id"`
	RequestID string `json:"request_id,omitempty"`
}

// WireMessage is the client-supplied message body of a "publish" request.
// Timestamp is accepted for wire compatibility with clients that always
// send one, but is ignored: the broker stamps its own (spec §3).
type WireMessage struct {
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// PublishRequest is the "publish" request body.
type PublishRequest struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic"`
	Message   WireMessage `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
}

// PingRequest is the "ping" request body.
type PingRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Connected is the unsolicited event sent immediately after a session opens.
type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Ack acknowledges subscribe/unsubscribe/publish requests. Seq is set only
// for publish acks.
type Ack struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id,omitempty"`
	Seq       *uint64 `json:"seq,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorFrame reports a request-scoped failure. The session stays OPEN.
type ErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Detail    string `json:"detail,omitempty"`
}

// EventMessage is the message payload carried by an Event frame.
type EventMessage struct {
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Event is an unsolicited delivery of a published message to a subscriber.
// Dropped, when non-zero, reports how many messages were dropped from this
// subscription's queue immediately before this one (spec §4.5).
type Event struct {
	Type    string       `json:"type"`
	Topic   string       `json:"topic"`
	Message EventMessage `json:"message"`
	Dropped uint64       `json:"dropped,omitempty"`
}

func NewConnected(sessionID string) Connected {
	return Connected{Type: TypeConnected, SessionID: sessionID}
}

func NewAck(requestID string, seq *uint64) Ack {
	return Ack{Type: TypeAck, RequestID: requestID, Seq: seq}
}

func NewPong(requestID string) Pong {
	return Pong{Type: TypePong, RequestID: requestID}
}

func NewError(requestID, code, detail string) ErrorFrame {
	return ErrorFrame{Type: TypeError, RequestID: requestID, Code: code, Detail: detail}
}
