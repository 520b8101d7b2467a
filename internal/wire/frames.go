package wire

import (
	"encoding/json"
	"time"
)

type FrameType string

const (
	FrameCall  FrameType = "call"
	FrameReply FrameType = "reply"
	FrameEvent FrameType = "event"
)

// Frame is the single message shape exchanged over a hub connection. The
// Type tag selects which of the embedded bodies is populated.
type Frame struct {
	Type  FrameType   `json:"type"`
	Call  *Call       `json:"call,omitempty"`
	Reply *Reply      `json:"reply,omitempty"`
	Event *EventFrame `json:"event,omitempty"`
}

// Call is a server-initiated method invocation on a client.
type Call struct {
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	Param     json.RawMessage `json:"param,omitempty"`
}

// Reply carries the client's answer for one Call. A connection must send
// at most one Reply per request id.
type Reply struct {
	RequestID string   `json:"request_id"`
	Response  Response `json:"response"`
}

// EventFrame wraps a connection lifecycle event for delivery to peers.
// Method is the configured event method name. Event frames are separate
// from calls: the client runtime hands them to its OnEvent callback
// without dispatching on Method.
type EventFrame struct {
	Method string          `json:"method"`
	Event  ConnectionEvent `json:"event"`
}

type EventKind string

const (
	EventOpened   EventKind = "opened"
	EventClosed   EventKind = "closed"
	EventReopened EventKind = "reopened"
)

type ConnectionEvent struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Kind         EventKind `json:"kind"`
	At           time.Time `json:"at"`
}

func NewCallFrame(requestID, method string, param json.RawMessage) Frame {
	return Frame{Type: FrameCall, Call: &Call{RequestID: requestID, Method: method, Param: param}}
}

func NewReplyFrame(requestID string, resp Response) Frame {
	return Frame{Type: FrameReply, Reply: &Reply{RequestID: requestID, Response: resp}}
}

func NewEventFrame(method string, event ConnectionEvent) Frame {
	return Frame{Type: FrameEvent, Event: &EventFrame{Method: method, Event: event}}
}
