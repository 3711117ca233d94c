package harness

import "encoding/json"

// Command types on the inbound side of the process protocol.
const (
	cmdStart = "start"
	cmdInput = "input"
	cmdStop  = "stop"
)

// Ack statuses on the outbound side.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// commandFrame is one request written to the process stdin:
// {"id": "...", "command": {"type": "input", ...}}.
type commandFrame struct {
	ID      string      `json:"id"`
	Command commandBody `json:"command"`
}

type commandBody struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Dir       string `json:"dir,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
}

// outFrame is the union of everything the process writes on stdout:
// command acks ({"id", "status", ...}) and unsolicited streamed events
// ({"seq", "event", ...}) tagged with the originating session.
type outFrame struct {
	// Ack fields
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// Event fields
	Seq       uint64          `json:"seq,omitempty"`
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (f *outFrame) isAck() bool {
	return f.Status != ""
}

func (f *outFrame) isEvent() bool {
	return f.Event != ""
}

// EventMalformed is the RawEvent kind used for frames that failed to parse.
// One bad frame surfaces as an item in the stream instead of killing it.
const EventMalformed = "malformed"

// RawEvent is one item from a harness event stream, before translation into
// the domain model. Seq is the harness-provided monotonic sequence number
// used for at-least-once dedupe downstream.
type RawEvent struct {
	Seq       uint64
	Kind      string
	SessionID string
	Payload   json.RawMessage

	// Err is set when Kind is EventMalformed.
	Err error
}
