// Package protocol defines the WebSocket message types exchanged between the
// Codebox server and editor clients. All messages are JSON-encoded and wrapped
// in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Server
	MsgExecute MessageType = "execute"
	MsgInput   MessageType = "input"
	MsgJoin    MessageType = "join"
	MsgStop    MessageType = "stop"
	MsgPing    MessageType = "ping"

	// Server → Client
	MsgExecutionStarted  MessageType = "execution_started"
	MsgOutput            MessageType = "output"
	MsgInputRequired     MessageType = "input_required"
	MsgExecutionComplete MessageType = "execution_complete"
	MsgPong              MessageType = "pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation.
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Client → Server payloads ---

// ExecutePayload is sent with MsgExecute to submit source code for execution.
type ExecutePayload struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"` // Empty = "python".
}

// InputPayload is sent with MsgInput to feed a line to the running program.
type InputPayload struct {
	Input string `json:"input"`
}

// --- Server → Client payloads ---

// ExecutionStartedPayload confirms that a sandbox was provisioned and the
// session is live. The session ID is the handle for input and reattachment.
type ExecutionStartedPayload struct {
	SessionID string `json:"session_id"`
}

// OutputPayload carries a chunk of program output in emission order.
type OutputPayload struct {
	Output string `json:"output"`
}

// ErrorPayload carries program stderr output or a session-level failure.
type ErrorPayload struct {
	Error string `json:"error"`
}
