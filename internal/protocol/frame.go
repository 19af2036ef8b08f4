// Package protocol defines the gateway link wire protocol: JSON frame shapes
// shared by both encodings, type discriminators, and the signed device
// assertion used during the connect handshake.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version bounds advertised in the connect handshake.
const (
	ProtocolMin = 1
	ProtocolMax = 1
)

// Frame type discriminators. The WebSocket encoding uses req/res/event;
// the line-delimited encoding additionally uses the pairing family of
// top-level types. Both encodings share ping/pong and error.
const (
	TypeRequest     = "req"
	TypeResponse    = "res"
	TypeInvoke      = "invoke"
	TypeEvent       = "event"
	TypeChallenge   = "challenge"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
	TypePairRequest = "pair-request"
	TypePairOK      = "pair-ok"
	TypeHello       = "hello"
	TypeHelloOK     = "hello-ok"
)

// Event names carried in event frames.
const (
	EventChallenge  = "connect.challenge"
	EventChat       = "chat"
	EventPairPrompt = "pair.prompt"
)

// Frame is the single JSON envelope carried by both wire encodings. Fields
// are populated according to the Type discriminator; unused fields are
// omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// Request/response correlation.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`

	// Inbound invoke fields.
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`

	// Event fields.
	Event string `json:"event,omitempty"`

	// Pairing/hello fields (line-delimited encoding).
	Token string `json:"token,omitempty"`

	// Message carries human-readable detail on top-level error frames.
	Message string `json:"message,omitempty"`
}

// ErrorDetail is the structured error carried by failure responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so remote failures can be wrapped.
func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode serializes a frame to JSON.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a frame from JSON. Frames without a type discriminator are
// rejected.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type discriminator")
	}
	return &f, nil
}

// NewResponse builds a success response frame for a remote request ID.
func NewResponse(id string, payload json.RawMessage) *Frame {
	ok := true
	return &Frame{
		Type:    TypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: payload,
	}
}

// NewErrorResponse builds a failure response frame for a remote request ID.
func NewErrorResponse(id, code, message string) *Frame {
	ok := false
	return &Frame{
		Type: TypeResponse,
		ID:   id,
		OK:   &ok,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// NewPong builds the reply to a ping frame, echoing any correlation ID.
func NewPong(pingID string) *Frame {
	return &Frame{Type: TypePong, ID: pingID}
}

// IsOK reports whether a response frame indicates success. A response with
// no ok field is treated as a failure.
func (f *Frame) IsOK() bool {
	return f.OK != nil && *f.OK
}

// ChallengePayload is the payload of a connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ChatPayload is the payload of a chat event (streamed deltas).
type ChatPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// PairPromptPayload is the payload of a pair.prompt event shown while a
// human decides on the pairing request at the gateway.
type PairPromptPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
