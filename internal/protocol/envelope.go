// Package protocol defines the newline-delimited JSON wire format spoken
// between vmlink and the guest agents.
//
// Every line is one JSON object discriminated by its "type" field. The host
// sends SafeCommand and UnsafeCommand envelopes; the agent answers with
// response envelopes and pushes metrics and error envelopes on its own.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType defines the kind of JSON message
type MessageType string

const (
	// Host -> Agent
	MsgSafeCommand   MessageType = "SafeCommand"   // Named action from the closed set
	MsgUnsafeCommand MessageType = "UnsafeCommand" // Arbitrary command line

	// Agent -> Host
	MsgMetrics  MessageType = "metrics"  // Periodic telemetry, opaque to the host core
	MsgError    MessageType = "error"    // Asynchronous guest-side error
	MsgResponse MessageType = "response" // Reply correlated to a command id
)

var (
	// ErrMalformed is returned when a line is not a JSON object.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for envelopes with an unrecognised type tag.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingID is returned for responses that carry no command id.
	ErrMissingID = errors.New("response without id")
)

// Envelope is a decoded inbound message.
type Envelope struct {
	Type MessageType

	// Response is set when Type is MsgResponse.
	Response *Response

	// Payload holds the complete original line for metrics and error
	// envelopes, which are routed without interpretation.
	Payload json.RawMessage
}

// Response is the agent's reply to a command.
type Response struct {
	ID              string          `json:"id"`
	Success         bool            `json:"success"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	Stdout          *string         `json:"stdout,omitempty"`
	Stderr          *string         `json:"stderr,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
	CommandType     json.RawMessage `json:"command_type,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// wireEnvelope is the superset of fields we look at while classifying a line.
type wireEnvelope struct {
	Type            MessageType     `json:"type"`
	ID              string          `json:"id"`
	Success         *bool           `json:"success"`
	ExitCode        *int            `json:"exit_code"`
	Stdout          *string         `json:"stdout"`
	Stderr          *string         `json:"stderr"`
	ExecutionTimeMs *int64          `json:"execution_time_ms"`
	CommandType     json.RawMessage `json:"command_type"`
	Data            json.RawMessage `json:"data"`
	Error           json.RawMessage `json:"error"`
}

// Decode parses one framed line into an Envelope.
//
// Objects without a type tag that carry both "id" and "success" are treated
// as responses; older agents omit the tag on replies.
func Decode(line []byte) (*Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, ErrMalformed
	}

	var w wireEnvelope
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msgType := w.Type
	if msgType == "" && w.ID != "" && w.Success != nil {
		msgType = MsgResponse
	}

	switch msgType {
	case MsgMetrics, MsgError:
		payload := make(json.RawMessage, len(line))
		copy(payload, line)
		return &Envelope{Type: msgType, Payload: payload}, nil

	case MsgResponse:
		if w.ID == "" {
			return nil, ErrMissingID
		}
		resp := &Response{
			ID:              w.ID,
			Success:         w.Success != nil && *w.Success,
			ExitCode:        w.ExitCode,
			Stdout:          w.Stdout,
			Stderr:          w.Stderr,
			ExecutionTimeMs: w.ExecutionTimeMs,
			CommandType:     nonNull(w.CommandType),
			Data:            nonNull(w.Data),
			Error:           errorText(w.Error),
		}
		return &Envelope{Type: MsgResponse, Response: resp}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type tag", ErrUnknownType)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
}

// nonNull returns nil for absent or explicit null JSON values.
func nonNull(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	out := make(json.RawMessage, len(trimmed))
	copy(out, trimmed)
	return out
}

// errorText flattens the "error" field, which agents send either as a string
// or as a structured object.
func errorText(raw json.RawMessage) string {
	raw = nonNull(raw)
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
