// Package events is the pub/sub bus for agent traffic and connection changes.
// Telemetry, async agent errors, auto-check signals and state transitions all
// flow through the Hub.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the category of event.
type EventType string

const (
	// Agent traffic
	EventTelemetry  EventType = "agent.telemetry"
	EventAgentError EventType = "agent.error"
	EventAutoCheck  EventType = "agent.autocheck"

	// Connection lifecycle
	EventConnectionState EventType = "conn.state"
	EventReconnect       EventType = "conn.reconnect"
	EventSessionStale    EventType = "conn.stale"

	// Commands
	EventCommandCompleted EventType = "command.completed"
)

// AllTypes lists every event type the hub carries.
var AllTypes = []EventType{
	EventTelemetry,
	EventAgentError,
	EventAutoCheck,
	EventConnectionState,
	EventReconnect,
	EventSessionStale,
	EventCommandCompleted,
}

// Event is the message passed through the hub.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	VMID      string    `json:"vm_id"`
	Data      any       `json:"data,omitempty"`
}

// PayloadData carries the raw JSON of agent telemetry or an async error.
type PayloadData struct {
	Payload json.RawMessage `json:"payload"`
}

// AutoCheckData is the payload for EventAutoCheck.
type AutoCheckData struct {
	Action  string          `json:"action"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StateData is the payload for EventConnectionState.
type StateData struct {
	State string `json:"state"`
}

// ReconnectData is the payload for EventReconnect.
type ReconnectData struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// CommandData is the payload for EventCommandCompleted.
type CommandData struct {
	Action  string        `json:"action"`
	Outcome string        `json:"outcome"`
	Elapsed time.Duration `json:"elapsed"`
}
