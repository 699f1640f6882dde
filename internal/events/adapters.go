package events

import (
	"encoding/json"
	"time"

	"grimm.is/vmlink/internal/agentconn"
	"grimm.is/vmlink/internal/protocol"
)

// SinkAdapter publishes an agent's unsolicited traffic to the hub.
// It implements agentconn.Sink.
type SinkAdapter struct {
	hub *Hub
}

// NewSinkAdapter creates a sink that publishes to hub.
func NewSinkAdapter(hub *Hub) *SinkAdapter {
	return &SinkAdapter{hub: hub}
}

// OnTelemetry implements agentconn.Sink.
func (a *SinkAdapter) OnTelemetry(vmID string, payload json.RawMessage) {
	a.hub.Publish(Event{Type: EventTelemetry, VMID: vmID, Data: PayloadData{Payload: payload}})
}

// OnAsyncError implements agentconn.Sink.
func (a *SinkAdapter) OnAsyncError(vmID string, payload json.RawMessage) {
	a.hub.Publish(Event{Type: EventAgentError, VMID: vmID, Data: PayloadData{Payload: payload}})
}

// OnAutoCheckSignal implements agentconn.Sink.
func (a *SinkAdapter) OnAutoCheckSignal(vmID string, action protocol.Action, success bool, data json.RawMessage) {
	a.hub.Publish(Event{
		Type: EventAutoCheck,
		VMID: vmID,
		Data: AutoCheckData{Action: string(action), Success: success, Data: data},
	})
}

// ObserverAdapter publishes connection lifecycle and command completions.
// It implements agentconn.Observer; per-message callbacks are ignored.
type ObserverAdapter struct {
	agentconn.NopObserver
	hub *Hub
}

// NewObserverAdapter creates an observer that publishes to hub.
func NewObserverAdapter(hub *Hub) *ObserverAdapter {
	return &ObserverAdapter{hub: hub}
}

// ConnectionState implements agentconn.Observer.
func (a *ObserverAdapter) ConnectionState(vmID string, state agentconn.State) {
	a.hub.Publish(Event{Type: EventConnectionState, VMID: vmID, Data: StateData{State: state.String()}})
}

// ReconnectScheduled implements agentconn.Observer.
func (a *ObserverAdapter) ReconnectScheduled(vmID string, attempt int, delay time.Duration) {
	a.hub.Publish(Event{Type: EventReconnect, VMID: vmID, Data: ReconnectData{Attempt: attempt, Delay: delay}})
}

// SessionStale implements agentconn.Observer.
func (a *ObserverAdapter) SessionStale(vmID string) {
	a.hub.Publish(Event{Type: EventSessionStale, VMID: vmID})
}

// CommandCompleted implements agentconn.Observer.
func (a *ObserverAdapter) CommandCompleted(vmID, action string, outcome agentconn.Outcome, elapsed time.Duration) {
	a.hub.Publish(Event{
		Type: EventCommandCompleted,
		VMID: vmID,
		Data: CommandData{Action: action, Outcome: string(outcome), Elapsed: elapsed},
	})
}

var (
	_ agentconn.Sink     = (*SinkAdapter)(nil)
	_ agentconn.Observer = (*ObserverAdapter)(nil)
)
