package agentconn

import (
	"encoding/json"
	"time"

	"grimm.is/vmlink/internal/protocol"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Outcome labels how a command finished.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeError     Outcome = "error"
)

// Sink receives the agent's unsolicited traffic. Calls are made from the
// connection goroutine; implementations must not block.
type Sink interface {
	OnTelemetry(vmID string, payload json.RawMessage)
	OnAsyncError(vmID string, payload json.RawMessage)
	OnAutoCheckSignal(vmID string, action protocol.Action, success bool, data json.RawMessage)
}

// Observer receives connection and command measurements.
type Observer interface {
	ConnectionState(vmID string, state State)
	CommandCompleted(vmID string, action string, outcome Outcome, elapsed time.Duration)
	ReconnectScheduled(vmID string, attempt int, delay time.Duration)
	MessageReceived(vmID string, msgType protocol.MessageType)
	ProtocolError(vmID string)
	SessionStale(vmID string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnTelemetry(string, json.RawMessage)                              {}
func (NopSink) OnAsyncError(string, json.RawMessage)                             {}
func (NopSink) OnAutoCheckSignal(string, protocol.Action, bool, json.RawMessage) {}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) ConnectionState(string, State)                           {}
func (NopObserver) CommandCompleted(string, string, Outcome, time.Duration) {}
func (NopObserver) ReconnectScheduled(string, int, time.Duration)           {}
func (NopObserver) MessageReceived(string, protocol.MessageType)            {}
func (NopObserver) ProtocolError(string)                                    {}
func (NopObserver) SessionStale(string)                                     {}

// guardedObserver runs every call through a recover boundary so a faulty
// observer cannot stop the connection goroutine.
type guardedObserver struct {
	inner  Observer
	notify func(hook string, fn func())
}

func (g guardedObserver) ConnectionState(vmID string, state State) {
	g.notify("observer.ConnectionState", func() { g.inner.ConnectionState(vmID, state) })
}

func (g guardedObserver) CommandCompleted(vmID, action string, outcome Outcome, elapsed time.Duration) {
	g.notify("observer.CommandCompleted", func() { g.inner.CommandCompleted(vmID, action, outcome, elapsed) })
}

func (g guardedObserver) ReconnectScheduled(vmID string, attempt int, delay time.Duration) {
	g.notify("observer.ReconnectScheduled", func() { g.inner.ReconnectScheduled(vmID, attempt, delay) })
}

func (g guardedObserver) MessageReceived(vmID string, msgType protocol.MessageType) {
	g.notify("observer.MessageReceived", func() { g.inner.MessageReceived(vmID, msgType) })
}

func (g guardedObserver) ProtocolError(vmID string) {
	g.notify("observer.ProtocolError", func() { g.inner.ProtocolError(vmID) })
}

func (g guardedObserver) SessionStale(vmID string) {
	g.notify("observer.SessionStale", func() { g.inner.SessionStale(vmID) })
}

// Observers fans measurements out to several observers.
type Observers []Observer

func (o Observers) ConnectionState(vmID string, state State) {
	for _, x := range o {
		x.ConnectionState(vmID, state)
	}
}

func (o Observers) CommandCompleted(vmID, action string, outcome Outcome, elapsed time.Duration) {
	for _, x := range o {
		x.CommandCompleted(vmID, action, outcome, elapsed)
	}
}

func (o Observers) ReconnectScheduled(vmID string, attempt int, delay time.Duration) {
	for _, x := range o {
		x.ReconnectScheduled(vmID, attempt, delay)
	}
}

func (o Observers) MessageReceived(vmID string, msgType protocol.MessageType) {
	for _, x := range o {
		x.MessageReceived(vmID, msgType)
	}
}

func (o Observers) ProtocolError(vmID string) {
	for _, x := range o {
		x.ProtocolError(vmID)
	}
}

func (o Observers) SessionStale(vmID string) {
	for _, x := range o {
		x.SessionStale(vmID)
	}
}
