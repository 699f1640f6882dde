// Package metrics exports connection and command measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/vmlink/internal/agentconn"
	"grimm.is/vmlink/internal/protocol"
)

const namespace = "vmlink"

// Registry holds all vmlink metrics. It implements agentconn.Observer.
type Registry struct {
	// Connection metrics
	StateGauge        *prometheus.GaugeVec
	StateTransitions  *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
	ReconnectDelay    prometheus.Histogram
	StaleSessions     *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge

	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	PendingCommands *prometheus.GaugeVec

	// Event hub
	EventsDropped prometheus.Counter

	// Journal
	JournalWrites *prometheus.CounterVec
}

var stateLabels = []agentconn.State{
	agentconn.StateConnecting,
	agentconn.StateConnected,
	agentconn.StateClosing,
	agentconn.StateClosed,
}

// New registers every metric with reg. A nil reg uses the default
// Prometheus registerer.
func New(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	r := &Registry{}

	r.StateGauge = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "1 for the current state of each agent connection, 0 otherwise",
	}, []string{"vm", "state"})

	r.StateTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_state_transitions_total",
		Help:      "Connection state transitions by target state",
	}, []string{"state"})

	r.ReconnectsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnect attempts scheduled per VM",
	}, []string{"vm"})

	r.ReconnectDelay = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconnect_delay_seconds",
		Help:      "Backoff delay chosen for each scheduled reconnect",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
	})

	r.StaleSessions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_sessions_total",
		Help:      "Sessions torn down because the agent went silent",
	}, []string{"vm"})

	r.ProtocolErrors = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Inbound lines that could not be decoded",
	}, []string{"vm"})

	r.MessagesReceived = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Inbound messages by type",
	}, []string{"type"})

	r.ConnectionsActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Agent connections currently in the connected state",
	})

	r.CommandsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Completed commands by action and outcome",
	}, []string{"action", "outcome"})

	r.CommandDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time from write to completion",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"action"})

	r.PendingCommands = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_commands",
		Help:      "In-flight commands per VM, sampled by the collector",
	}, []string{"vm"})

	r.EventsDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber fell behind",
	})

	r.JournalWrites = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "journal_writes_total",
		Help:      "Journal inserts by result",
	}, []string{"result"})

	return r
}

// ConnectionState implements agentconn.Observer.
func (r *Registry) ConnectionState(vmID string, state agentconn.State) {
	for _, s := range stateLabels {
		v := 0.0
		if s == state {
			v = 1
		}
		r.StateGauge.WithLabelValues(vmID, s.String()).Set(v)
	}
	r.StateTransitions.WithLabelValues(state.String()).Inc()
	if state == agentconn.StateClosed {
		r.Forget(vmID)
	}
}

// CommandCompleted implements agentconn.Observer.
func (r *Registry) CommandCompleted(_ string, action string, outcome agentconn.Outcome, elapsed time.Duration) {
	r.CommandsTotal.WithLabelValues(action, string(outcome)).Inc()
	if outcome != agentconn.OutcomeRejected {
		r.CommandDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	}
}

// ReconnectScheduled implements agentconn.Observer.
func (r *Registry) ReconnectScheduled(vmID string, _ int, delay time.Duration) {
	r.ReconnectsTotal.WithLabelValues(vmID).Inc()
	r.ReconnectDelay.Observe(delay.Seconds())
}

// MessageReceived implements agentconn.Observer.
func (r *Registry) MessageReceived(_ string, msgType protocol.MessageType) {
	r.MessagesReceived.WithLabelValues(string(msgType)).Inc()
}

// ProtocolError implements agentconn.Observer.
func (r *Registry) ProtocolError(vmID string) {
	r.ProtocolErrors.WithLabelValues(vmID).Inc()
}

// SessionStale implements agentconn.Observer.
func (r *Registry) SessionStale(vmID string) {
	r.StaleSessions.WithLabelValues(vmID).Inc()
}

// Forget drops the per-VM series of a connection that is gone.
func (r *Registry) Forget(vmID string) {
	match := prometheus.Labels{"vm": vmID}
	r.StateGauge.DeletePartialMatch(match)
	r.PendingCommands.DeletePartialMatch(match)
	r.ReconnectsTotal.DeletePartialMatch(match)
	r.StaleSessions.DeletePartialMatch(match)
	r.ProtocolErrors.DeletePartialMatch(match)
}

// EventDropped counts one event lost to a slow subscriber.
func (r *Registry) EventDropped() {
	r.EventsDropped.Inc()
}

// JournalWrite counts one journal insert.
func (r *Registry) JournalWrite(err error) {
	if err != nil {
		r.JournalWrites.WithLabelValues("error").Inc()
		return
	}
	r.JournalWrites.WithLabelValues("ok").Inc()
}

var _ agentconn.Observer = (*Registry)(nil)
