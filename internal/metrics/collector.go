package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/vmlink/internal/agentconn"
	"grimm.is/vmlink/internal/clock"
)

// StatsSource lists per-connection statistics.
type StatsSource interface {
	AllStats() []agentconn.Stats
}

// Summary is the last sample taken by the collector.
type Summary struct {
	Connections int       `json:"connections"`
	Connected   int       `json:"connected"`
	Pending     int       `json:"pending"`
	Timeouts    uint64    `json:"timeouts"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Collector samples connection statistics into gauges. The daemon runs
// Collect from the scheduler.
type Collector struct {
	registry *Registry
	source   StatsSource
	clock    clock.Clock

	mu      sync.RWMutex
	last    Summary
	lastVMs map[string]bool
}

// NewCollector creates a collector.
func NewCollector(registry *Registry, source StatsSource, clk clock.Clock) *Collector {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Collector{
		registry: registry,
		source:   source,
		clock:    clk,
		lastVMs:  make(map[string]bool),
	}
}

// Collect takes one sample.
func (c *Collector) Collect(context.Context) error {
	stats := c.source.AllStats()

	s := Summary{Connections: len(stats), SampledAt: c.clock.Now()}
	seen := make(map[string]bool, len(stats))
	for _, st := range stats {
		seen[st.VMID] = true
		s.Pending += st.Pending
		s.Timeouts += st.Timeouts
		if st.Connected {
			s.Connected++
		}
		c.registry.PendingCommands.WithLabelValues(st.VMID).Set(float64(st.Pending))
	}
	c.registry.ConnectionsActive.Set(float64(s.Connected))

	c.mu.Lock()
	for vm := range c.lastVMs {
		if !seen[vm] {
			c.registry.PendingCommands.DeleteLabelValues(vm)
		}
	}
	c.lastVMs = seen
	c.last = s
	c.mu.Unlock()
	return nil
}

// Last returns the most recent sample.
func (c *Collector) Last() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
