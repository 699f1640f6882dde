// Package health reports whether vmlinkd can do its job: the store answers,
// the endpoint directory exists and registered agents are reachable.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"grimm.is/vmlink/internal/agentconn"
	"grimm.is/vmlink/internal/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one named check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report is the overall health report.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc performs a health check. Name, LastChecked and Duration are
// filled in by the Checker.
type CheckFunc func(ctx context.Context) Check

// Checker runs registered checks and caches the report for a short while.
type Checker struct {
	clock clock.Clock
	ttl   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
}

// NewChecker creates a checker with no checks. A zero ttl disables caching.
func NewChecker(clk clock.Clock, ttl time.Duration) *Checker {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Checker{
		clock:  clk,
		ttl:    ttl,
		checks: make(map[string]CheckFunc),
	}
}

// Register adds or replaces a check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cache = nil
}

// Check runs all checks concurrently and returns the worst status.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && c.clock.Since(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	funcs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		funcs[name] = fn
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		checks  = make(map[string]Check, len(funcs))
		overall = StatusHealthy
	)
	for name, fn := range funcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := c.clock.Now()
			check := fn(ctx)
			check.Name = name
			check.LastChecked = start
			check.Duration = c.clock.Since(start)

			mu.Lock()
			defer mu.Unlock()
			checks[name] = check
			overall = worse(overall, check.Status)
		}()
	}
	wg.Wait()

	report := Report{Status: overall, Checks: checks, Timestamp: c.clock.Now()}

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()
	return report
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Handler serves the report as JSON. Unhealthy answers 503.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		report := c.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// Pinger is satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckStore fails when the database does not answer.
func CheckStore(p Pinger) CheckFunc {
	return func(ctx context.Context) Check {
		if err := p.Ping(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("ping failed: %v", err)}
		}
		return Check{Status: StatusHealthy, Message: "database reachable"}
	}
}

// CheckEndpointDir fails when dir is missing or not a directory.
func CheckEndpointDir(dir string) CheckFunc {
	return func(context.Context) Check {
		fi, err := os.Stat(dir)
		switch {
		case err != nil:
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		case !fi.IsDir():
			return Check{Status: StatusUnhealthy, Message: dir + " is not a directory"}
		}
		return Check{Status: StatusHealthy, Message: dir}
	}
}

// StatsSource lists the connections the registry currently holds.
type StatsSource interface {
	AllStats() []agentconn.Stats
}

// CheckAgents is degraded while any tracked agent is disconnected.
func CheckAgents(src StatsSource) CheckFunc {
	return func(context.Context) Check {
		stats := src.AllStats()
		down := 0
		for _, s := range stats {
			if !s.Connected {
				down++
			}
		}
		msg := fmt.Sprintf("%d/%d connected", len(stats)-down, len(stats))
		if down > 0 {
			return Check{Status: StatusDegraded, Message: msg}
		}
		return Check{Status: StatusHealthy, Message: msg}
	}
}
