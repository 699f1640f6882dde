package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a cancellable pending callback.
//
// Stop is safe to call any number of times from any goroutine. It reports
// whether this call prevented the callback from running. The callback runs at
// most once per arming, never after a Stop that returned true.
type Timer interface {
	Stop() bool
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type stopper interface {
	Stop() bool
}

// onceTimer arbitrates between fire and Stop with a single CAS so exactly one
// of them wins.
type onceTimer struct {
	state   atomic.Int32
	fn      func()
	stopper stopper
}

func (t *onceTimer) fire() {
	if t.state.CompareAndSwap(timerPending, timerFired) {
		t.fn()
	}
}

func (t *onceTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerPending, timerStopped) {
		return false
	}
	if t.stopper != nil {
		t.stopper.Stop()
	}
	return true
}

// periodic re-arms a single-fire timer after each tick. A Stop that lands
// while fn is running reports false; fn is not held under mu so it may call
// Stop itself.
type periodic struct {
	clock    Clock
	interval time.Duration
	fn       func()

	mu       sync.Mutex
	current  Timer
	stopped  bool
	inFlight bool
}

func newPeriodic(c Clock, d time.Duration, f func()) *periodic {
	p := &periodic{clock: c, interval: d, fn: f}
	p.mu.Lock()
	p.current = c.AfterFunc(d, p.tick)
	p.mu.Unlock()
	return p
}

func (p *periodic) tick() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	p.fn()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if !p.stopped {
		p.current = p.clock.AfterFunc(p.interval, p.tick)
	}
}

func (p *periodic) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	if p.current != nil {
		p.current.Stop()
	}
	return !p.inFlight
}
