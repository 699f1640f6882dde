package events

import (
	"sync"
	"sync/atomic"

	"grimm.is/vmlink/internal/clock"
)

// Hub provides pub/sub semantics with typed events and non-blocking fan-out.
type Hub struct {
	clock clock.Clock

	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events
	global []chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
	onDrop    func()
}

// NewHub creates a new event hub. A nil clock uses the real clock.
func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Hub{
		clock: clk,
		subs:  make(map[EventType][]chan Event),
	}
}

// OnDrop registers f to be called for every dropped delivery. It must be set
// before the hub is in use.
func (h *Hub) OnDrop(f func()) {
	h.onDrop = f
}

// Publish sends an event to all subscribers of that event type. If a
// subscriber's channel is full the event is dropped for that subscriber.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[e.Type] {
		h.deliver(ch, e)
	}
	for _, ch := range h.global {
		h.deliver(ch, e)
	}
}

func (h *Hub) deliver(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		h.dropped.Add(1)
		if h.onDrop != nil {
			h.onDrop()
		}
	}
}

// Subscribe returns a channel that receives events of the specified types.
// If no types are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}
