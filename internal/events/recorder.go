package events

import (
	"context"
	"sync"
	"time"

	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/logging"
)

// Writer persists a batch of events.
type Writer interface {
	WriteEvents(ctx context.Context, batch []Event) error
}

// RecorderConfig configures the journal recorder.
type RecorderConfig struct {
	// FlushInterval is how often buffered events are written (default: 2s)
	FlushInterval time.Duration

	// MaxBuffer flushes early once this many events are waiting (default: 500)
	MaxBuffer int

	// Types limits what is recorded. Empty records everything.
	Types []EventType
}

// DefaultRecorderConfig returns sensible defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		FlushInterval: 2 * time.Second,
		MaxBuffer:     500,
	}
}

// Recorder subscribes to the hub and writes events to a Writer in batches.
type Recorder struct {
	hub    *Hub
	writer Writer
	cfg    RecorderConfig
	clock  clock.Clock
	logger *logging.Logger

	events <-chan Event
	flushC chan chan struct{}

	bufferMu sync.Mutex
	buffer   []Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder. It subscribes on Start.
func NewRecorder(hub *Hub, writer Writer, cfg RecorderConfig, clk clock.Clock, logger *logging.Logger) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = def.MaxBuffer
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		hub:    hub,
		writer: writer,
		cfg:    cfg,
		clock:  clk,
		logger: logger.WithComponent("journal"),
		flushC: make(chan chan struct{}),
	}
}

// Start begins consuming events.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.events = r.hub.Subscribe(r.cfg.MaxBuffer*2, r.cfg.Types...)

	tick := make(chan struct{}, 1)
	timer := r.clock.Every(r.cfg.FlushInterval, func() {
		select {
		case tick <- struct{}{}:
		default:
		}
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer timer.Stop()
		defer r.hub.Unsubscribe(r.events)

		for {
			select {
			case <-ctx.Done():
				r.drain()
				r.flush(context.Background())
				return
			case e := <-r.events:
				if r.add(e) >= r.cfg.MaxBuffer {
					r.flush(ctx)
				}
			case <-tick:
				r.flush(ctx)
			case done := <-r.flushC:
				r.drain()
				r.flush(ctx)
				close(done)
			}
		}
	}()
}

// Flush writes everything received so far and waits for the write.
func (r *Recorder) Flush(ctx context.Context) {
	done := make(chan struct{})
	select {
	case r.flushC <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop flushes what is buffered and stops the recorder.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Recorder) add(e Event) int {
	r.bufferMu.Lock()
	defer r.bufferMu.Unlock()
	r.buffer = append(r.buffer, e)
	return len(r.buffer)
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.events:
			r.add(e)
		default:
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.bufferMu.Lock()
	if len(r.buffer) == 0 {
		r.bufferMu.Unlock()
		return
	}
	toFlush := r.buffer
	r.buffer = nil
	r.bufferMu.Unlock()

	if err := r.writer.WriteEvents(ctx, toFlush); err != nil {
		r.logger.Error("Failed to write events", "count", len(toFlush), "error", err)
		return
	}
	r.logger.Debug("events written", "count", len(toFlush))
}
