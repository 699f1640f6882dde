// Package watcher reports agent endpoints appearing in and disappearing from
// a directory.
//
// Endpoints are named "<vmId>.<suffix>". A created or rewritten endpoint is
// reported as Added only after it has been quiet for the debounce window and
// still exists; removal and rename are reported immediately.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/logging"
)

// DefaultDebounce is the quiescence window before an endpoint is reported.
const DefaultDebounce = 250 * time.Millisecond

// EventKind says what happened to an endpoint.
type EventKind int

const (
	Added EventKind = iota + 1
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event is a settled change to one endpoint.
type Event struct {
	Kind EventKind
	VMID string
	Path string
}

// Config selects the directory and endpoint naming.
type Config struct {
	Dir      string
	Suffix   string // without the dot
	Debounce time.Duration
}

// Watcher turns filesystem notifications into endpoint events.
type Watcher struct {
	cfg   Config
	clock clock.Clock
	log   *logging.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	pending map[string]*debounce
	started bool
	stopped bool

	// emitMu keeps Stop from closing events under an in-flight send.
	emitMu sync.RWMutex
	closed bool
}

type debounce struct {
	timer clock.Timer
}

// New creates a Watcher. Call Start to begin watching.
func New(cfg Config, clk clock.Clock, logger *logging.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	cfg.Suffix = strings.TrimPrefix(cfg.Suffix, ".")
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		cfg:     cfg,
		clock:   clk,
		log:     logger.WithComponent("watcher"),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		pending: make(map[string]*debounce),
	}
}

// Events delivers settled endpoint events. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// VMID extracts the VM id from an endpoint file name, reporting false when
// the name does not match "<vmId>.<suffix>".
func (w *Watcher) VMID(name string) (string, bool) {
	return ParseEndpointName(name, w.cfg.Suffix)
}

// ParseEndpointName extracts the VM id from "<vmId>.<suffix>".
func ParseEndpointName(name, suffix string) (string, bool) {
	name = filepath.Base(name)
	ext := "." + suffix
	if !strings.HasSuffix(name, ext) {
		return "", false
	}
	id := strings.TrimSuffix(name, ext)
	if id == "" || strings.HasPrefix(id, ".") {
		return "", false
	}
	return id, true
}

// EndpointPath returns where the endpoint for vmID lives.
func (w *Watcher) EndpointPath(vmID string) string {
	return filepath.Join(w.cfg.Dir, vmID+"."+w.cfg.Suffix)
}

// Start begins watching and reports endpoints that already exist.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("watcher already started")
	}

	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("endpoint dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.cfg.Dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.fsw = fsw
	w.started = true

	// Watch first, then scan, so nothing created in between is missed.
	// Anything seen twice is settled through the same debounce.
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.log.Warn("initial scan failed", "dir", w.cfg.Dir, "error", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := w.VMID(e.Name()); ok {
			w.touchLocked(filepath.Join(w.cfg.Dir, e.Name()))
		}
	}

	w.wg.Add(1)
	go w.loop(ctx, fsw)

	w.log.Info("watching endpoints", "dir", w.cfg.Dir, "suffix", w.cfg.Suffix, "existing", len(w.pending))
	return nil
}

// Stop ends watching, cancels unsettled endpoints and closes Events.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.done)
	for name, d := range w.pending {
		d.timer.Stop()
		delete(w.pending, name)
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.mu.Unlock()

	w.wg.Wait()

	w.emitMu.Lock()
	w.closed = true
	close(w.events)
	w.emitMu.Unlock()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	vmID, ok := w.VMID(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		if d, ok := w.pending[ev.Name]; ok {
			d.timer.Stop()
			delete(w.pending, ev.Name)
		}
		w.mu.Unlock()
		w.emit(Event{Kind: Removed, VMID: vmID, Path: ev.Name})

	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		w.mu.Lock()
		w.touchLocked(ev.Name)
		w.mu.Unlock()
	}
}

// touchLocked (re)starts the debounce window for path.
func (w *Watcher) touchLocked(path string) {
	if w.stopped {
		return
	}
	if d, ok := w.pending[path]; ok {
		d.timer.Stop()
	}
	d := &debounce{}
	d.timer = w.clock.AfterFunc(w.cfg.Debounce, func() { w.settle(path, d) })
	w.pending[path] = d
}

// settle reports path once its debounce window closes without new activity.
func (w *Watcher) settle(path string, d *debounce) {
	w.mu.Lock()
	if w.pending[path] != d {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		w.log.Debug("endpoint vanished before settling", "path", path)
		return
	}
	vmID, _ := w.VMID(path)
	w.emit(Event{Kind: Added, VMID: vmID, Path: path})
}

func (w *Watcher) emit(ev Event) {
	w.emitMu.RLock()
	defer w.emitMu.RUnlock()
	if w.closed {
		return
	}
	w.log.Debug("endpoint event", "kind", ev.Kind.String(), "vm_id", ev.VMID)
	select {
	case w.events <- ev:
	case <-w.done:
	}
}
