// Package daemon assembles vmlinkd from its parts: store, event hub, metrics,
// connection registry, scheduler and the metrics listener.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/vmlink/internal/agentconn"
	"grimm.is/vmlink/internal/brand"
	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/config"
	"grimm.is/vmlink/internal/events"
	"grimm.is/vmlink/internal/health"
	"grimm.is/vmlink/internal/logging"
	"grimm.is/vmlink/internal/metrics"
	"grimm.is/vmlink/internal/registry"
	"grimm.is/vmlink/internal/scheduler"
	"grimm.is/vmlink/internal/store"
	"grimm.is/vmlink/internal/transport"
)

const metricsSampleInterval = 15 * time.Second

// Options overrides collaborators, mostly for tests.
type Options struct {
	Logger *logging.Logger
	Clock  clock.Clock
	// Dialer replaces the transport named in the config.
	Dialer agentconn.Dialer
	// Metrics receives every collector. Nil creates a private registry that
	// also carries the Go runtime and process collectors.
	Metrics *prometheus.Registry
}

// Daemon is a running vmlinkd.
type Daemon struct {
	cfg     *config.Config
	timings config.Timings
	logger  *logging.Logger
	clock   clock.Clock

	store     *store.Store
	hub       *events.Hub
	prom      *prometheus.Registry
	metrics   *metrics.Registry
	collector *metrics.Collector
	recorder  *events.Recorder
	registry  *registry.Registry
	sched     *scheduler.Scheduler
	health    *health.Checker

	listener net.Listener
	server   *http.Server
	serveErr chan error
}

// New builds a daemon from a validated config. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	timings, err := cfg.Timings()
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer, err = transport.New(cfg.Transport, uint32(cfg.VsockPort))
		if err != nil {
			return nil, err
		}
	}

	st, err := store.Open(store.Options{Path: cfg.Database, WALMode: true, Clock: opts.Clock})
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		timings: timings,
		logger:  opts.Logger,
		clock:   opts.Clock,
		store:   st,
		prom:    opts.Metrics,
	}
	if d.prom == nil {
		d.prom = prometheus.NewRegistry()
		d.prom.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	d.metrics = metrics.New(d.prom)

	d.hub = events.NewHub(d.clock)
	d.hub.OnDrop(d.metrics.EventDropped)

	var dir registry.Directory = st
	if cfg.Inventory.AllowUnknown {
		dir = registry.AllowAll{}
	}

	d.registry = registry.New(registry.Options{
		Config:    registryConfig(cfg, timings),
		Directory: dir,
		Dialer:    dialer,
		Sink:      events.NewSinkAdapter(d.hub),
		Observer:  agentconn.Observers{d.metrics, events.NewObserverAdapter(d.hub)},
		Clock:     d.clock,
		Logger:    d.logger,
	})
	d.collector = metrics.NewCollector(d.metrics, d.registry, d.clock)

	d.health = health.NewChecker(d.clock, 2*time.Second)
	d.health.Register("store", health.CheckStore(st))
	d.health.Register("endpoint_dir", health.CheckEndpointDir(cfg.EndpointDir))
	d.health.Register("agents", health.CheckAgents(d.registry))

	if !cfg.Journal.Disabled {
		d.recorder = events.NewRecorder(d.hub, &journalWriter{store: st, metrics: d.metrics},
			events.DefaultRecorderConfig(), d.clock, d.logger)
	}

	d.sched = scheduler.New(d.clock, d.logger)
	if err := d.sched.AddTask(scheduler.NewMetricsCollectionTask(d.collector.Collect, metricsSampleInterval)); err != nil {
		st.Close()
		return nil, err
	}
	if d.recorder != nil {
		var sched scheduler.Schedule = scheduler.Every(timings.PruneInterval)
		if timings.PruneDaily {
			sched = scheduler.Daily(timings.PruneHour, timings.PruneMinute)
		}
		task := scheduler.NewJournalPruneTask(st, timings.JournalRetention, sched, d.logger.WithComponent("journal"))
		if err := d.sched.AddTask(task); err != nil {
			st.Close()
			return nil, err
		}
	}
	return d, nil
}

func registryConfig(cfg *config.Config, t config.Timings) registry.Config {
	return registry.Config{
		EndpointDir:    cfg.EndpointDir,
		EndpointSuffix: cfg.EndpointSuffix,
		Debounce:       t.Debounce,
		ReconnectWait:  t.ReconnectWait,
		LookupTimeout:  5 * time.Second,
		Connection: agentconn.Config{
			ReconnectBaseDelay:   t.ReconnectBaseDelay,
			ReconnectMaxDelay:    t.ReconnectMaxDelay,
			MaxReconnectAttempts: cfg.Connection.ReconnectAttempts(),
			HealthInterval:       t.HealthInterval,
			StaleAfter:           t.StaleAfter,
			DialTimeout:          t.DialTimeout,
			WriteTimeout:         t.WriteTimeout,
			CommandTimeout:       t.CommandTimeout,
			MaxLineSize:          cfg.Connection.MaxLineBytes,
			ThrottleEvery:        cfg.Connection.ThrottleEvery,
		},
	}
}

// Start seeds the inventory, then starts the recorder, registry, scheduler
// and metrics listener in that order.
func (d *Daemon) Start(ctx context.Context) error {
	for _, id := range d.cfg.Inventory.VMs {
		if err := d.store.PutVM(ctx, id, "config"); err != nil {
			return err
		}
	}

	if d.recorder != nil {
		d.recorder.Start(context.Background())
	}
	if err := d.registry.Start(ctx); err != nil {
		d.stopRecorder()
		return fmt.Errorf("start registry: %w", err)
	}
	d.sched.Start()

	if d.cfg.MetricsListen != "" {
		if err := d.serveMetrics(); err != nil {
			d.sched.Stop()
			d.registry.Stop()
			d.stopRecorder()
			return err
		}
	}

	d.logger.Info("daemon started",
		"version", brand.Version,
		"endpoint_dir", d.cfg.EndpointDir,
		"transport", d.cfg.Transport,
		"metrics", d.MetricsAddr())
	return nil
}

func (d *Daemon) serveMetrics() error {
	ln, err := net.Listen("tcp", d.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	d.listener = ln
	d.server = &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.serveErr = make(chan error, 1)
	go func() {
		err := d.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		d.serveErr <- err
	}()
	return nil
}

// Handler serves /metrics, /healthz, /connections and the task endpoints.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.prom, promhttp.HandlerOpts{Registry: d.prom}))
	mux.HandleFunc("GET /healthz", d.health.Handler())
	mux.HandleFunc("GET /connections", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.registry.AllStats())
	})
	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.sched.GetStatus())
	})
	mux.HandleFunc("POST /tasks/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		err := d.sched.RunTask(r.PathValue("id"))
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, scheduler.ErrTaskNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusConflict)
		}
	})
	return mux
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop shuts everything down in reverse order. Pending commands are rejected
// with ErrShuttingDown and the journal is flushed before the store closes.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics listener: %w", err))
		}
		if err := <-d.serveErr; err != nil {
			errs = append(errs, err)
		}
		d.server = nil
		d.listener = nil
	}
	d.sched.Stop()
	d.registry.Stop()
	d.stopRecorder()
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) stopRecorder() {
	if d.recorder != nil {
		d.recorder.Stop()
	}
}

// Run starts the daemon, blocks until ctx is done and then stops it.
func (d *Daemon) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		d.store.Close()
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-d.serveErrC():
		d.logger.Error("metrics listener failed", "error", serveErr)
		d.server = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, d.Stop(stopCtx))
}

// serveErrC returns a channel that never fires when the listener is off.
func (d *Daemon) serveErrC() <-chan error {
	if d.serveErr == nil {
		return nil
	}
	return d.serveErr
}

// Registry returns the connection registry.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Store returns the inventory and journal store.
func (d *Daemon) Store() *store.Store { return d.store }

// Hub returns the event hub.
func (d *Daemon) Hub() *events.Hub { return d.hub }

// Health returns the health checker behind /healthz.
func (d *Daemon) Health() *health.Checker { return d.health }

// Recorder returns the journal recorder, or nil when the journal is disabled.
func (d *Daemon) Recorder() *events.Recorder { return d.recorder }

// journalWriter counts journal writes.
type journalWriter struct {
	store   *store.Store
	metrics *metrics.Registry
}

func (w *journalWriter) WriteEvents(ctx context.Context, batch []events.Event) error {
	err := w.store.WriteEvents(ctx, batch)
	w.metrics.JournalWrite(err)
	return err
}
