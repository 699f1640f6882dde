// Package registry owns the live agent connections, one per VM.
//
// The Registry listens to the endpoint watcher, confirms each VM with the
// Directory, and keeps at most one connection per VM id. It is the public
// entry point for sending commands to guest agents.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/vmlink/internal/agentconn"
	"grimm.is/vmlink/internal/brand"
	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/logging"
	"grimm.is/vmlink/internal/protocol"
	"grimm.is/vmlink/internal/watcher"
)

// Directory answers whether a VM id belongs to a known VM.
type Directory interface {
	VmExists(ctx context.Context, vmID string) (bool, error)
}

// AllowAll is a Directory that accepts every VM id.
type AllowAll struct{}

func (AllowAll) VmExists(context.Context, string) (bool, error) { return true, nil }

// Sink receives unsolicited agent traffic.
type Sink = agentconn.Sink

// Re-exported for callers that only import registry.
var (
	ErrNotConnected     = agentconn.ErrNotConnected
	ErrTimeout          = agentconn.ErrTimeout
	ErrCancelled        = agentconn.ErrCancelled
	ErrConnectionClosed = agentconn.ErrConnectionClosed
	ErrShuttingDown     = agentconn.ErrShuttingDown
	ErrUnknownAction    = agentconn.ErrUnknownAction
)

// ErrUnknownVM is returned by Attach for ids the Directory rejects.
var ErrUnknownVM = errors.New("unknown vm")

// Config holds registry settings.
type Config struct {
	EndpointDir    string
	EndpointSuffix string
	Debounce       time.Duration

	// ReconnectWait bounds the best-effort reconnect in the send path.
	ReconnectWait time.Duration
	// LookupTimeout bounds each Directory query.
	LookupTimeout time.Duration

	Connection agentconn.Config
}

// DefaultConfig returns the stock registry settings.
func DefaultConfig() Config {
	return Config{
		EndpointDir:    brand.EndpointDir(),
		EndpointSuffix: "sock",
		Debounce:       watcher.DefaultDebounce,
		ReconnectWait:  time.Second,
		LookupTimeout:  5 * time.Second,
		Connection:     agentconn.DefaultConfig(),
	}
}

// Options wires a Registry's collaborators. Dialer is required.
type Options struct {
	Config    Config
	Directory Directory
	Dialer    agentconn.Dialer
	Sink      Sink
	Observer  agentconn.Observer
	Clock     clock.Clock
	Logger    *logging.Logger
}

// Registry maps VM ids to connections.
type Registry struct {
	cfg     Config
	dir     Directory
	dialer  agentconn.Dialer
	sink    Sink
	obs     agentconn.Observer
	clock   clock.Clock
	base    *logging.Logger
	log     *logging.Logger
	watcher *watcher.Watcher

	// opMu serializes attach, replace, remove and cleanup.
	opMu sync.Mutex

	mu    sync.Mutex
	conns map[string]*agentconn.Conn

	stopping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Registry. Nothing is watched until Start.
func New(opts Options) *Registry {
	if opts.Directory == nil {
		opts.Directory = AllowAll{}
	}
	if opts.Sink == nil {
		opts.Sink = agentconn.NopSink{}
	}
	if opts.Observer == nil {
		opts.Observer = agentconn.NopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	cfg := opts.Config
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}

	return &Registry{
		cfg:    cfg,
		dir:    opts.Directory,
		dialer: opts.Dialer,
		sink:   opts.Sink,
		obs:    opts.Observer,
		clock:  opts.Clock,
		base:   opts.Logger,
		log:    opts.Logger.WithComponent("registry"),
		watcher: watcher.New(watcher.Config{
			Dir:      cfg.EndpointDir,
			Suffix:   cfg.EndpointSuffix,
			Debounce: cfg.Debounce,
		}, opts.Clock, opts.Logger),
		conns: make(map[string]*agentconn.Conn),
	}
}

// Start begins watching the endpoint directory.
func (r *Registry) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := r.watcher.Start(ctx); err != nil {
		cancel()
		return err
	}
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range r.watcher.Events() {
			r.handleEvent(ctx, ev)
		}
	}()
	return nil
}

// Stop stops watching and closes every connection. In-flight commands fail
// with ErrShuttingDown.
func (r *Registry) Stop() {
	if !r.stopping.CompareAndSwap(false, true) {
		return
	}
	r.watcher.Stop()
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	conns := make([]*agentconn.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			c.Close(agentconn.ErrShuttingDown)
			r.forget(c)
			return nil
		})
	}
	g.Wait()

	r.log.Info("registry stopped", "closed", len(conns))
}

func (r *Registry) handleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.Added:
		if err := r.Attach(ctx, ev.VMID, ev.Path); err != nil {
			if errors.Is(err, ErrUnknownVM) {
				r.log.Debug("ignoring endpoint for unknown vm", "vm_id", ev.VMID, "path", ev.Path)
				return
			}
			r.log.Warn("attach failed", "vm_id", ev.VMID, "error", err)
		}
	case watcher.Removed:
		if r.Remove(ev.VMID, agentconn.ErrEndpointRemoved) {
			r.log.Info("endpoint removed", "vm_id", ev.VMID)
		}
	}
}

// Attach creates the connection for vmID at endpoint. A live connection to
// the same endpoint is kept, and asked to reconnect if it is between
// sessions. A connection to a different endpoint is replaced. The VM must be
// known to the Directory.
func (r *Registry) Attach(ctx context.Context, vmID, endpoint string) error {
	if r.stopping.Load() {
		return ErrShuttingDown
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	exists, err := r.dir.VmExists(lookupCtx, vmID)
	cancel()
	if err != nil {
		return fmt.Errorf("lookup vm %s: %w", vmID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownVM, vmID)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.stopping.Load() {
		return ErrShuttingDown
	}

	if old := r.get(vmID); old != nil && !isDone(old) && old.Endpoint() == endpoint {
		if !old.IsConnected() {
			old.Reconnect()
		}
		r.log.Debug("endpoint touched, keeping connection", "vm_id", vmID)
		return nil
	}
	if old := r.get(vmID); old != nil {
		r.log.Info("replacing connection", "vm_id", vmID, "old_endpoint", old.Endpoint(), "endpoint", endpoint)
		old.Close(agentconn.ErrReplaced)
		r.forget(old)
	}

	conn := agentconn.New(agentconn.Options{
		VMID:        vmID,
		Endpoint:    endpoint,
		Config:      r.cfg.Connection,
		Dialer:      r.dialer,
		Clock:       r.clock,
		Logger:      r.base,
		Sink:        r.sink,
		Observer:    r.obs,
		OnDestroyed: r.onDestroyed,
	})

	r.mu.Lock()
	r.conns[vmID] = conn
	r.mu.Unlock()

	// It may already be gone if it failed before being stored.
	select {
	case <-conn.Done():
		r.forget(conn)
	default:
	}

	r.log.Debug("connection created", "vm_id", vmID, "endpoint", endpoint)
	return nil
}

func isDone(c *agentconn.Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Remove destroys the connection for vmID without reconnecting. It reports
// whether there was one.
func (r *Registry) Remove(vmID string, reason error) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	conn := r.get(vmID)
	if conn == nil {
		return false
	}
	conn.Close(reason)
	r.forget(conn)
	return true
}

// CleanupConnection closes the connection for vmID and removes its endpoint
// file. It is an operator action and is audit logged.
func (r *Registry) CleanupConnection(vmID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	endpoint := r.watcher.EndpointPath(vmID)
	closed := false
	if conn := r.get(vmID); conn != nil {
		endpoint = conn.Endpoint()
		conn.Close(agentconn.ErrConnectionClosed)
		r.forget(conn)
		closed = true
	}

	err := os.Remove(endpoint)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}

	r.log.Audit("cleanup", "vm:"+vmID, map[string]any{
		"endpoint":          endpoint,
		"connection_closed": closed,
		"success":           err == nil,
	})
	if err != nil {
		return fmt.Errorf("remove endpoint %s: %w", endpoint, err)
	}
	return nil
}

func (r *Registry) onDestroyed(c *agentconn.Conn, reason error) {
	if r.forget(c) {
		r.log.Debug("connection removed", "vm_id", c.VMID(), "reason", reason)
	}
}

// forget drops c from the map if it is still the current entry.
func (r *Registry) forget(c *agentconn.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.VMID()] != c {
		return false
	}
	delete(r.conns, c.VMID())
	return true
}

func (r *Registry) get(vmID string) *agentconn.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[vmID]
}

// SendSafeCommand runs a named action on vmID's agent.
func (r *Registry) SendSafeCommand(ctx context.Context, vmID string, action protocol.Action, params any, timeout time.Duration) (*protocol.Result, error) {
	cmd := protocol.SafeCommand{Name: action, Params: params, Wait: timeout}
	if err := cmd.Validate(); err != nil {
		return nil, &agentconn.CommandError{VMID: vmID, Err: err}
	}
	return r.send(ctx, vmID, cmd)
}

// SendUnsafeCommand runs an arbitrary command line on vmID's agent.
func (r *Registry) SendUnsafeCommand(ctx context.Context, vmID, raw string, opts protocol.UnsafeOptions, timeout time.Duration) (*protocol.Result, error) {
	if raw == "" {
		return nil, &agentconn.CommandError{VMID: vmID, Err: protocol.ErrEmptyCommand}
	}
	return r.send(ctx, vmID, protocol.UnsafeCommand{RawCommand: raw, Options: opts, Wait: timeout})
}

func (r *Registry) send(ctx context.Context, vmID string, cmd protocol.Command) (*protocol.Result, error) {
	if r.stopping.Load() {
		return nil, &agentconn.CommandError{VMID: vmID, Err: ErrShuttingDown}
	}

	conn := r.get(vmID)
	if conn == nil || !conn.IsConnected() {
		conn = r.tryReconnect(ctx, vmID, conn)
	}
	if conn == nil {
		return nil, &agentconn.CommandError{VMID: vmID, Err: ErrNotConnected}
	}
	return conn.Send(ctx, cmd)
}

// tryReconnect makes one bounded attempt to get a live session for vmID if
// its endpoint file still exists.
func (r *Registry) tryReconnect(ctx context.Context, vmID string, conn *agentconn.Conn) *agentconn.Conn {
	endpoint := r.watcher.EndpointPath(vmID)
	if conn != nil {
		endpoint = conn.Endpoint()
	}
	if _, err := os.Stat(endpoint); err != nil {
		return conn
	}

	if conn == nil {
		if err := r.Attach(ctx, vmID, endpoint); err != nil {
			r.log.Debug("on-demand attach failed", "vm_id", vmID, "error", err)
			return nil
		}
		conn = r.get(vmID)
		if conn == nil {
			return nil
		}
	} else {
		conn.Reconnect()
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.ReconnectWait)
	defer cancel()
	if err := conn.WaitConnected(waitCtx); err != nil {
		r.log.Debug("reconnect wait failed", "vm_id", vmID, "error", err)
	}
	return conn
}

// IsConnected reports whether vmID has a live session.
func (r *Registry) IsConnected(vmID string) bool {
	conn := r.get(vmID)
	return conn != nil && conn.IsConnected()
}

// ConnectionStats returns a snapshot for vmID.
func (r *Registry) ConnectionStats(vmID string) (agentconn.Stats, bool) {
	conn := r.get(vmID)
	if conn == nil {
		return agentconn.Stats{}, false
	}
	return conn.Stats(), true
}

// AllStats returns a snapshot of every connection, ordered by VM id.
func (r *Registry) AllStats() []agentconn.Stats {
	r.mu.Lock()
	conns := make([]*agentconn.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := make([]agentconn.Stats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out
}

// CancelCommand cancels one in-flight command.
func (r *Registry) CancelCommand(vmID, commandID string) bool {
	conn := r.get(vmID)
	return conn != nil && conn.Cancel(commandID)
}

// CancelAllCommands cancels every in-flight command for vmID.
func (r *Registry) CancelAllCommands(vmID string) int {
	conn := r.get(vmID)
	if conn == nil {
		return 0
	}
	return conn.CancelAll()
}
