// Package agentconn maintains a session with one guest agent.
//
// A Conn owns the transport, the line framer and the table of in-flight
// commands for a single VM. All of that state is mutated by one goroutine;
// the reader, timers and public methods hand work to it through an inbox.
// When the transport fails the Conn reconnects with exponential backoff until
// it succeeds, gives up, or the endpoint disappears. Destruction is terminal.
package agentconn

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/logging"
	"grimm.is/vmlink/internal/protocol"
)

const inboxSize = 64

// Dialer opens the transport to an agent endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (net.Conn, error)
}

// Config tunes reconnection, health checking and I/O limits.
type Config struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HealthInterval       time.Duration
	StaleAfter           time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	CommandTimeout       time.Duration // used when a command carries none
	MaxLineSize          int
	ThrottleEvery        int
}

// DefaultConfig returns the stock connection settings.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		HealthInterval:       30 * time.Second,
		StaleAfter:           90 * time.Second,
		DialTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		CommandTimeout:       30 * time.Second,
		MaxLineSize:          protocol.DefaultMaxLineSize,
		ThrottleEvery:        10,
	}
}

// Options configures New. VMID, Endpoint and Dialer are required.
type Options struct {
	VMID     string
	Endpoint string
	Config   Config
	Dialer   Dialer
	Clock    clock.Clock
	Logger   *logging.Logger
	Sink     Sink
	Observer Observer

	// OnDestroyed runs once, on the connection goroutine, after the Conn has
	// been torn down.
	OnDestroyed func(c *Conn, reason error)

	// NewID overrides command id generation.
	NewID func() string
}

// Stats is a point-in-time snapshot of a Conn.
type Stats struct {
	VMID              string    `json:"vm_id"`
	Endpoint          string    `json:"endpoint"`
	State             string    `json:"state"`
	Connected         bool      `json:"connected"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
	LastMessageAt     time.Time `json:"last_message_at,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Pending           int       `json:"pending"`
	PendingIDs        []string  `json:"pending_ids,omitempty"`
	BufferedBytes     int       `json:"buffered_bytes"`
	CommandsSent      uint64    `json:"commands_sent"`
	Responses         uint64    `json:"responses"`
	Timeouts          uint64    `json:"timeouts"`
	ProtocolErrors    uint64    `json:"protocol_errors"`
}

// Conn is a managed session with one guest agent.
type Conn struct {
	vmID     string
	endpoint string
	cfg      Config
	dialer   Dialer
	clock    clock.Clock
	log      *logging.Logger
	sink     Sink
	obs      Observer
	newID    func() string

	onDestroyed func(*Conn, error)

	inbox  chan func()
	done   chan struct{}
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is owned by the run goroutine.
	netConn       net.Conn
	gen           uint64
	framer        *protocol.Framer
	connectedAt   time.Time
	lastMessageAt time.Time
	dialing       bool
	destroyed     bool
	reason        error
	throttle      errorThrottle
	pending       map[string]*pendingCommand
	waiters       []chan error

	attempts       int
	reconnectTimer clock.Timer
	reconnectSeq   uint64
	healthTimer    clock.Timer

	sent, responses, timeouts, protocolErrors uint64
}

// New creates a Conn and starts connecting in the background.
func New(opts Options) *Conn {
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.NewID == nil {
		opts.NewID = NewCommandID
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		vmID:        opts.VMID,
		endpoint:    opts.Endpoint,
		cfg:         cfg,
		dialer:      opts.Dialer,
		clock:       opts.Clock,
		log:         opts.Logger.WithComponent("agentconn").WithVM(opts.VMID),
		sink:        opts.Sink,
		newID:       opts.NewID,
		onDestroyed: opts.OnDestroyed,
		inbox:       make(chan func(), inboxSize),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		framer:      protocol.NewFramer(cfg.MaxLineSize),
		throttle:    errorThrottle{every: cfg.ThrottleEvery},
		pending:     make(map[string]*pendingCommand),
	}
	c.obs = guardedObserver{inner: opts.Observer, notify: c.notify}
	c.state.Store(int32(StateConnecting))

	go c.run()
	c.post(c.dial)
	return c
}

func (c *Conn) run() {
	for fn := range c.inbox {
		fn()
		if c.destroyed {
			break
		}
	}
	close(c.done)
	if c.onDestroyed != nil {
		c.onDestroyed(c, c.reason)
	}
}

// post queues fn on the connection goroutine. It returns false once the Conn
// has been destroyed.
func (c *Conn) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// VMID returns the VM this connection serves.
func (c *Conn) VMID() string { return c.vmID }

// Endpoint returns the path of the endpoint file.
func (c *Conn) Endpoint() string { return c.endpoint }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// IsConnected reports whether a session is currently established.
func (c *Conn) IsConnected() bool { return c.State() == StateConnected }

// Done is closed once the connection has been destroyed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection was destroyed, or nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.reason
	default:
		return nil
	}
}

// Close destroys the connection with reason and waits for teardown. Pending
// commands are rejected. Close is safe to call more than once.
func (c *Conn) Close(reason error) {
	if reason == nil {
		reason = ErrConnectionClosed
	}
	c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing))
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing))
	c.post(func() { c.destroy(reason) })
	<-c.done
}

// WaitConnected blocks until a session is established, the connection is
// destroyed, or ctx is done.
func (c *Conn) WaitConnected(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	ready := make(chan error, 1)
	if !c.post(func() {
		if c.State() == StateConnected {
			ready <- nil
			return
		}
		c.waiters = append(c.waiters, ready)
	}) {
		return c.reason
	}

	select {
	case err := <-ready:
		return err
	case <-c.done:
		select {
		case err := <-ready:
			return err
		default:
			return c.reason
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the connection. After destruction only the
// identity and state fields are populated.
func (c *Conn) Stats() Stats {
	reply := make(chan Stats, 1)
	if c.post(func() { reply <- c.snapshot() }) {
		select {
		case s := <-reply:
			return s
		case <-c.done:
		}
	}
	return Stats{VMID: c.vmID, Endpoint: c.endpoint, State: StateClosed.String()}
}

func (c *Conn) snapshot() Stats {
	st := c.State()
	return Stats{
		VMID:              c.vmID,
		Endpoint:          c.endpoint,
		State:             st.String(),
		Connected:         st == StateConnected,
		ConnectedAt:       c.connectedAt,
		LastMessageAt:     c.lastMessageAt,
		ReconnectAttempts: c.attempts,
		Pending:           len(c.pending),
		PendingIDs:        c.pendingIDs(),
		BufferedBytes:     c.framer.Buffered(),
		CommandsSent:      c.sent,
		Responses:         c.responses,
		Timeouts:          c.timeouts,
		ProtocolErrors:    c.protocolErrors,
	}
}

func (c *Conn) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.obs.ConnectionState(c.vmID, s)
	}
}

// dial starts an asynchronous connection attempt.
func (c *Conn) dial() {
	if c.destroyed || c.dialing || c.netConn != nil {
		return
	}
	c.dialing = true
	c.setState(StateConnecting)

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		defer cancel()

		nc, err := c.dialer.Dial(ctx, c.endpoint)

		handled := make(chan struct{})
		c.post(func() {
			close(handled)
			c.dialed(nc, err)
		})
		if nc == nil {
			return
		}
		select {
		case <-handled:
		case <-c.done:
			select {
			case <-handled:
			default:
				nc.Close()
			}
		}
	}()
}

func (c *Conn) dialed(nc net.Conn, err error) {
	c.dialing = false
	if err != nil {
		c.throttle.log(c.log, "connect failed", err)
		c.scheduleReconnect()
		return
	}

	c.gen++
	c.netConn = nc
	c.framer.Reset()
	now := c.clock.Now()
	c.connectedAt = now
	c.lastMessageAt = now
	c.attempts = 0
	c.throttle.reset()
	c.stopReconnectTimer()
	c.setState(StateConnected)
	c.startHealth()

	go c.readLoop(c.gen, nc)

	c.releaseWaiters(nil)

	c.log.Info("connected", "endpoint", c.endpoint)
}

// readLoop pumps bytes from the transport to the connection goroutine, tagged
// with the session generation so stale reads are ignored.
func (c *Conn) readLoop(gen uint64, nc net.Conn) {
	buf := make([]byte, 64<<10)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !c.post(func() { c.received(gen, chunk) }) {
				return
			}
		}
		if err != nil {
			c.post(func() { c.transportFailed(gen, err) })
			return
		}
	}
}

func (c *Conn) received(gen uint64, chunk []byte) {
	if gen != c.gen || c.netConn == nil {
		return
	}
	c.lastMessageAt = c.clock.Now()

	lines, err := c.framer.Push(chunk)
	if err != nil {
		c.protocolError("oversized line dropped", err)
	}
	for _, line := range lines {
		c.handleLine(line)
	}
}

func (c *Conn) handleLine(line []byte) {
	env, err := protocol.Decode(line)
	if err != nil {
		c.protocolError("dropping undecodable message", err)
		return
	}
	c.obs.MessageReceived(c.vmID, env.Type)

	switch env.Type {
	case protocol.MsgMetrics:
		c.notify("telemetry", func() { c.sink.OnTelemetry(c.vmID, env.Payload) })
	case protocol.MsgError:
		c.notify("async_error", func() { c.sink.OnAsyncError(c.vmID, env.Payload) })
	case protocol.MsgResponse:
		c.handleResponse(env.Response)
	}
}

func (c *Conn) protocolError(msg string, err error) {
	c.protocolErrors++
	c.obs.ProtocolError(c.vmID)
	c.log.Warn(msg, "error", err)
}

// notify calls into a Sink or Observer; a panic there must not take down the
// connection goroutine.
func (c *Conn) notify(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("callback panicked", "hook", hook, "panic", r)
		}
	}()
	fn()
}

// write sends one encoded line with a bounded deadline.
func (c *Conn) write(line []byte) error {
	if c.netConn == nil {
		return ErrNotConnected
	}
	if c.cfg.WriteTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	_, err := c.netConn.Write(line)
	return err
}

// transportFailed tears down the current session and hands over to the
// reconnection scheduler. Errors from an earlier session are ignored.
func (c *Conn) transportFailed(gen uint64, err error) {
	if gen != c.gen || c.netConn == nil || c.destroyed {
		return
	}
	c.dropSession()
	c.throttle.log(c.log, "session lost", err)
	c.scheduleReconnect()
}

func (c *Conn) dropSession() {
	c.stopHealth()
	if c.netConn != nil {
		c.netConn.Close()
		c.netConn = nil
	}
	c.gen++
	c.framer.Reset()
	c.setState(StateConnecting)
}

// destroy is terminal: the run loop exits after the current closure.
func (c *Conn) destroy(reason error) {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.reason = reason

	c.stopHealth()
	c.stopReconnectTimer()
	if c.netConn != nil {
		c.netConn.Close()
		c.netConn = nil
	}
	c.cancel()

	c.rejectAll(rejectReason(reason))
	c.releaseWaiters(reason)

	c.setState(StateClosed)
	if errors.Is(reason, ErrShuttingDown) {
		c.log.Debug("connection closed", "reason", reason)
	} else {
		c.log.Info("connection destroyed", "reason", reason)
	}
}

func (c *Conn) releaseWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

// endpointExists reports whether the endpoint file is still present.
func (c *Conn) endpointExists() bool {
	_, err := os.Stat(c.endpoint)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
