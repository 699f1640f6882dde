package agentconn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/logging"
	"grimm.is/vmlink/internal/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type dialerFunc func(ctx context.Context, endpoint string) (net.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	return f(ctx, endpoint)
}

var unixDialer = dialerFunc(func(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", endpoint)
})

// shortTempDir keeps socket paths under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "vl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// fakeAgent listens on a unix socket and hands accepted sessions to the test.
type fakeAgent struct {
	path  string
	ln    net.Listener
	conns chan *agentSide
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	path := filepath.Join(shortTempDir(t), "vm-1.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	a := &fakeAgent{path: path, ln: ln, conns: make(chan *agentSide, 8)}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			a.conns <- &agentSide{conn: nc, r: bufio.NewReader(nc)}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return a
}

func (a *fakeAgent) accept(t *testing.T) *agentSide {
	t.Helper()
	select {
	case s := <-a.conns:
		t.Cleanup(func() { s.conn.Close() })
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("agent never saw a connection")
		return nil
	}
}

type agentSide struct {
	conn net.Conn
	r    *bufio.Reader
}

// readLine returns the next raw command line, without the newline.
func (s *agentSide) readLine(t *testing.T) string {
	t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func (s *agentSide) readCommand(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s.readLine(t)), &m))
	return m
}

func (s *agentSide) send(t *testing.T, v any) {
	t.Helper()
	var line []byte
	switch x := v.(type) {
	case string:
		line = []byte(x)
	default:
		var err error
		line, err = json.Marshal(v)
		require.NoError(t, err)
	}
	_, err := s.conn.Write(append(line, '\n'))
	require.NoError(t, err)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingObserver struct {
	NopObserver

	mu       sync.Mutex
	states   []State
	delays   []time.Duration
	outcomes []Outcome
	stale    int
	protoErr int
}

func (o *recordingObserver) ConnectionState(_ string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) ReconnectScheduled(_ string, _ int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays = append(o.delays, d)
}

func (o *recordingObserver) CommandCompleted(_ string, _ string, out Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
}

func (o *recordingObserver) SessionStale(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale++
}

func (o *recordingObserver) ProtocolError(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.protoErr++
}

func (o *recordingObserver) scheduled() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Duration(nil), o.delays...)
}

func (o *recordingObserver) completed() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.outcomes...)
}

func (o *recordingObserver) staleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stale
}

type recordingSink struct {
	mu        sync.Mutex
	telemetry []string
	errors    []string
	checks    []protocol.Action
	panicOn   string
}

func (s *recordingSink) OnTelemetry(_ string, payload json.RawMessage) {
	s.mu.Lock()
	s.telemetry = append(s.telemetry, string(payload))
	explode := s.panicOn == "telemetry"
	s.mu.Unlock()
	if explode {
		panic("sink exploded")
	}
}

func (s *recordingSink) OnAsyncError(_ string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, string(payload))
}

func (s *recordingSink) OnAutoCheckSignal(_ string, action protocol.Action, _ bool, _ json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, action)
}

func (s *recordingSink) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.telemetry), len(s.errors), len(s.checks)
}

type harness struct {
	conn  *Conn
	clock *clock.MockClock
	obs   *recordingObserver
	sink  *recordingSink
	logs  *syncBuffer
}

func newHarness(t *testing.T, endpoint string, dialer Dialer, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		clock: clock.NewMockClock(epoch),
		obs:   &recordingObserver{},
		sink:  &recordingSink{},
		logs:  &syncBuffer{},
	}
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: h.logs})
	opts := Options{
		VMID:     "vm-1",
		Endpoint: endpoint,
		Config:   DefaultConfig(),
		Dialer:   dialer,
		Clock:    h.clock,
		Logger:   logger,
		Sink:     h.sink,
		Observer: h.obs,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.conn = New(opts)
	t.Cleanup(func() { h.conn.Close(ErrShuttingDown) })
	return h
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.conn.WaitConnected(ctx))
}

func (h *harness) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.conn.Stats().Pending == n
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) waitScheduled(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.obs.scheduled()) >= n
	}, 5*time.Second, 5*time.Millisecond)
}
