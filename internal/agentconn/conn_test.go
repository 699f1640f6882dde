package agentconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"grimm.is/vmlink/internal/protocol"
)

func TestConn_ServiceListRoundTrip(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, func(o *Options) {
		o.NewID = func() string { return "cmd-1" }
	})
	side := agent.accept(t)
	h.waitConnected(t)

	type reply struct {
		res *protocol.Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := h.conn.Send(context.Background(), protocol.SafeCommand{
			Name: protocol.ActionServiceList,
			Wait: 5 * time.Second,
		})
		done <- reply{res, err}
	}()

	assert.Equal(t,
		`{"type":"SafeCommand","id":"cmd-1","command_type":{"action":"ServiceList"},"params":null,"timeout":5}`,
		side.readLine(t))

	side.send(t, `{"type":"response","id":"cmd-1","success":true,"exit_code":0,"stdout":"[{\"name\":\"sshd\",\"status\":\"running\",\"active\":true}]"}`)

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.res.Success)
	assert.Equal(t, "cmd-1", r.res.ID)

	services, err := protocol.DecodeData[[]protocol.ServiceInfo](r.res)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "sshd", services[0].Name)

	assert.Zero(t, h.conn.Stats().Pending)
	assert.Equal(t, []Outcome{OutcomeSuccess}, h.obs.completed())
}

func TestConn_FailedResponseIsNotAnError(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	side := agent.accept(t)
	h.waitConnected(t)

	go func() {
		cmd := side.readCommand(t)
		side.send(t, map[string]any{"id": cmd["id"], "success": false, "exit_code": 1, "stderr": "nope"})
	}()

	res, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: "false", Wait: time.Second})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 1, *res.ExitCode)
	assert.Equal(t, []Outcome{OutcomeFailure}, h.obs.completed())
}

func TestConn_ConcurrentCommandsRouteByID(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	side := agent.accept(t)
	h.waitConnected(t)

	const n = 50

	// Answer in reverse order once everything has arrived.
	go func() {
		cmds := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			cmds = append(cmds, side.readCommand(t))
		}
		for i := n - 1; i >= 0; i-- {
			side.send(t, map[string]any{
				"type":    "response",
				"id":      cmds[i]["id"],
				"success": true,
				"stdout":  cmds[i]["raw_command"],
			})
		}
	}()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := fmt.Sprintf("echo %d", i)
			res, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: raw, Wait: 10 * time.Second})
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, raw, *res.Stdout)
			mu.Lock()
			ids[res.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, n)
	assert.Zero(t, h.conn.Stats().Pending)
}

func TestConn_IDCollisionRegenerates(t *testing.T) {
	agent := newFakeAgent(t)
	var calls atomic.Int32
	h := newHarness(t, agent.path, unixDialer, func(o *Options) {
		o.NewID = func() string {
			if calls.Add(1) <= 2 {
				return "same"
			}
			return "other"
		}
	})
	agent.accept(t)
	h.waitConnected(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.conn.Send(ctx, protocol.UnsafeCommand{RawCommand: "a", Wait: time.Minute})
	h.waitPending(t, 1)
	go h.conn.Send(ctx, protocol.UnsafeCommand{RawCommand: "b", Wait: time.Minute})
	h.waitPending(t, 2)

	assert.Equal(t, []string{"other", "same"}, h.conn.Stats().PendingIDs)
}

func TestConn_TimeoutFiresExactlyOnce(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	side := agent.accept(t)
	h.waitConnected(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.conn.Send(context.Background(), protocol.SafeCommand{Name: protocol.ActionSystemInfo, Wait: 5 * time.Second})
		errc <- err
	}()
	cmd := side.readCommand(t)
	h.waitPending(t, 1)

	h.clock.Advance(4 * time.Second)
	h.conn.Stats()
	select {
	case err := <-errc:
		t.Fatalf("completed early: %v", err)
	default:
	}

	h.clock.Advance(time.Second)
	err := <-errc
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "5s")

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cmd["id"], cerr.ID)
	assert.Equal(t, "vm-1", cerr.VMID)

	// A late reply is dropped.
	side.send(t, map[string]any{"type": "response", "id": cmd["id"], "success": true})
	h.clock.Advance(time.Minute)

	st := h.conn.Stats()
	assert.Zero(t, st.Pending)
	assert.EqualValues(t, 1, st.Timeouts)
	assert.Equal(t, []Outcome{OutcomeTimeout}, h.obs.completed())
}

func TestConn_ResponseBeforeDeadlineStopsTimer(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	side := agent.accept(t)
	h.waitConnected(t)

	before := h.clock.Pending()
	go func() {
		cmd := side.readCommand(t)
		side.send(t, map[string]any{"type": "response", "id": cmd["id"], "success": true})
	}()
	_, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: "true", Wait: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, before, h.clock.Pending())
}

func TestConn_SendWhileDisconnected(t *testing.T) {
	dir := shortTempDir(t)
	endpoint := filepath.Join(dir, "vm-1.sock")
	require.NoError(t, os.WriteFile(endpoint, nil, 0o600))

	h := newHarness(t, endpoint, unixDialer, nil)
	h.waitScheduled(t, 1)

	_, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: "uptime"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConn_UnknownActionWritesNothing(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	side := agent.accept(t)
	h.waitConnected(t)

	_, err := h.conn.Send(context.Background(), protocol.SafeCommand{Name: "RebootHost"})
	require.ErrorIs(t, err, ErrUnknownAction)

	side.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	_, rerr := side.conn.Read(buf)
	var nerr net.Error
	require.ErrorAs(t, rerr, &nerr)
	assert.True(t, nerr.Timeout())
}

func TestConn_CancelViaContext(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	agent.accept(t)
	h.waitConnected(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.conn.Send(ctx, protocol.UnsafeCommand{RawCommand: "sleep 100", Wait: time.Hour})
		errc <- err
	}()
	h.waitPending(t, 1)
	cancel()

	assert.ErrorIs(t, <-errc, ErrCancelled)
	assert.Zero(t, h.conn.Stats().Pending)
}

func TestConn_CancelByID(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	agent.accept(t)
	h.waitConnected(t)

	errc := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: "sleep 100", Wait: time.Hour})
			errc <- err
		}()
	}
	h.waitPending(t, 2)

	ids := h.conn.Stats().PendingIDs
	assert.True(t, h.conn.Cancel(ids[0]))
	assert.False(t, h.conn.Cancel(ids[0]))
	assert.ErrorIs(t, <-errc, ErrCancelled)

	assert.Equal(t, 1, h.conn.CancelAll())
	assert.ErrorIs(t, <-errc, ErrCancelled)
	assert.Zero(t, h.conn.CancelAll())
}

func TestConn_DestroyRejectsEveryPending(t *testing.T) {
	agent := newFakeAgent(t)
	var destroyed atomic.Int32
	h := newHarness(t, agent.path, unixDialer, func(o *Options) {
		o.OnDestroyed = func(*Conn, error) { destroyed.Add(1) }
	})
	agent.accept(t)
	h.waitConnected(t)

	const p = 3
	errc := make(chan error, p)
	for i := 0; i < p; i++ {
		go func() {
			_, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: "sleep", Wait: time.Hour})
			errc <- err
		}()
	}
	h.waitPending(t, p)

	h.conn.Close(ErrShuttingDown)

	seen := map[string]bool{}
	for i := 0; i < p; i++ {
		err := <-errc
		require.ErrorIs(t, err, ErrShuttingDown)
		var cerr *CommandError
		require.ErrorAs(t, err, &cerr)
		assert.NotEmpty(t, cerr.ID)
		seen[cerr.ID] = true
	}
	assert.Len(t, seen, p)
	assert.Equal(t, StateClosed, h.conn.State())
	assert.ErrorIs(t, h.conn.Err(), ErrShuttingDown)

	// Close again is a no-op, and the hook ran once.
	h.conn.Close(ErrShuttingDown)
	require.Eventually(t, func() bool { return destroyed.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: "late"})
	assert.True(t, errors.Is(err, ErrShuttingDown) || errors.Is(err, ErrNotConnected))
}

func TestConn_RoutesUnsolicitedMessages(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	side := agent.accept(t)
	h.waitConnected(t)

	h.sink.mu.Lock()
	h.sink.panicOn = "telemetry"
	h.sink.mu.Unlock()
	side.send(t, `{"type":"metrics","cpu":0.25}`)
	side.send(t, `not json at all`)
	side.send(t, `{"type":"error","message":"disk failing"}`)

	go func() {
		cmd := side.readCommand(t)
		side.send(t, map[string]any{"type": "response", "id": cmd["id"], "success": true, "stdout": `{"status":"ok"}`})
	}()
	res, err := h.conn.Send(context.Background(), protocol.SafeCommand{
		Name:   protocol.ActionCheckDiskSpace,
		Params: protocol.CheckDiskSpaceParams{Path: "/"},
		Wait:   time.Second,
	})
	require.NoError(t, err)

	check, err := protocol.DecodeData[protocol.CheckOutcome](res)
	require.NoError(t, err)
	assert.Equal(t, "ok", check.Status)

	telemetry, asyncErrs, checks := h.sink.counts()
	assert.Equal(t, 1, telemetry)
	assert.Equal(t, 1, asyncErrs)
	assert.Equal(t, 1, checks)
	assert.EqualValues(t, 1, h.conn.Stats().ProtocolErrors)
	assert.True(t, h.conn.IsConnected())
	assert.Contains(t, h.logs.String(), "callback panicked")
}

type panickingObserver struct {
	NopObserver
	calls atomic.Int32
}

func (o *panickingObserver) ConnectionState(string, State) {
	o.calls.Add(1)
	panic("state observer")
}

func (o *panickingObserver) CommandCompleted(string, string, Outcome, time.Duration) {
	o.calls.Add(1)
	panic("command observer")
}

func (o *panickingObserver) MessageReceived(string, protocol.MessageType) {
	o.calls.Add(1)
	panic("message observer")
}

func TestConn_ObserverPanicIsContained(t *testing.T) {
	agent := newFakeAgent(t)
	obs := &panickingObserver{}
	h := newHarness(t, agent.path, unixDialer, func(o *Options) { o.Observer = obs })
	side := agent.accept(t)
	h.waitConnected(t)

	go func() {
		cmd := side.readCommand(t)
		side.send(t, map[string]any{"type": "response", "id": cmd["id"], "success": true, "stdout": "done"})
	}()
	res, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: "true", Wait: time.Second})
	require.NoError(t, err)
	require.NotNil(t, res.Stdout)
	assert.Equal(t, "done", *res.Stdout)

	assert.True(t, h.conn.IsConnected())
	assert.Zero(t, h.conn.Stats().Pending)
	assert.GreaterOrEqual(t, obs.calls.Load(), int32(3))
	logs := h.logs.String()
	assert.Contains(t, logs, "hook=observer.ConnectionState")
	assert.Contains(t, logs, "hook=observer.CommandCompleted")
}

func TestConn_ReconnectBackoffAndCap(t *testing.T) {
	dir := shortTempDir(t)
	endpoint := filepath.Join(dir, "vm-1.sock")
	require.NoError(t, os.WriteFile(endpoint, nil, 0o600))

	refused := dialerFunc(func(context.Context, string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: "unix", Err: os.NewSyscallError("connect", unix.ECONNREFUSED)}
	})
	h := newHarness(t, endpoint, refused, nil)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, d := range want {
		h.waitScheduled(t, i+1)
		h.clock.Advance(d)
	}

	select {
	case <-h.conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not destroyed")
	}
	assert.ErrorIs(t, h.conn.Err(), ErrMaxReconnectAttempts)
	assert.Equal(t, want, h.obs.scheduled())

	// Repeated ECONNREFUSED: one warning, one "still failing" notice.
	logs := h.logs.String()
	assert.Equal(t, 1, strings.Count(logs, "[warn] agentconn[vm-1]: connect failed"))
	assert.Equal(t, 1, strings.Count(logs, "[warn] agentconn[vm-1]: still failing"))
	assert.Contains(t, logs, "count=10")
	assert.Contains(t, logs, "[debug] agentconn[vm-1]: connect failed")
}

func TestConn_BackoffResetsAfterConnect(t *testing.T) {
	agent := newFakeAgent(t)

	var failures atomic.Int32
	failures.Store(2)
	flaky := dialerFunc(func(ctx context.Context, endpoint string) (net.Conn, error) {
		if failures.Add(-1) >= 0 {
			return nil, os.NewSyscallError("connect", unix.ECONNREFUSED)
		}
		return unixDialer(ctx, endpoint)
	})
	h := newHarness(t, agent.path, flaky, nil)

	h.waitScheduled(t, 1)
	h.clock.Advance(time.Second)
	h.waitScheduled(t, 2)
	h.clock.Advance(2 * time.Second)

	side := agent.accept(t)
	h.waitConnected(t)
	assert.Zero(t, h.conn.Stats().ReconnectAttempts)

	side.conn.Close()
	h.waitScheduled(t, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, h.obs.scheduled())

	h.clock.Advance(time.Second)
	agent.accept(t)
	h.waitConnected(t)
}

func TestConn_EndpointRemovedDestroys(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	side := agent.accept(t)
	h.waitConnected(t)

	errc := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.conn.Send(context.Background(), protocol.UnsafeCommand{RawCommand: "x", Wait: time.Hour})
			errc <- err
		}()
	}
	h.waitPending(t, 2)

	require.NoError(t, os.Remove(agent.path))
	side.conn.Close()
	h.waitScheduled(t, 1)
	h.clock.Advance(time.Second)

	for i := 0; i < 2; i++ {
		err := <-errc
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, ErrEndpointRemoved)
	}
	<-h.conn.Done()
	assert.ErrorIs(t, h.conn.Err(), ErrEndpointRemoved)
}

func TestConn_StaleSessionReconnects(t *testing.T) {
	agent := newFakeAgent(t)
	h := newHarness(t, agent.path, unixDialer, nil)
	side := agent.accept(t)
	h.waitConnected(t)

	// 90s of silence is still within the threshold.
	for i := 0; i < 3; i++ {
		h.clock.Advance(30 * time.Second)
		h.conn.Stats()
	}
	assert.True(t, h.conn.IsConnected())
	assert.Zero(t, h.obs.staleCount())

	// Traffic resets the idle window.
	side.send(t, `{"type":"metrics"}`)
	require.Eventually(t, func() bool {
		return h.conn.Stats().LastMessageAt.Equal(epoch.Add(90 * time.Second))
	}, 5*time.Second, 5*time.Millisecond)
	h.clock.Advance(30 * time.Second)
	h.conn.Stats()
	assert.True(t, h.conn.IsConnected())

	// Then silence past the threshold.
	for i := 0; i < 3; i++ {
		h.clock.Advance(30 * time.Second)
		h.conn.Stats()
	}
	require.Eventually(t, func() bool { return h.obs.staleCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, h.conn.IsConnected())

	// The agent sees its side closed, and the next attempt reconnects.
	side.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := side.r.ReadByte()
	assert.Error(t, err)

	h.waitScheduled(t, 1)
	h.clock.Advance(time.Second)
	agent.accept(t)
	h.waitConnected(t)
}

func TestConn_WaitConnectedAfterDestroy(t *testing.T) {
	dir := shortTempDir(t)
	endpoint := filepath.Join(dir, "missing.sock")

	h := newHarness(t, endpoint, unixDialer, nil)
	h.waitScheduled(t, 1)
	h.clock.Advance(time.Second)

	err := h.conn.WaitConnected(context.Background())
	assert.ErrorIs(t, err, ErrEndpointRemoved)
}
