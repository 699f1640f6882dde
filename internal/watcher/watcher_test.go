package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/logging"
)

func startWatcher(t *testing.T) (*Watcher, *clock.MockClock, string) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := New(Config{Dir: dir, Suffix: "sock"}, clk, logging.Discard())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w, clk, dir
}

// settleFS waits for fsnotify to deliver what it has and arm the debounce.
func settleFS(t *testing.T, clk *clock.MockClock, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return clk.Pending() == want }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
}

func recv(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no watcher event")
		return Event{}
	}
}

func noEvent(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseEndpointName(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"vm-1.sock", "vm-1", true},
		{"/run/agents/1234.sock", "1234", true},
		{"a.b.sock", "a.b", true},
		{".sock", "", false},
		{"..sock", "", false},
		{"vm-1.sock.tmp", "", false},
		{"vm-1", "", false},
	}
	for _, tt := range tests {
		id, ok := ParseEndpointName(tt.name, "sock")
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.id, id, tt.name)
	}
}

func TestWatcher_InitialScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vm-a.sock"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600))

	clk := clock.NewMockClock(time.Now())
	w := New(Config{Dir: dir, Suffix: ".sock"}, clk, logging.Discard())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, 1, clk.Pending())
	clk.Advance(DefaultDebounce)

	ev := recv(t, w)
	assert.Equal(t, Added, ev.Kind)
	assert.Equal(t, "vm-a", ev.VMID)
	assert.Equal(t, filepath.Join(dir, "vm-a.sock"), ev.Path)
	assert.Equal(t, ev.Path, w.EndpointPath("vm-a"))
}

func TestWatcher_DebouncesCreate(t *testing.T) {
	w, clk, dir := startWatcher(t)

	path := filepath.Join(dir, "vm-b.sock")
	require.NoError(t, os.WriteFile(path, []byte("3"), 0o600))
	settleFS(t, clk, 1)

	clk.Advance(200 * time.Millisecond)
	noEvent(t, w)

	// More activity restarts the window.
	require.NoError(t, os.WriteFile(path, []byte("4"), 0o600))
	time.Sleep(50 * time.Millisecond)
	clk.Advance(100 * time.Millisecond)
	noEvent(t, w)

	clk.Advance(DefaultDebounce)
	ev := recv(t, w)
	assert.Equal(t, Added, ev.Kind)
	assert.Equal(t, "vm-b", ev.VMID)
	noEvent(t, w)
}

func TestWatcher_Remove(t *testing.T) {
	w, clk, dir := startWatcher(t)

	path := filepath.Join(dir, "vm-c.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	settleFS(t, clk, 1)
	clk.Advance(DefaultDebounce)
	assert.Equal(t, Added, recv(t, w).Kind)

	require.NoError(t, os.Remove(path))
	ev := recv(t, w)
	assert.Equal(t, Removed, ev.Kind)
	assert.Equal(t, "vm-c", ev.VMID)
}

func TestWatcher_RemovedBeforeSettling(t *testing.T) {
	w, clk, dir := startWatcher(t)

	path := filepath.Join(dir, "vm-d.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	settleFS(t, clk, 1)
	require.NoError(t, os.Remove(path))

	assert.Equal(t, Removed, recv(t, w).Kind)
	clk.Advance(time.Second)
	noEvent(t, w)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	w, clk, dir := startWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "vm-e.pid"), nil, 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, clk.Pending())
	noEvent(t, w)
}

func TestWatcher_StopClosesEvents(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{Dir: dir, Suffix: "sock"}, nil, logging.Discard())
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
	_, ok := <-w.Events()
	assert.False(t, ok)
}
