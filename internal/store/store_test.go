package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/events"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func openTest(t *testing.T) (*Store, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(epoch)
	opts := DefaultOptions(filepath.Join(t.TempDir(), "db", "vmlink.db"))
	opts.Clock = clk
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func TestInventory(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	ok, err := s.VmExists(ctx, "vm-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutVM(ctx, "vm-2", "builder"))
	require.NoError(t, s.PutVM(ctx, "vm-1", ""))
	require.NoError(t, s.PutVM(ctx, "vm-1", "web"))

	ok, err = s.VmExists(ctx, "vm-1")
	require.NoError(t, err)
	assert.True(t, ok)

	vms, err := s.ListVMs(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 2)
	assert.Equal(t, "vm-1", vms[0].ID)
	assert.Equal(t, "web", vms[0].Description)
	assert.True(t, vms[0].AddedAt.Equal(epoch))

	require.NoError(t, s.DeleteVM(ctx, "vm-1"))
	err = s.DeleteVM(ctx, "vm-1")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	assert.Error(t, s.PutVM(ctx, "", "x"))
}

func TestJournalWriteAndQuery(t *testing.T) {
	s, clk := openTest(t)
	ctx := context.Background()

	batch := []events.Event{
		{Type: events.EventTelemetry, VMID: "vm-1", Timestamp: epoch, Data: events.PayloadData{Payload: json.RawMessage(`{"cpu":3}`)}},
		{Type: events.EventConnectionState, VMID: "vm-2", Timestamp: epoch.Add(time.Second), Data: events.StateData{State: "connected"}},
		{Type: events.EventSessionStale, VMID: "vm-1"},
	}
	require.NoError(t, s.WriteEvents(ctx, batch))

	all, err := s.Events(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "conn.state", all[0].Type)

	vm1, err := s.Events(ctx, Query{VMID: "vm-1"})
	require.NoError(t, err)
	require.Len(t, vm1, 2)
	assert.JSONEq(t, `{"payload":{"cpu":3}}`, string(vm1[1].Data))
	assert.Nil(t, vm1[0].Data)

	limited, err := s.Events(ctx, Query{Type: string(events.EventTelemetry), Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	clk.Advance(time.Hour)
	since, err := s.Events(ctx, Query{Since: epoch.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestJournalPrune(t *testing.T) {
	s, clk := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.WriteEvents(ctx, []events.Event{
		{Type: events.EventTelemetry, VMID: "vm-1", Timestamp: epoch},
		{Type: events.EventTelemetry, VMID: "vm-1", Timestamp: epoch.Add(2 * time.Hour)},
	}))

	clk.Advance(3 * time.Hour)
	n, err := s.Prune(ctx, 90*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Events(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Timestamp.Equal(epoch.Add(2*time.Hour)))
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(Options{Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutVM(context.Background(), "vm-1", ""))
	ok, err := s.VmExists(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
