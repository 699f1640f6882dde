package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vmlink/internal/config"
	"grimm.is/vmlink/internal/events"
	"grimm.is/vmlink/internal/health"
	"grimm.is/vmlink/internal/logging"
	"grimm.is/vmlink/internal/protocol"
	"grimm.is/vmlink/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "vd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.EndpointDir = filepath.Join(dir, "agents")
	cfg.Database = filepath.Join(dir, "state", "vmlink.db")
	cfg.MetricsListen = "127.0.0.1:0"
	cfg.Debounce = "20ms"
	cfg.Inventory.VMs = []string{"vm-1"}
	require.NoError(t, cfg.Validate())
	return cfg
}

// serveAgent answers every command on path with a successful response.
func serveAgent(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadBytes('\n')
					if err != nil {
						return
					}
					var cmd map[string]any
					if json.Unmarshal(line, &cmd) != nil {
						return
					}
					telemetry, _ := json.Marshal(map[string]any{"type": "metrics", "cpu": 12})
					resp, _ := json.Marshal(map[string]any{
						"type":    "response",
						"id":      cmd["id"],
						"success": true,
						"stdout":  `[{"name":"sshd","status":"running","active":true}]`,
					})
					c.Write(append(append(telemetry, '\n'), append(resp, '\n')...))
				}
			}(c)
		}
	}()
}

func TestDaemon_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			d.Stop(context.Background())
		}
	})

	ok, err := d.Store().VmExists(context.Background(), "vm-1")
	require.NoError(t, err)
	require.True(t, ok, "inventory seeded from config")

	serveAgent(t, filepath.Join(cfg.EndpointDir, "vm-1.sock"))
	require.Eventually(t, func() bool { return d.Registry().IsConnected("vm-1") }, 5*time.Second, 10*time.Millisecond)

	res, err := d.Registry().SendSafeCommand(context.Background(), "vm-1", protocol.ActionServiceList, nil, 5*time.Second)
	require.NoError(t, err)
	services, err := protocol.DecodeData[[]protocol.ServiceInfo](res)
	require.NoError(t, err)
	assert.Equal(t, "sshd", services[0].Name)

	base := "http://" + d.MetricsAddr()
	require.Eventually(t, func() bool {
		return strings.Contains(get(t, base+"/metrics"), `vmlink_commands_total{action="ServiceList",outcome="success"} 1`)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, get(t, base+"/metrics"), "go_goroutines")

	var report health.Report
	require.NoError(t, json.Unmarshal([]byte(get(t, base+"/healthz")), &report))
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, "1/1 connected", report.Checks["agents"].Message)

	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(get(t, base+"/tasks")), &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "journal-prune", tasks[0]["id"])
	assert.Equal(t, "metrics-collection", tasks[1]["id"])

	resp, err := http.Post(base+"/tasks/nope/run", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var conns []map[string]any
	require.NoError(t, json.Unmarshal([]byte(get(t, base+"/connections")), &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "vm-1", conns[0]["vm_id"])

	d.Recorder().Flush(context.Background())
	entries, err := d.Store().Events(context.Background(), store.Query{VMID: "vm-1", Type: string(events.EventTelemetry)})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	stopped = true
	require.NoError(t, d.Stop(context.Background()))
	assert.Empty(t, d.MetricsAddr())
}

func TestDaemon_UnknownVMIgnored(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inventory.VMs = nil
	cfg.MetricsListen = ""
	cfg.Journal.Disabled = true

	d, err := New(cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	assert.Nil(t, d.Recorder())
	assert.Empty(t, d.MetricsAddr())

	serveAgent(t, filepath.Join(cfg.EndpointDir, "vm-9.sock"))
	time.Sleep(200 * time.Millisecond)
	assert.False(t, d.Registry().IsConnected("vm-9"))
	assert.Empty(t, d.Registry().AllStats())
}

func TestDaemon_AllowUnknown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inventory.VMs = nil
	cfg.Inventory.AllowUnknown = true
	cfg.MetricsListen = ""

	d, err := New(cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	serveAgent(t, filepath.Join(cfg.EndpointDir, "vm-7.sock"))
	require.Eventually(t, func() bool { return d.Registry().IsConnected("vm-7") }, 5*time.Second, 10*time.Millisecond)
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inventory.VMs = nil
	cfg.MetricsListen = ""
	d, err := New(cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, 5*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNew_BadTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport = "carrier-pigeon"
	_, err := New(cfg, Options{Logger: logging.Discard()})
	require.Error(t, err)
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
