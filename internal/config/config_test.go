package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "airgrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Net.IOTimeout)
	assert.Equal(t, 64, cfg.Net.MaxConns)
	assert.Equal(t, ":12345", cfg.Registry.Listen)
	assert.Equal(t, "192.168.1.104", cfg.Registry.ElectionSeed)
	assert.Equal(t, ":12459", cfg.Coordinator.Listen)
	assert.Equal(t, 0.8, cfg.Coordinator.Capacity)
	assert.Equal(t, time.Minute, cfg.Coordinator.PendingTTL)
	assert.Equal(t, ":12346", cfg.Worker.Listen)
	assert.Equal(t, 0.7, cfg.Worker.Capacity)
	assert.Equal(t, "127.0.0.1:12459", cfg.Worker.Coordinator)
	assert.Empty(t, cfg.Admin.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
net:
  io_timeout: 2s
worker:
  listen: ":13000"
  coordinator: "10.0.0.2:12459"
  capacity: 0.5
admin:
  addr: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Net.IOTimeout)
	assert.Equal(t, 5*time.Second, cfg.Net.DialTimeout)
	assert.Equal(t, ":13000", cfg.Worker.Listen)
	assert.Equal(t, "10.0.0.2:12459", cfg.Worker.Coordinator)
	assert.Equal(t, 0.5, cfg.Worker.Capacity)
	assert.Equal(t, ":9100", cfg.Admin.Addr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "worker:\n  listen: \":13000\"\n")
	t.Setenv("AIRGRID_WORKER_LISTEN", ":14000")
	t.Setenv("AIRGRID_NET_MAX_CONNS", "8")
	t.Setenv("AIRGRID_COORDINATOR_PENDING_TTL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":14000", cfg.Worker.Listen)
	assert.Equal(t, 8, cfg.Net.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.PendingTTL)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "bad level", data: "log:\n  level: loud\n", want: "log.level"},
		{name: "capacity above one", data: "worker:\n  capacity: 1.5\n", want: "worker.capacity"},
		{name: "negative capacity", data: "coordinator:\n  capacity: -0.1\n", want: "coordinator.capacity"},
		{name: "zero max conns", data: "net:\n  max_conns: 0\n", want: "net.max_conns"},
		{name: "empty listen", data: "registry:\n  listen: \"\"\n", want: "registry.listen"},
		{name: "not yaml", data: "log: [", want: "failed to read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestYAMLLoadsBack verifies -print-config output is itself a valid config file
func TestYAMLLoadsBack(t *testing.T) {
	path := writeConfig(t, "coordinator:\n  pending_ttl: 90s\nnet:\n  io_timeout: 1500ms\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "pending_ttl: 1m30s")
	assert.Contains(t, string(out), "io_timeout: 1.5s")

	again, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
