package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/cubent/usagemeter/internal/meter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("expected memory driver, got %s", cfg.Store.Driver)
	}
	if cfg.GRPCAddr() != "127.0.0.1:7420" {
		t.Errorf("unexpected grpc addr %s", cfg.GRPCAddr())
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
store:
  driver: sqlite
  path: /tmp/meter.db
meter:
  reset_timezone: Europe/Berlin
  stale_after: 10m
  reclaim_policy: commit
alerts:
  warning_threshold: 0.9
daemon:
  http_port: 9000
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Meter.StaleAfter)
	assert.Equal(t, 0.9, cfg.Alerts.WarningThreshold)
	assert.Equal(t, 9000, cfg.Daemon.HTTPPort)
	assert.Equal(t, 7420, cfg.Daemon.GRPCPort, "unset keys keep defaults")

	mc, err := cfg.MeterConfig()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", mc.Location.String())
	assert.Equal(t, meter.ReclaimCommit, mc.ReclaimPolicy)
	assert.Equal(t, 3, mc.PersistRetries)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0o644))

	t.Setenv("USAGEMETER_STORE_DRIVER", "redis")
	t.Setenv("USAGEMETER_STORE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("USAGEMETER_METER_SWEEP_INTERVAL", "15s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.RedisURL)
	assert.Equal(t, 15*time.Second, cfg.Meter.SweepInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = "file"
	cfg.Meter.ResetTimezone = "Mars/Olympus"
	cfg.Meter.ReclaimPolicy = "keep"
	cfg.Alerts.WarningThreshold = 1.5
	cfg.Daemon.HTTPPort = cfg.Daemon.GRPCPort

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"store.path", "meter.reset_timezone", "meter.reclaim_policy", "alerts.warning_threshold", "daemon.http_port"} {
		assert.Contains(t, err.Error(), field)
	}

	_, err = cfg.MeterConfig()
	require.Error(t, err)
}
