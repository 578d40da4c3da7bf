package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "netmetrics.db", cfg.Store.SQLitePath)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 900, cfg.Pipeline.StaleAfterSecs)
	assert.Equal(t, 60, cfg.Pipeline.HeartbeatSecs)
	assert.Equal(t, 3, cfg.Pipeline.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Pipeline.Retry.InitialBackoffMs)
	assert.InDelta(t, 2.0, cfg.Pipeline.Retry.Multiplier, 0.001)
	assert.InDelta(t, 1.0, cfg.Network.ToleranceM, 0.001)
	assert.Equal(t, []string{"motorway", "parkingAisle"}, cfg.Network.DropClasses)
	assert.Equal(t, []string{"is_tunnel"}, cfg.Network.DropFlags)
	assert.Equal(t, 3035, cfg.Network.SRID)
	assert.InDelta(t, 10000, cfg.Ingest.BufferM, 0.001)
	assert.Equal(t, "us-east-1", cfg.Ingest.S3.Region)
	assert.Equal(t, []float64{500, 1000, 2000}, cfg.Metrics.Centrality.Distances)
	assert.Equal(t, 4, cfg.Metrics.Population.Neighbors)
	assert.Equal(t, []float64{100, 500, 1500}, cfg.Metrics.Morphology.Distances)
	assert.Equal(t, []string{"structure_and_geography", "mass_media"}, cfg.Metrics.Places.Exclude)
	assert.InDelta(t, 1500, cfg.Metrics.BufferFor("places"), 0.001)
	assert.InDelta(t, 2000, cfg.Metrics.BufferFor("centrality"), 0.001)
	assert.InDelta(t, 500, cfg.Metrics.BufferFor("population"), 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /data/run.db
log:
  level: debug
  format: console
pipeline:
  workers: 6
  stale_after_secs: 120
network:
  tolerance_m: 0.5
metrics:
  buffer_m:
    default: 750
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/data/run.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 6, cfg.Pipeline.WorkerCount())
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.StaleAfter())
	assert.InDelta(t, 0.5, cfg.Network.ToleranceM, 0.001)
	assert.InDelta(t, 750, cfg.Metrics.BufferFor("unknown"), 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Pipeline.HeartbeatSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("NETMETRICS_STORE_DRIVER", "postgres")
	t.Setenv("NETMETRICS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("NETMETRICS_SERVER_PORT", "3000")
	t.Setenv("NETMETRICS_PIPELINE_RETRY_MAX_ATTEMPTS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Pipeline.Retry.MaxAttempts)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestWorkerCountDefaultsToCPUs(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), PipelineConfig{}.WorkerCount())
	assert.Equal(t, 3, PipelineConfig{Workers: 3}.WorkerCount())
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "netmetrics.db"
	cfg.Pipeline.StaleAfterSecs = 900
	cfg.Pipeline.HeartbeatSecs = 60
	cfg.Pipeline.Retry.MaxAttempts = 3
	cfg.Network.ToleranceM = 1
	cfg.Server.Port = 8080
	return cfg
}

func TestValidatePipeline_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("pipeline"))
}

func TestValidateStore_PostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("store")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/netmetrics"
	assert.NoError(t, cfg.Validate("store"))
}

func TestValidateStore_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("store")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidatePipeline_Bounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Pipeline.HeartbeatSecs = 900
	err := cfg.Validate("pipeline")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_secs")

	cfg.Pipeline.HeartbeatSecs = 60
	cfg.Pipeline.Retry.MaxAttempts = 0
	err = cfg.Validate("pipeline")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")

	cfg.Pipeline.Retry.MaxAttempts = 3
	cfg.Network.ToleranceM = 0
	err = cfg.Validate("pipeline")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tolerance_m")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
