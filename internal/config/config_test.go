package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, "cli", cfg.Runner.Type)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Signals.TTL)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestValidate_Listen(t *testing.T) {
	cfg := Defaults()
	cfg.Listen = "not-an-address"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")

	cfg.Listen = "0.0.0.0:0"
	require.NoError(t, Validate(cfg))
}

func TestValidatePool(t *testing.T) {
	require.NoError(t, ValidatePool(PoolConfig{Size: 1}))
	require.NoError(t, ValidatePool(PoolConfig{Size: 20}))
	require.Error(t, ValidatePool(PoolConfig{Size: 0}))
	require.Error(t, ValidatePool(PoolConfig{Size: 21}))
}

func TestValidateRunner(t *testing.T) {
	require.NoError(t, ValidateRunner(RunnerConfig{}))
	require.NoError(t, ValidateRunner(RunnerConfig{Type: "cli"}))
	require.NoError(t, ValidateRunner(RunnerConfig{Type: "mock"}))

	err := ValidateRunner(RunnerConfig{Type: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner.type")

	err = ValidateRunner(RunnerConfig{WorkDir: "relative/dir"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestValidateRetry(t *testing.T) {
	good := RetryConfig{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second, Jitter: 0.3}
	require.NoError(t, ValidateRetry(good))

	bad := good
	bad.MaxAttempts = 0
	require.Error(t, ValidateRetry(bad))

	bad = good
	bad.InitialInterval = time.Minute
	require.Error(t, ValidateRetry(bad), "initial interval above max")

	bad = good
	bad.Jitter = 1.5
	require.Error(t, ValidateRetry(bad))
}

func TestValidateSignals(t *testing.T) {
	require.NoError(t, ValidateSignals(SignalsConfig{TTL: time.Second, Capacity: 1}))
	require.Error(t, ValidateSignals(SignalsConfig{TTL: 0, Capacity: 1}))
	require.Error(t, ValidateSignals(SignalsConfig{TTL: time.Second, Capacity: 0}))
}

func TestValidateTracing(t *testing.T) {
	require.NoError(t, ValidateTracing(TracingConfig{SampleRate: 1.0}))
	require.NoError(t, ValidateTracing(TracingConfig{Exporter: "stdout", SampleRate: 0.5}))

	err := ValidateTracing(TracingConfig{SampleRate: 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_rate")

	err = ValidateTracing(TracingConfig{Exporter: "jaeger"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exporter")

	// OTLP endpoint only required once tracing is switched on.
	require.NoError(t, ValidateTracing(TracingConfig{Exporter: "otlp"}))
	err = ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "otlp_endpoint")
}

func TestValidateLog(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		require.NoError(t, ValidateLog(LogConfig{Level: level}))
	}
	require.Error(t, ValidateLog(LogConfig{Level: "verbose"}))
}

func TestLogConfig_MinLevel(t *testing.T) {
	assert.Equal(t, log.LevelDebug, LogConfig{Level: "debug"}.MinLevel())
	assert.Equal(t, log.LevelWarn, LogConfig{Level: "warn"}.MinLevel())
	assert.Equal(t, log.LevelError, LogConfig{Level: "error"}.MinLevel())
	assert.Equal(t, log.LevelInfo, LogConfig{}.MinLevel(), "unset falls back to info")
}

func TestRetryConfig_Policy(t *testing.T) {
	r := RetryConfig{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Minute, Jitter: 0.1}
	p := r.Policy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, time.Minute, p.MaxInterval)
	assert.Equal(t, 0.1, p.Jitter)
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pool:")
	assert.Contains(t, string(data), "retry:")
	assert.Contains(t, string(data), "listen: 127.0.0.1:7433")
}
