// Package config provides configuration types, defaults, and persistence
// for apc.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/pool"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/runner"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/workflow"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/paths"
)

// Config holds all configuration options for apc.
type Config struct {
	// DataDir is the root directory for session folders, workflow state,
	// and the session index database. Default: ~/.apc
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// Listen is the daemon's IPC address (host:port).
	Listen string `mapstructure:"listen" yaml:"listen"`

	// EvalInterval is the coordinator's reconciliation tick. Dispatch and
	// completions also trigger evaluation immediately; this is the backstop.
	EvalInterval time.Duration `mapstructure:"eval_interval" yaml:"eval_interval"`

	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Runner  RunnerConfig  `mapstructure:"runner" yaml:"runner"`
	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Signals SignalsConfig `mapstructure:"signals" yaml:"signals"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// PoolConfig sizes the agent pool.
type PoolConfig struct {
	// Size is the number of concurrently active agents.
	Size int `mapstructure:"size" yaml:"size"`
}

// RunnerConfig selects and configures the agent runner.
type RunnerConfig struct {
	// Type is the runner implementation: "cli" (default) or "mock".
	Type string `mapstructure:"type" yaml:"type"`

	// Command is the argv used to spawn an agent. The prompt arrives on
	// stdin and the workflow context in APC_* environment variables.
	Command []string `mapstructure:"command" yaml:"command"`

	// WorkDir is the working directory for spawned agents.
	// Default: the daemon's working directory.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`

	// Env is extra environment entries for spawned agents, KEY=VALUE.
	Env []string `mapstructure:"env" yaml:"env"`
}

// RetryConfig holds the per-phase retry policy knobs.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Jitter          float64       `mapstructure:"jitter" yaml:"jitter"`
}

// Policy converts the config into the runtime's retry policy.
func (r RetryConfig) Policy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Jitter:          r.Jitter,
	}
}

// SignalsConfig holds completion-signal bus settings.
type SignalsConfig struct {
	// TTL is how long an unconsumed completion signal is retained.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// Capacity bounds the number of retained signals.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <data_dir>/traces/traces.jsonl
	FilePath string `mapstructure:"file_path" yaml:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// LogConfig holds daemon log settings.
type LogConfig struct {
	// Level is the minimum level written: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`

	// File is the log file path. Default: <data_dir>/apc.log
	File string `mapstructure:"file" yaml:"file"`
}

// MinLevel parses the configured level. Unknown values fall back to info.
func (l LogConfig) MinLevel() log.Level {
	switch l.Level {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

// DefaultTracesFilePath returns the default path for trace file export
// under the given data directory.
func DefaultTracesFilePath(dataDir string) string {
	return filepath.Join(dataDir, "traces", "traces.jsonl")
}

// DefaultLogFilePath returns the default daemon log path under the given
// data directory.
func DefaultLogFilePath(dataDir string) string {
	return filepath.Join(dataDir, "apc.log")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	dataDir := paths.DefaultDataDir()
	return Config{
		DataDir:      dataDir,
		Listen:       "127.0.0.1:7433",
		EvalInterval: time.Second,
		Pool: PoolConfig{
			Size: 4,
		},
		Runner: RunnerConfig{
			Type:    string(runner.TypeCLI),
			Command: []string{"claude", "-p"},
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Jitter:          0.3,
		},
		Signals: SignalsConfig{
			TTL:      30 * time.Second,
			Capacity: 256,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // derived from data_dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
			File:  "", // derived from data_dir at runtime
		},
	}
}

// Validate checks the full configuration for errors. Empty values that have
// runtime defaults are valid.
func Validate(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
			return fmt.Errorf("listen must be host:port, got %q: %w", cfg.Listen, err)
		}
	}
	if cfg.EvalInterval < 0 {
		return fmt.Errorf("eval_interval must not be negative, got %v", cfg.EvalInterval)
	}
	if err := ValidatePool(cfg.Pool); err != nil {
		return err
	}
	if err := ValidateRunner(cfg.Runner); err != nil {
		return err
	}
	if err := ValidateRetry(cfg.Retry); err != nil {
		return err
	}
	if err := ValidateSignals(cfg.Signals); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	if err := ValidateLog(cfg.Log); err != nil {
		return err
	}
	return nil
}

// ValidatePool checks pool configuration for errors.
func ValidatePool(p PoolConfig) error {
	if p.Size < pool.MinSize || p.Size > pool.MaxSize {
		return fmt.Errorf("pool.size must be between %d and %d, got %d", pool.MinSize, pool.MaxSize, p.Size)
	}
	return nil
}

// ValidateRunner checks runner configuration for errors.
func ValidateRunner(r RunnerConfig) error {
	switch runner.Type(r.Type) {
	case "", runner.TypeCLI, runner.TypeMock:
	default:
		return fmt.Errorf("runner.type must be %q or %q, got %q", runner.TypeCLI, runner.TypeMock, r.Type)
	}
	if r.WorkDir != "" && !filepath.IsAbs(r.WorkDir) {
		return fmt.Errorf("runner.work_dir must be an absolute path, got %q", r.WorkDir)
	}
	return nil
}

// ValidateRetry checks retry configuration for errors.
func ValidateRetry(r RetryConfig) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.InitialInterval < 0 || r.MaxInterval < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}
	if r.MaxInterval > 0 && r.InitialInterval > r.MaxInterval {
		return fmt.Errorf("retry.initial_interval %v exceeds retry.max_interval %v", r.InitialInterval, r.MaxInterval)
	}
	if r.Jitter < 0.0 || r.Jitter > 1.0 {
		return fmt.Errorf("retry.jitter must be between 0.0 and 1.0, got %v", r.Jitter)
	}
	return nil
}

// ValidateSignals checks signal bus configuration for errors.
func ValidateSignals(s SignalsConfig) error {
	if s.TTL <= 0 {
		return fmt.Errorf("signals.ttl must be positive, got %v", s.TTL)
	}
	if s.Capacity < 1 {
		return fmt.Errorf("signals.capacity must be at least 1, got %d", s.Capacity)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	switch tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
	}

	// Only validate endpoint requirements when tracing is enabled. The file
	// path has a data_dir-derived default, so it may stay empty.
	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// ValidateLog checks log configuration for errors.
func ValidateLog(l LogConfig) error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", l.Level)
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# apc Configuration

# Root directory for session folders, workflow state, and the session
# index database (default: ~/.apc)
# data_dir: /path/to/data

# Daemon IPC address
listen: 127.0.0.1:7433

# Coordinator reconciliation tick. Dispatch and agent completions also
# trigger evaluation immediately; this is the backstop.
# eval_interval: 1s

# Agent pool
pool:
  size: 4          # Concurrently active agents (1-20)

# Agent runner
runner:
  # type: cli      # "cli" (default) or "mock" (testing)
  command: ["claude", "-p"]
  # work_dir: /path/to/project
  # env:
  #   - "FOO=bar"

# Per-phase retry policy (jittered exponential backoff)
retry:
  max_attempts: 3
  initial_interval: 500ms
  max_interval: 10s
  jitter: 0.3

# Completion-signal bus
signals:
  ttl: 30s         # How long an unconsumed agent completion is retained
  capacity: 256    # Retained signal bound

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.apc/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces

# Daemon log
log:
  level: info      # debug, info, warn, error
  # file: ~/.apc/apc.log
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
