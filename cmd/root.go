// Package cmd implements the apc command line: the daemon entry point and
// the thin client commands that map onto the daemon's IPC surface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/config"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/api"
)

// Exit codes per the CLI contract.
const (
	ExitOK        = 0
	ExitDomain    = 1
	ExitTransport = 2
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	addrFlag  string
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "apc",
	Short: "Agentic planning coordinator",
	Long: `apc coordinates LLM-backed agents through planning and execution
workflows: it plans a requirement, reviews the plan, then dispatches one
implementation workflow per task across a shared agent pool.

Run "apc daemon" once, then drive it with the plan/exec/session commands.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/apc/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "",
		"daemon address (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("listen", defaults.Listen)
	viper.SetDefault("eval_interval", defaults.EvalInterval)
	viper.SetDefault("pool.size", defaults.Pool.Size)
	viper.SetDefault("runner.type", defaults.Runner.Type)
	viper.SetDefault("runner.command", defaults.Runner.Command)
	viper.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	viper.SetDefault("retry.initial_interval", defaults.Retry.InitialInterval)
	viper.SetDefault("retry.max_interval", defaults.Retry.MaxInterval)
	viper.SetDefault("retry.jitter", defaults.Retry.Jitter)
	viper.SetDefault("signals.ttl", defaults.Signals.TTL)
	viper.SetDefault("signals.capacity", defaults.Signals.Capacity)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log.level", defaults.Log.Level)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "apc"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("APC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: config not read: %v\n", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: config not parsed: %v\n", err)
		cfg = config.Defaults()
	}
	if addrFlag != "" {
		cfg.Listen = addrFlag
	}
	if debugFlag || os.Getenv("APC_DEBUG") != "" {
		cfg.Log.Level = "debug"
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return exitCode(rootCmd.Execute())
}

// exitCode maps an execution error onto the CLI's exit code contract and
// prints it: 0 success, 1 the daemon refused, 2 the daemon was unreachable.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var transport *api.TransportError
	if errors.As(err, &transport) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		fmt.Fprintln(os.Stderr, "is the daemon running? start it with: apc daemon")
		return ExitTransport
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "error [%s]: %s\n", apiErr.Code, apiErr.Message)
		return ExitDomain
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return ExitDomain
}

// withClient dials the daemon and runs fn with a connected client.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := api.Dial(ctx, cfg.Listen)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	return fn(ctx, client)
}

// initLogging enables file logging for long-running commands.
func initLogging() func() {
	path := cfg.Log.File
	if path == "" {
		path = config.DefaultLogFilePath(cfg.DataDir)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		fmt.Fprintf(os.Stderr, "warning: log directory: %v\n", err)
		return func() {}
	}
	cleanup, err := log.Init(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		return func() {}
	}
	log.SetMinLevel(cfg.Log.MinLevel())
	return cleanup
}
