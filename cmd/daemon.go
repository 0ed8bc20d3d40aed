package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/app"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordinator daemon",
	Long: `Run the workflow coordinator as a foreground daemon. It recovers any
workflows persisted by a previous run (they reappear paused), then serves
the IPC endpoint the other apc commands talk to.

Example:
  apc daemon                       # listen on the configured address
  apc daemon --addr 127.0.0.1:7500 # override the listen address`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cleanup := initLogging()
	defer cleanup()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Printf("apc daemon listening on %s (data: %s)\n", cfg.Listen, cfg.DataDir)
	return a.Run(ctx)
}
