package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/api"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/coordinator"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Inspect and manage sessions",
}

var sessionJSON bool

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			var res api.SessionListResult
			if err := c.Call(ctx, api.MethodSessionList, nil, &res); err != nil {
				return err
			}
			if sessionJSON {
				return printJSON(res)
			}
			if len(res.Sessions) == 0 {
				cmd.Println("no sessions")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GUID\tNAME\tSTATUS\tCREATED")
			for _, s := range res.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.GUID, s.Name, s.Status, s.CreatedAt)
			}
			return w.Flush()
		})
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			var st coordinator.SessionState
			params := api.SessionParams{Session: args[0]}
			if err := c.Call(ctx, api.MethodSessionGet, params, &st); err != nil {
				return err
			}
			if sessionJSON {
				return printJSON(st)
			}
			printSessionState(cmd, st)
			return nil
		})
	},
}

var sessionPauseForce bool

var sessionPauseCmd = &cobra.Command{
	Use:   "pause <session>",
	Short: "Pause a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			params := api.PauseParams{Session: args[0], Force: sessionPauseForce}
			if err := c.Call(ctx, api.MethodSessionPause, params, nil); err != nil {
				return err
			}
			cmd.Println("session paused")
			return nil
		})
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodSessionResume, args[0], "session resumed")
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop a session permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodSessionStop, args[0], "session stopped")
	},
}

var sessionRemoveCmd = &cobra.Command{
	Use:   "remove <session>",
	Short: "Remove a finished session from the index",
	Long: `Remove a stopped, completed, or cancelled session from the session
index. Files under the session directory are kept on disk.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodSessionRemove, args[0], "session removed")
	},
}

func init() {
	sessionCmd.PersistentFlags().BoolVar(&sessionJSON, "json", false, "emit machine-readable JSON")
	sessionPauseCmd.Flags().BoolVar(&sessionPauseForce, "force", false, "interrupt running workflows instead of waiting")
	sessionCmd.AddCommand(sessionListCmd, sessionGetCmd, sessionPauseCmd,
		sessionResumeCmd, sessionStopCmd, sessionRemoveCmd)
	rootCmd.AddCommand(sessionCmd)
}
