package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/api"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health, pool occupancy, and active session count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			var st api.StatusResult
			if err := c.Call(ctx, api.MethodStatus, nil, &st); err != nil {
				return err
			}
			if statusJSON {
				return printJSON(st)
			}
			if st.Degraded {
				cmd.Printf("daemon DEGRADED: %s\n", st.DegradedReason)
				cmd.Println("existing work continues; new sessions are refused")
			} else {
				cmd.Println("daemon healthy")
			}
			cmd.Printf("pool: %d total, %d available, %d busy, %d benched\n",
				st.Pool["total"], st.Pool["available"], st.Pool["busy"], st.Pool["benched"])
			cmd.Printf("active sessions: %d\n", st.ActiveSessions)
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}
