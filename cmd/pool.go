package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/api"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/pool"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and resize the agent pool",
}

var poolJSON bool

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool occupancy and per-agent state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			var st pool.Status
			if err := c.Call(ctx, api.MethodPoolStatus, nil, &st); err != nil {
				return err
			}
			if poolJSON {
				return printJSON(st)
			}
			cmd.Printf("total=%d available=%d busy=%d benched=%d retiring=%d waiting=%d\n",
				st.Total, st.Available, st.Busy, st.Benched, st.Retiring, st.Waiting)
			if len(st.Agents) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tWORKFLOW\tROLE")
			for _, a := range st.Agents {
				state := string(a.State)
				if a.Retiring {
					state += " (retiring)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Name, state, a.WorkflowID, a.RoleID)
			}
			return w.Flush()
		})
	},
}

var poolResizeCmd = &cobra.Command{
	Use:   "resize <size>",
	Short: "Change the number of agents in the pool",
	Long: `Resize the agent pool. Growing takes effect immediately; shrinking
marks busy agents as retiring and removes them when their work finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("size must be a number: %q", args[0])
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.Call(ctx, api.MethodPoolResize, api.PoolResizeParams{Size: size}, nil); err != nil {
				return err
			}
			cmd.Printf("pool resized to %d\n", size)
			return nil
		})
	},
}

func init() {
	poolStatusCmd.Flags().BoolVar(&poolJSON, "json", false, "emit machine-readable JSON")
	poolCmd.AddCommand(poolStatusCmd, poolResizeCmd)
	rootCmd.AddCommand(poolCmd)
}
