package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/api"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/coordinator"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Drive a session through the execution phase",
}

var execStartCmd = &cobra.Command{
	Use:   "start <session>",
	Short: "Start executing an approved plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodExecStart, args[0], "execution started")
	},
}

var execForce bool

var execPauseCmd = &cobra.Command{
	Use:   "pause <session>",
	Short: "Pause a session's execution",
	Long: `Pause execution. Running workflows finish their current phase before
pausing; --force interrupts them mid-phase.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			params := api.PauseParams{Session: args[0], Force: execForce}
			if err := c.Call(ctx, api.MethodExecPause, params, nil); err != nil {
				return err
			}
			cmd.Println("execution paused")
			return nil
		})
	},
}

var execResumeCmd = &cobra.Command{
	Use:   "resume <session>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodExecResume, args[0], "execution resumed")
	},
}

var execStopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop a session's execution permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodExecStop, args[0], "execution stopped")
	},
}

var execJSON bool

var execStatusCmd = &cobra.Command{
	Use:   "status <session>",
	Short: "Show a session's tasks and workflows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			var st coordinator.SessionState
			params := api.SessionParams{Session: args[0]}
			if err := c.Call(ctx, api.MethodExecStatus, params, &st); err != nil {
				return err
			}
			if execJSON {
				return printJSON(st)
			}
			printSessionState(cmd, st)
			return nil
		})
	},
}

var execRetryCmd = &cobra.Command{
	Use:   "retry <session> <task>",
	Short: "Retry one failed task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			var res api.RetryResult
			params := api.WorkflowRetryParams{Session: args[0], Task: args[1]}
			if err := c.Call(ctx, api.MethodWorkflowRetry, params, &res); err != nil {
				return err
			}
			cmd.Printf("retry dispatched as workflow %s\n", res.Workflow)
			return nil
		})
	},
}

// evaluateCmd forces a reconciliation pass. Useful when debugging the daemon;
// normal operation never needs it.
var evaluateCmd = &cobra.Command{
	Use:    "evaluate",
	Short:  "Force a coordinator reconciliation pass",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.Call(ctx, api.MethodEvaluate, nil, nil)
		})
	},
}

func init() {
	execPauseCmd.Flags().BoolVar(&execForce, "force", false, "interrupt running workflows instead of waiting")
	execStatusCmd.Flags().BoolVar(&execJSON, "json", false, "emit machine-readable JSON")
	execCmd.AddCommand(execStartCmd, execPauseCmd, execResumeCmd, execStopCmd, execStatusCmd, execRetryCmd)
	rootCmd.AddCommand(execCmd, evaluateCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSessionState(cmd *cobra.Command, st coordinator.SessionState) {
	cmd.Printf("session %s", st.GUID)
	if st.Name != "" {
		cmd.Printf(" (%s)", st.Name)
	}
	cmd.Printf("  status=%s\n", st.Status)
	if st.PlanPath != "" {
		cmd.Printf("plan: %s\n", st.PlanPath)
	}

	if len(st.Tasks) > 0 {
		cmd.Println("\ntasks:")
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTATUS\tDESCRIPTION")
		for _, t := range st.Tasks {
			desc := t.Description
			if len(desc) > 60 {
				desc = desc[:57] + "..."
			}
			status := string(t.Status)
			if t.Reason != "" {
				status += " (" + t.Reason + ")"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", t.ID, status, desc)
		}
		_ = w.Flush()
	}

	if len(st.Workflows) > 0 {
		cmd.Println("\nworkflows:")
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tTYPE\tSTATUS\tPHASE\tTASK")
		for _, wf := range st.Workflows {
			phase := fmt.Sprintf("%s (%d/%d)", wf.PhaseName, wf.PhaseIndex+1, wf.PhaseCount)
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", wf.ID, wf.Type, wf.Status, phase, wf.TaskID)
		}
		_ = w.Flush()
	}
	if st.Pending > 0 {
		cmd.Printf("\npending workflows: %d\n", st.Pending)
	}
}
