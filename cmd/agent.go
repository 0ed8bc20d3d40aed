package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/api"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Commands invoked by running agents",
}

var (
	completeSession  string
	completeWorkflow string
	completeStage    string
	completeTask     string
	completeResult   string
	completeData     string
)

// Completion delivery retries on transport failure: the agent process exits
// after this command, so a dropped signal would strand its workflow until
// the daemon's stall detection kicks in.
const (
	completeAttempts = 3
	completeRetryGap = 2 * time.Second
)

var agentCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Report a stage completion to the daemon",
	Long: `Report that a workflow stage finished. Agents call this as their last
action; the daemon matches the signal to the waiting workflow by
(workflow, stage, task).

Example:
  apc agent complete --session "$APC_SESSION_ID" --workflow "$APC_WORKFLOW_ID" \
    --stage implementation --task s1_T2 --result success`,
	Args: cobra.NoArgs,
	RunE: runAgentComplete,
}

func init() {
	f := agentCompleteCmd.Flags()
	f.StringVar(&completeSession, "session", os.Getenv("APC_SESSION_ID"), "session GUID")
	f.StringVar(&completeWorkflow, "workflow", os.Getenv("APC_WORKFLOW_ID"), "workflow id")
	f.StringVar(&completeStage, "stage", "", "completed stage name")
	f.StringVar(&completeTask, "task", "", "task id, for task-scoped stages")
	f.StringVar(&completeResult, "result", "", "outcome: success, failure, or needs_input")
	f.StringVar(&completeData, "data", "", "JSON payload attached to the signal")

	agentCmd.AddCommand(agentCompleteCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentComplete(cmd *cobra.Command, _ []string) error {
	if completeSession == "" || completeWorkflow == "" || completeStage == "" || completeResult == "" {
		return fmt.Errorf("--session, --workflow, --stage, and --result are required")
	}
	sig := signalbus.Signal{
		SessionID:  completeSession,
		WorkflowID: completeWorkflow,
		Stage:      completeStage,
		TaskID:     completeTask,
		Result:     completeResult,
	}
	if completeData != "" {
		if !json.Valid([]byte(completeData)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		sig.Data = json.RawMessage(completeData)
	}

	var lastErr error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		lastErr = withClient(func(ctx context.Context, c *api.Client) error {
			return c.Call(ctx, api.MethodAgentComplete, sig, nil)
		})
		if lastErr == nil {
			cmd.Println("completion delivered")
			return nil
		}
		var transport *api.TransportError
		if !errors.As(lastErr, &transport) {
			// The daemon answered; retrying would just repeat the rejection.
			return lastErr
		}
		if attempt < completeAttempts {
			fmt.Fprintf(cmd.ErrOrStderr(), "delivery attempt %d failed: %v; retrying\n", attempt, lastErr)
			time.Sleep(completeRetryGap)
		}
	}
	return lastErr
}
