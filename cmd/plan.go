package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/api"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Drive a session through the planning phase",
}

var planName string

var planNewCmd = &cobra.Command{
	Use:   "new <requirement...>",
	Short: "Open a session and start planning a requirement",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		request := strings.Join(args, " ")
		return withClient(func(ctx context.Context, c *api.Client) error {
			var res api.CreateResult
			params := api.PlanCreateParams{Name: planName, Request: request}
			if err := c.Call(ctx, api.MethodPlanCreate, params, &res); err != nil {
				return err
			}
			cmd.Println(res.Session)
			return nil
		})
	},
}

var planApproveCmd = &cobra.Command{
	Use:   "approve <session>",
	Short: "Approve the session's plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodPlanApprove, args[0], "plan approved")
	},
}

var planFeedback string

var planReviseCmd = &cobra.Command{
	Use:   "revise <session>",
	Short: "Send the plan back for revision with feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if planFeedback == "" {
			return fmt.Errorf("feedback is required (use --feedback)")
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			params := api.PlanReviseParams{Session: args[0], Feedback: planFeedback}
			if err := c.Call(ctx, api.MethodPlanRevise, params, nil); err != nil {
				return err
			}
			cmd.Println("revision requested")
			return nil
		})
	},
}

var planCancelCmd = &cobra.Command{
	Use:   "cancel <session>",
	Short: "Cancel a session that is still planning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodPlanCancel, args[0], "session cancelled")
	},
}

var planRestartCmd = &cobra.Command{
	Use:   "restart <session>",
	Short: "Discard the current plan and plan the requirement again",
	Long: `Restart planning from the original requirement. The existing plan file
is backed up before the fresh planning workflow starts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, api.MethodPlanRestart, args[0], "planning restarted")
	},
}

func init() {
	planNewCmd.Flags().StringVar(&planName, "name", "", "human-readable session name")
	planReviseCmd.Flags().StringVarP(&planFeedback, "feedback", "m", "", "reviewer feedback for the planner")
	planCmd.AddCommand(planNewCmd, planApproveCmd, planReviseCmd, planCancelCmd, planRestartCmd)
	rootCmd.AddCommand(planCmd)
}

// sessionCall runs a method that takes only a session id and prints msg on
// success.
func sessionCall(cmd *cobra.Command, method, session, msg string) error {
	return withClient(func(ctx context.Context, c *api.Client) error {
		if err := c.Call(ctx, method, api.SessionParams{Session: session}, nil); err != nil {
			return err
		}
		cmd.Println(msg)
		return nil
	})
}
