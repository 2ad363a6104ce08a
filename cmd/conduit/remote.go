package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/seantiz/conduit/internal/client"
	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/monitor"
)

func (a *app) planCmd() *cobra.Command {
	var (
		priority string
		mode     string
		execute  bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "plan <description>",
		Short: "Ask the planning service for a plan and optionally execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.newClient()
			plan, err := c.CreatePlan(cmd.Context(), client.PlanRequest{
				Description: args[0],
				Priority:    model.Priority(priority),
			})
			if err != nil {
				return userError(err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(plan); err != nil {
					return err
				}
			} else {
				printPlan(out, plan)
			}
			if !execute {
				return nil
			}
			return a.execute(cmd.Context(), out, c, plan.ID, mode)
		},
	}

	f := cmd.Flags()
	f.StringVar(&priority, "priority", string(model.PriorityNormal), "plan priority: low, normal, high or critical")
	f.StringVar(&mode, "mode", model.ModeAutomatic, "execution mode: automatic, supervised or manual")
	f.BoolVar(&execute, "execute", false, "start the plan and follow it to completion")
	f.BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

// execute starts planID and polls it until it finishes, printing every
// status change, approval request and result.
func (a *app) execute(ctx context.Context, out io.Writer, c *client.Client, planID, mode string) error {
	handle, err := c.StartExecution(ctx, planID, mode, nil)
	if err != nil {
		return userError(err)
	}
	fmt.Fprintf(out, "execution %s started\n", handle.ExecutionID)

	last := ""
	opts := append(a.monitorOptions(),
		monitor.WithUpdateHook(func(s monitor.State) {
			line := fmt.Sprintf("[%3.0f%%] %-12s %s", s.Progress, s.Status, s.CurrentStep)
			if line != last {
				fmt.Fprintln(out, line)
				last = line
			}
		}),
		monitor.WithApprovalHandler(monitor.ApprovalFunc(func(_ context.Context, _ string, ar model.ApprovalRequest) {
			fmt.Fprintf(out, "approval required (%s): %s\n", ar.ID, ar.Description)
		})),
		monitor.WithResultHandler(monitor.ResultFunc(func(_ context.Context, _ string, res model.ExecutionResults) error {
			printResults(out, res)
			return nil
		})),
	)

	outcome, err := monitor.New(c, a.logger, opts...).Run(ctx, handle.ExecutionID)
	if err != nil {
		if outcome.Error != "" {
			return fmt.Errorf("%s %s: %w", errdefs.UserMessage(err), outcome.Error, err)
		}
		return userError(err)
	}
	fmt.Fprintf(out, "execution %s %s after %d poll(s)\n", outcome.ExecutionID, outcome.Status, outcome.Polls)
	return nil
}

func (a *app) queryCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Send a free-form query to the planning service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.newClient().SendQueryInSession(cmd.Context(), session, args[0])
			if err != nil {
				return userError(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.ResponseText)
			if res.SessionID != "" {
				fmt.Fprintf(out, "session: %s\n", res.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "continue an existing conversation")
	return cmd
}

func printPlan(w io.Writer, p *model.Plan) {
	fmt.Fprintf(w, "plan %s (%s)\n", p.ID, p.Status)
	if p.Objective != "" {
		fmt.Fprintf(w, "objective: %s\n", p.Objective)
	}
	for _, s := range p.Steps {
		gate := ""
		if s.RequiresApproval {
			gate = " [approval]"
		}
		fmt.Fprintf(w, "  %d. %s (%s)%s\n", s.Number, s.Title, s.AssignedAgent, gate)
	}
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func printResults(w io.Writer, res model.ExecutionResults) {
	for _, c := range res.Commands {
		fmt.Fprintf(w, "command: %s %s\n", c.Kind(), c.Description())
	}
	for _, c := range res.Calculations {
		fmt.Fprintf(w, "calculation: %s\n", c.Name)
	}
	if res.Documentation != nil {
		fmt.Fprintln(w, "documentation generated")
	}
}

// userError replaces remote failures with their stable message while
// keeping the chain for errors.Is.
func userError(err error) error {
	var validation *errdefs.ValidationError
	if errors.As(err, &validation) {
		return err
	}
	return fmt.Errorf("%s: %w", errdefs.UserMessage(err), err)
}
