package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/types"
	"github.com/savornet/backline/internal/ui"
)

var dispatchTargets []string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <report-id>",
	Short: "Turn a reasoning report into a dispatched action plan",
	Long: `Create the action plan for a report and deliver its actions over the
configured channels. A report gets at most one plan; dispatching again
returns the existing plan without re-delivering anything.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := newDispatcher().Dispatch(rootCtx, args[0], dispatchTargets)
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(plan)
			return nil
		}
		printPlan(plan)
		return nil
	},
}

func printPlan(p *types.ActionPlan) {
	statusStyle := ui.RenderPass
	switch p.Status {
	case types.PlanFailed:
		statusStyle = ui.RenderFail
	case types.PlanPartial:
		statusStyle = ui.RenderWarn
	case types.PlanSkipped:
		statusStyle = ui.RenderMuted
	}
	fmt.Printf("%s  report %s  %s\n",
		ui.RenderAccent(p.ID), p.ReportID, statusStyle(string(p.Status)))
	for _, a := range p.Actions {
		line := fmt.Sprintf("  %s%-9s via %-8s", ui.TreeChild, a.Kind, a.Channel)
		if a.Error != "" {
			line += " " + ui.RenderFail(a.Error)
		} else if a.MessageID != "" {
			line += " " + ui.RenderMuted(a.MessageID)
		} else if a.TaskID != "" {
			line += " " + ui.RenderMuted(a.TaskID)
		}
		fmt.Println(line)
	}
	if p.Outcome != "" {
		fmt.Printf("  outcome: %s", p.Outcome)
		if p.ResolvedBy != "" {
			fmt.Printf(" (by %s)", p.ResolvedBy)
		}
		if p.KPIDelta != nil {
			fmt.Printf("  kpi delta %+.2f", *p.KPIDelta)
		}
		fmt.Println()
	}
}

func init() {
	dispatchCmd.Flags().StringArrayVar(&dispatchTargets, "target", nil, "Delivery target, e.g. a channel user or team id (repeatable)")
	rootCmd.AddCommand(dispatchCmd)
}
