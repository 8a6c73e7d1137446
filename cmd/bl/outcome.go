package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/types"
	"github.com/savornet/backline/internal/ui"
)

var (
	outcomeKPIDelta float64
	outcomeFollowup string
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome <plan-id> <outcome>",
	Short: "Record the human-reported result of an action plan",
	Long: `Record how an action plan turned out. Valid outcomes: resolved, escalated,
expired, no_effect, cancelled. Recording an outcome marks the underlying
report as actioned.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var kpiDelta *float64
		if cmd.Flags().Changed("kpi-delta") {
			kpiDelta = &outcomeKPIDelta
		}

		plan, err := newDispatcher().RecordOutcome(rootCtx, args[0], types.Outcome(args[1]),
			getActor(), kpiDelta, outcomeFollowup)
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(plan)
			return nil
		}
		info("%s recorded %s on %s", ui.RenderPassIcon(), plan.Outcome, plan.ID)
		return nil
	},
}

var (
	plansStatus string
	plansOpen   bool
	plansLimit  int
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List action plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := store.ListPlans(rootCtx, storage.PlanFilter{
			Status:       types.PlanStatus(plansStatus),
			OpenOutcomes: plansOpen,
			Limit:        plansLimit,
		})
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(plans)
			return nil
		}

		if len(plans) == 0 {
			info("no plans")
			return nil
		}
		for _, p := range plans {
			outcome := string(p.Outcome)
			if outcome == "" {
				outcome = ui.RenderMuted("open")
			}
			fmt.Printf("%s  report %s  %-10s %s\n",
				ui.RenderAccent(p.ID), p.ReportID, p.Status, outcome)
		}
		return nil
	},
}

func init() {
	outcomeCmd.Flags().Float64Var(&outcomeKPIDelta, "kpi-delta", 0, "Measured KPI change after the action")
	outcomeCmd.Flags().StringVar(&outcomeFollowup, "followup", "", "Follow-up report id, if one was opened")
	rootCmd.AddCommand(outcomeCmd)

	plansCmd.Flags().StringVar(&plansStatus, "status", "", "Filter by dispatch status")
	plansCmd.Flags().BoolVar(&plansOpen, "open", false, "Only plans without a recorded outcome")
	plansCmd.Flags().IntVar(&plansLimit, "limit", 20, "Maximum plans to list (0 = all)")
	rootCmd.AddCommand(plansCmd)
}
