package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/reason"
	"github.com/savornet/backline/internal/timeparsing"
	"github.com/savornet/backline/internal/types"
	"github.com/savornet/backline/internal/ui"
)

var (
	reasonStore      string
	reasonDim        string
	reasonKPIs       []string
	reasonPercentile float64
)

var reasonCmd = &cobra.Command{
	Use:   "reason",
	Short: "Diagnose one store and dimension against its KPIs",
	Example: `  bl reason --store store-021 --dim waste --kpi waste_rate=0.18
  bl reason --store store-021 --dim cost --kpi food_cost_ratio=0.45 --peer-percentile 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kpi, err := parseKPIs(reasonKPIs)
		if err != nil {
			fatal(err)
		}

		engine, closeProvider, err := newReasonEngine()
		if err != nil {
			fatal(err)
		}
		defer closeProvider()

		report, err := engine.ReasonSingle(rootCtx, reasonStore, types.Dimension(reasonDim), kpi,
			reason.PeerContext{Percentile: reasonPercentile})
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(report)
			return nil
		}
		printReport(report)
		return nil
	},
}

var investigateWindow string

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Run the root-cause pipeline over a store's inventory window",
	Long: `Walk a store's operational data for the window: flag inventory variances,
check consumption against recipes, and rank staff-window and supplier-batch
candidates into a persisted reasoning report.`,
	Example: `  bl investigate --store store-021
  bl investigate --store store-021 --window 2026-03-01..2026-03-08`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := timeparsing.ParseWindow(investigateWindow, time.Now())
		if err != nil {
			fatal(fmt.Errorf("window: %w", err))
		}

		engine, closeProvider, err := newReasonEngine()
		if err != nil {
			fatal(err)
		}
		defer closeProvider()

		report, causes, err := engine.Investigate(rootCtx, reasonStore, from, to)
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"report": report, "causes": causes})
			return nil
		}

		printReport(report)
		if len(causes) > 0 {
			fmt.Println()
			fmt.Println(ui.RenderCategory("ranked causes"))
			for i, c := range causes {
				fmt.Printf("  %d. %-18s %-24s score %.0f\n", i+1, c.Kind, c.Subject, c.Score)
				for _, ev := range c.Evidence {
					fmt.Printf("     %s%s\n", ui.TreeLast, ui.RenderMuted(ev))
				}
			}
		}
		return nil
	},
}

// parseKPIs turns repeated --kpi name=value flags into the KPI map.
func parseKPIs(pairs []string) (map[string]float64, error) {
	kpi := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --kpi %q, expected name=value", pair)
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --kpi %q: %w", pair, err)
		}
		kpi[strings.TrimSpace(name)] = value
	}
	return kpi, nil
}

func printReport(r *types.ReasoningReport) {
	fmt.Printf("%s %s  %s/%s  %s\n",
		ui.SeverityIcon(r.Severity), ui.RenderSeverity(r.Severity),
		r.StoreID, r.Dimension, ui.RenderAccent(r.ID))
	if r.RootCause != "" {
		fmt.Printf("  root cause: %s (confidence %.2f)\n", r.RootCause, r.Confidence)
	}
	if len(r.TriggeredRules) > 0 {
		fmt.Printf("  rules: %s\n", ui.RenderMuted(strings.Join(r.TriggeredRules, ", ")))
	}
	for _, line := range r.EvidenceChain {
		fmt.Printf("  %s%s\n", ui.TreeChild, line)
	}
	if len(r.RecommendedActions) > 0 {
		fmt.Println(ui.RenderCategory("recommended"))
		for _, a := range r.RecommendedActions {
			fmt.Printf("  %s %s\n", ui.RenderInfoIcon(), a)
		}
	}
}

func init() {
	reasonCmd.Flags().StringVar(&reasonStore, "store", "", "Store id")
	reasonCmd.Flags().StringVar(&reasonDim, "dim", "", "Dimension (waste, efficiency, quality, cost, inventory, cross_store)")
	reasonCmd.Flags().StringArrayVar(&reasonKPIs, "kpi", nil, "KPI value as name=value (repeatable)")
	reasonCmd.Flags().Float64Var(&reasonPercentile, "peer-percentile", 0, "Store's peer-group percentile for the dimension (0 = unknown)")
	_ = reasonCmd.MarkFlagRequired("store")
	_ = reasonCmd.MarkFlagRequired("dim")
	rootCmd.AddCommand(reasonCmd)

	investigateCmd.Flags().StringVar(&reasonStore, "store", "", "Store id")
	investigateCmd.Flags().StringVar(&investigateWindow, "window", "7d", "Time window (7d, 2026-03-01..2026-03-08, 'last monday')")
	_ = investigateCmd.MarkFlagRequired("store")
	rootCmd.AddCommand(investigateCmd)
}
