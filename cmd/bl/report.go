package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/summarize"
	"github.com/savornet/backline/internal/types"
	"github.com/savornet/backline/internal/ui"
)

var (
	reportStore      string
	reportDim        string
	reportSeverity   string
	reportUnactioned bool
	reportLimit      int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "List reasoning reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		reports, err := store.ListReports(rootCtx, storage.ReportFilter{
			StoreID:    reportStore,
			Dimension:  types.Dimension(reportDim),
			Severity:   types.Severity(reportSeverity),
			Unactioned: reportUnactioned,
			Limit:      reportLimit,
		})
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(reports)
			return nil
		}

		if len(reports) == 0 {
			info("no reports")
			return nil
		}
		for _, r := range reports {
			actioned := " "
			if r.IsActioned {
				actioned = ui.RenderPassIcon()
			}
			fmt.Printf("%s %s %s  %-10s %-10s %s\n",
				actioned, ui.RenderSeverity(r.Severity), ui.RenderAccent(r.ID),
				r.StoreID, r.Dimension,
				ui.RenderMuted(r.CreatedAt.Format("2006-01-02 15:04")))
		}
		return nil
	},
}

var reportNarrate bool

var reportShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one reasoning report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := store.GetReport(rootCtx, args[0])
		if err != nil {
			fatal(err)
		}

		var narrative string
		if reportNarrate {
			narrative = narrateReport(r)
		}

		if jsonOutput {
			out := map[string]any{"report": r}
			if narrative != "" {
				out["narrative"] = narrative
			}
			outputJSON(out)
			return nil
		}

		fmt.Print(ui.RenderMarkdown(reportMarkdown(r)))
		if narrative != "" {
			fmt.Println(ui.RenderSeparator())
			fmt.Println(narrative)
		}
		return nil
	},
}

// narrateReport asks the configured model for a short briefing. Strictly
// best-effort: any failure degrades to the raw report.
func narrateReport(r *types.ReasoningReport) string {
	client, err := summarize.NewClient("")
	if err != nil {
		info("%s narrative unavailable: %v", ui.RenderWarnIcon(), err)
		return ""
	}
	narrative, err := client.Narrate(rootCtx, r)
	if err != nil {
		info("%s narrative unavailable: %v", ui.RenderWarnIcon(), err)
		return ""
	}
	return narrative
}

// reportMarkdown renders a report as markdown for glamour display.
func reportMarkdown(r *types.ReasoningReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s/%s\n\n", r.Severity, r.StoreID, r.Dimension)
	fmt.Fprintf(&b, "`%s`  window %s to %s\n\n", r.ID,
		r.WindowStart.Format("2006-01-02"), r.WindowEnd.Format("2006-01-02"))
	if r.RootCause != "" {
		fmt.Fprintf(&b, "**Root cause:** %s (confidence %.2f)\n\n", r.RootCause, r.Confidence)
	}
	if r.PeerPercentile > 0 {
		fmt.Fprintf(&b, "**Peer standing:** p%.0f in peer group\n\n", r.PeerPercentile)
	}
	if len(r.TriggeredRules) > 0 {
		fmt.Fprintf(&b, "**Triggered rules:** %s\n\n", strings.Join(r.TriggeredRules, ", "))
	}
	if len(r.EvidenceChain) > 0 {
		b.WriteString("## Evidence\n\n")
		for _, line := range r.EvidenceChain {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}
	if len(r.RecommendedActions) > 0 {
		b.WriteString("## Recommended actions\n\n")
		for _, a := range r.RecommendedActions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
		b.WriteString("\n")
	}
	if len(r.KPISnapshot) > 0 {
		b.WriteString("## KPI snapshot\n\n")
		for name, value := range r.KPISnapshot {
			fmt.Fprintf(&b, "- %s: %.3f\n", name, value)
		}
	}
	return b.String()
}

func init() {
	reportCmd.Flags().StringVar(&reportStore, "store", "", "Filter by store id")
	reportCmd.Flags().StringVar(&reportDim, "dim", "", "Filter by dimension")
	reportCmd.Flags().StringVar(&reportSeverity, "severity", "", "Filter by severity (P1, P2, P3, OK)")
	reportCmd.Flags().BoolVar(&reportUnactioned, "unactioned", false, "Only reports not yet actioned")
	reportCmd.Flags().IntVar(&reportLimit, "limit", 20, "Maximum reports to list (0 = all)")
	reportShowCmd.Flags().BoolVar(&reportNarrate, "narrate", false, "Append a model-written briefing (needs ANTHROPIC_API_KEY)")
	reportCmd.AddCommand(reportShowCmd)
	rootCmd.AddCommand(reportCmd)
}
