package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/fusion"
	"github.com/savornet/backline/internal/ui"
)

var (
	resolveSource   string
	resolveExtID    string
	resolveName     string
	resolveCategory string
	resolveUnit     string
	resolveCost     float64
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve one raw source record to a canonical mapping",
	Long: `Resolve a (source, external-id, name) tuple to a canonical mapping,
creating one when nothing matches. Ambiguous fuzzy matches attach with a
conflict flag for later review (see 'bl conflicts').`,
	Example: `  bl resolve --source pinzhi --id PZ-001 --name 五花肉 --category meat --unit kg --cost 36.5
  bl resolve --source meituan --id MT-777 --name 五花肉(精选)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := fusion.ResolveInput{
			Source:      resolveSource,
			ExternalID:  resolveExtID,
			Name:        resolveName,
			Category:    resolveCategory,
			Unit:        resolveUnit,
			SubmittedBy: getActor(),
		}
		if cmd.Flags().Changed("cost") {
			in.Cost = &resolveCost
		}

		res, err := newResolver().ResolveOrCreate(rootCtx, in)
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(res)
			return nil
		}

		verb := "matched"
		if res.Created {
			verb = "created"
		}
		fmt.Printf("%s %s %s (%s, confidence %.2f)\n",
			ui.RenderAccent(res.Mapping.ID), verb, res.Mapping.Name, res.Method, res.Confidence)
		if res.Conflict {
			fmt.Printf("%s ambiguous match, flagged for review: bl conflicts clear %s\n",
				ui.RenderWarnIcon(), res.Mapping.ID)
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveSource, "source", "", "Upstream system name (pinzhi, meituan, eleme, pos, manual)")
	resolveCmd.Flags().StringVar(&resolveExtID, "id", "", "External id in the upstream system")
	resolveCmd.Flags().StringVar(&resolveName, "name", "", "Item name as reported by the source")
	resolveCmd.Flags().StringVar(&resolveCategory, "category", "", "Item category")
	resolveCmd.Flags().StringVar(&resolveUnit, "unit", "", "Unit of measure")
	resolveCmd.Flags().Float64Var(&resolveCost, "cost", 0, "Unit cost as reported by the source")
	_ = resolveCmd.MarkFlagRequired("source")
	_ = resolveCmd.MarkFlagRequired("id")
	_ = resolveCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(resolveCmd)
}
