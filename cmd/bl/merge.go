package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/ui"
)

var mergeReason string

var mergeCmd = &cobra.Command{
	Use:   "merge <keep-id> <merge-id>",
	Short: "Merge two canonical mappings, keeping the first",
	Long: `Merge the second mapping into the first. The survivor keeps its own
values on conflicts; the absorbed mapping is deactivated and its external ids
keep resolving to the survivor.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepID, mergeID := args[0], args[1]

		survivor, err := newResolver().Merge(rootCtx, keepID, mergeID, mergeReason, getActor())
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(survivor)
			return nil
		}

		fmt.Printf("%s merged %s into %s (%s)\n",
			ui.RenderPassIcon(), mergeID, ui.RenderAccent(survivor.ID), survivor.Name)
		if len(survivor.ExternalIDs) > 0 {
			var refs []string
			for source, extID := range survivor.ExternalIDs {
				refs = append(refs, source+":"+extID)
			}
			fmt.Printf("  external ids: %s\n", strings.Join(refs, ", "))
		}
		if survivor.CanonicalCost > 0 {
			fmt.Printf("  canonical cost: %.2f\n", survivor.CanonicalCost)
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeReason, "reason", "", "Why these mappings are the same item")
	rootCmd.AddCommand(mergeCmd)
}
