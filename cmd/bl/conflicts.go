package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/types"
	"github.com/savornet/backline/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List mappings flagged for manual review",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		mappings, err := store.ListMappings(rootCtx, storage.MappingFilter{
			ConflictOnly: true,
			Limit:        limit,
		})
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(mappings)
			return nil
		}

		if len(mappings) == 0 {
			info("%s no conflicts awaiting review", ui.RenderPassIcon())
			return nil
		}
		for _, m := range mappings {
			printMappingLine(m)
		}
		info("\n%d conflict(s). Review with 'bl conflicts review' or clear one with 'bl conflicts clear <id>'.", len(mappings))
		return nil
	},
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Confirm an ambiguous match and clear its review flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newResolver().ClearConflict(rootCtx, args[0], getActor()); err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"id": args[0], "status": "cleared"})
			return nil
		}
		info("%s cleared conflict flag on %s", ui.RenderPassIcon(), args[0])
		return nil
	},
}

var conflictsReviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Walk through flagged mappings interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		mappings, err := store.ListMappings(rootCtx, storage.MappingFilter{ConflictOnly: true})
		if err != nil {
			fatal(err)
		}
		if len(mappings) == 0 {
			info("%s no conflicts awaiting review", ui.RenderPassIcon())
			return nil
		}

		resolver := newResolver()
		for _, m := range mappings {
			fmt.Println(ui.RenderSeparator())
			printMappingDetail(m)

			var action string
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title(fmt.Sprintf("Resolve %s (%s)?", m.ID, m.Name)).
					Options(
						huh.NewOption("Confirm match (clear flag)", "clear"),
						huh.NewOption("Merge into another mapping", "merge"),
						huh.NewOption("Skip", "skip"),
					).
					Value(&action),
			))
			if err := form.Run(); err != nil {
				return err
			}

			switch action {
			case "clear":
				if err := resolver.ClearConflict(rootCtx, m.ID, getActor()); err != nil {
					fatal(err)
				}
				info("%s cleared %s", ui.RenderPassIcon(), m.ID)
			case "merge":
				var keepID string
				input := huh.NewForm(huh.NewGroup(
					huh.NewInput().
						Title("Canonical id to merge into").
						Value(&keepID),
				))
				if err := input.Run(); err != nil {
					return err
				}
				if keepID == "" {
					info("skipped %s", m.ID)
					continue
				}
				survivor, err := resolver.Merge(rootCtx, keepID, m.ID, "conflict review", getActor())
				if err != nil {
					fatal(err)
				}
				info("%s merged %s into %s", ui.RenderPassIcon(), m.ID, survivor.ID)
			default:
				info("skipped %s", m.ID)
			}
		}
		return nil
	},
}

func printMappingLine(m *types.CanonicalMapping) {
	flag := " "
	if m.ConflictFlag {
		flag = ui.RenderWarnIcon()
	}
	fmt.Printf("%s %s  %-24s %-10s conf %.2f\n",
		flag, ui.RenderAccent(m.ID), m.Name, m.Category, m.Confidence)
}

func init() {
	conflictsCmd.Flags().Int("limit", 0, "Maximum conflicts to list (0 = all)")
	conflictsCmd.AddCommand(conflictsClearCmd)
	conflictsCmd.AddCommand(conflictsReviewCmd)
	rootCmd.AddCommand(conflictsCmd)
}
