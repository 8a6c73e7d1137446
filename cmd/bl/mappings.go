package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/types"
	"github.com/savornet/backline/internal/ui"
)

var (
	mappingsCategory string
	mappingsName     string
	mappingsAll      bool
	mappingsLimit    int
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "List canonical mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		mappings, err := store.ListMappings(rootCtx, storage.MappingFilter{
			Category:        mappingsCategory,
			NameContains:    mappingsName,
			IncludeInactive: mappingsAll,
			Limit:           mappingsLimit,
		})
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(mappings)
			return nil
		}

		if len(mappings) == 0 {
			info("no mappings")
			return nil
		}
		for _, m := range mappings {
			printMappingLine(m)
		}
		return nil
	},
}

var mappingsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one mapping with its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := store.GetMapping(rootCtx, args[0])
		if err != nil {
			fatal(err)
		}
		audit, err := store.ListAudit(rootCtx, storage.AuditFilter{CanonicalID: m.ID})
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"mapping": m, "audit": audit})
			return nil
		}

		printMappingDetail(m)
		if len(audit) > 0 {
			fmt.Println()
			fmt.Println(ui.RenderCategory("audit trail"))
			for _, e := range audit {
				fmt.Printf("  %s  %-20s %-10s %s\n",
					ui.RenderMuted(e.CreatedAt.Format("2006-01-02 15:04")),
					e.Action, e.SourceSystem, ui.RenderMuted(e.CreatedBy))
			}
		}
		return nil
	},
}

func printMappingDetail(m *types.CanonicalMapping) {
	status := ui.RenderPass("active")
	if !m.Active {
		status = ui.RenderMuted("merged into " + m.MergedInto)
	}
	fmt.Printf("%s  %s (%s)\n", ui.RenderAccent(m.ID), m.Name, status)
	if len(m.Aliases) > 0 {
		fmt.Printf("  aliases:  %s\n", strings.Join(m.Aliases, ", "))
	}
	if m.Category != "" || m.Unit != "" {
		fmt.Printf("  category: %s  unit: %s\n", m.Category, m.Unit)
	}
	fmt.Printf("  fusion:   %s, confidence %.2f", m.Method, m.Confidence)
	if m.ConflictFlag {
		fmt.Printf("  %s awaiting review", ui.RenderWarnIcon())
	}
	fmt.Println()

	if len(m.ExternalIDs) > 0 {
		sources := make([]string, 0, len(m.ExternalIDs))
		for source := range m.ExternalIDs {
			sources = append(sources, source)
		}
		sort.Strings(sources)
		for _, source := range sources {
			line := fmt.Sprintf("  %s%-10s %s", ui.TreeChild, source, m.ExternalIDs[source])
			if sc, ok := m.SourceCosts[source]; ok {
				line += ui.RenderMuted(fmt.Sprintf("  cost %.2f", sc.Cost))
			}
			fmt.Println(line)
		}
	}
	if m.CanonicalCost > 0 {
		fmt.Printf("  canonical cost: %.2f\n", m.CanonicalCost)
	}
	if len(m.MergedFrom) > 0 {
		fmt.Printf("  absorbed: %s\n", ui.RenderMuted(strings.Join(m.MergedFrom, ", ")))
	}
}

func init() {
	mappingsCmd.Flags().StringVar(&mappingsCategory, "category", "", "Filter by category")
	mappingsCmd.Flags().StringVar(&mappingsName, "name", "", "Filter by name substring")
	mappingsCmd.Flags().BoolVar(&mappingsAll, "all", false, "Include merged-away (inactive) mappings")
	mappingsCmd.Flags().IntVar(&mappingsLimit, "limit", 0, "Maximum mappings to list (0 = all)")
	mappingsCmd.AddCommand(mappingsShowCmd)
	rootCmd.AddCommand(mappingsCmd)
}
