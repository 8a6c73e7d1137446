package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/fusion"
	"github.com/savornet/backline/internal/ui"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Causal graph maintenance",
}

var graphSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending graph writes from the outbox",
	Long: `Deliver outbox items that accumulated while the causal graph was
unreachable. Items that fail again stay queued with their error recorded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.GraphURL() == "" {
			fatal(fmt.Errorf("no graph configured: set %s", config.KeyGraphURL))
		}

		delivered, failed, err := fusion.SyncOutbox(rootCtx, store, newGraph(), config.GraphTimeout())
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(map[string]int{"delivered": delivered, "failed": failed})
			return nil
		}
		if failed > 0 {
			info("%s delivered %d, %d still pending", ui.RenderWarnIcon(), delivered, failed)
		} else {
			info("%s delivered %d, outbox clear", ui.RenderPassIcon(), delivered)
		}
		return nil
	},
}

var graphPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List outbox items awaiting delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		items, err := store.PendingOutbox(rootCtx, limit)
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(items)
			return nil
		}

		if len(items) == 0 {
			info("%s outbox clear", ui.RenderPassIcon())
			return nil
		}
		for _, item := range items {
			line := fmt.Sprintf("%4d  %-18s attempts %d", item.ID, item.Kind, item.Attempts)
			if item.LastError != "" {
				line += "  " + ui.RenderFail(item.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	graphPendingCmd.Flags().Int("limit", 50, "Maximum items to list")
	graphCmd.AddCommand(graphSyncCmd)
	graphCmd.AddCommand(graphPendingCmd)
	rootCmd.AddCommand(graphCmd)
}
