package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/idgen"
	"github.com/savornet/backline/internal/timeparsing"
	"github.com/savornet/backline/internal/types"
	"github.com/savornet/backline/internal/ui"
)

var (
	wasteStore    string
	wasteItem     string
	wasteQty      float64
	wasteUnit     string
	wasteOccurred string
	wasteWindow   string
)

var wasteCmd = &cobra.Command{
	Use:   "waste",
	Short: "Record and list waste events",
}

var wasteAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record one waste event against a canonical item",
	Example: `  bl waste add --store store-021 --item ing-8c2xk41 --qty 3.5 --unit kg
  bl waste add --store store-021 --item ing-8c2xk41 --qty 1 --at yesterday`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()

		occurred := now
		if wasteOccurred != "" {
			t, err := timeparsing.ParsePoint(wasteOccurred, now)
			if err != nil {
				fatal(fmt.Errorf("--at: %w", err))
			}
			occurred = t
		}

		// The item must resolve to an active mapping before we record against it.
		if _, err := store.GetMapping(rootCtx, wasteItem); err != nil {
			fatal(err)
		}

		event := &types.WasteEvent{
			ID:          idgen.New(idgen.PrefixWasteEvent, now, 0, wasteStore, wasteItem),
			StoreID:     wasteStore,
			CanonicalID: wasteItem,
			Qty:         wasteQty,
			Unit:        wasteUnit,
			OccurredAt:  occurred,
			ReportedBy:  getActor(),
			CreatedAt:   now,
		}
		if err := event.Validate(); err != nil {
			fatal(err)
		}
		if err := store.CreateWasteEvent(rootCtx, event); err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(event)
			return nil
		}
		info("%s recorded %s (%.2f %s of %s at %s)", ui.RenderPassIcon(),
			event.ID, event.Qty, event.Unit, event.CanonicalID, event.StoreID)
		return nil
	},
}

var wasteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List waste events for a store and window",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := timeparsing.ParseWindow(wasteWindow, time.Now())
		if err != nil {
			fatal(fmt.Errorf("window: %w", err))
		}

		events, err := store.ListWasteEvents(rootCtx, wasteStore, from, to)
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(events)
			return nil
		}

		if len(events) == 0 {
			info("no waste events")
			return nil
		}
		for _, e := range events {
			line := fmt.Sprintf("%s  %s  %6.2f %-4s %s",
				ui.RenderAccent(e.ID), e.OccurredAt.Format("2006-01-02"), e.Qty, e.Unit, e.CanonicalID)
			if e.RootCause != "" {
				line += "  " + ui.RenderMuted(e.RootCause)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	wasteAddCmd.Flags().StringVar(&wasteStore, "store", "", "Store id")
	wasteAddCmd.Flags().StringVar(&wasteItem, "item", "", "Canonical item id")
	wasteAddCmd.Flags().Float64Var(&wasteQty, "qty", 0, "Quantity wasted")
	wasteAddCmd.Flags().StringVar(&wasteUnit, "unit", "", "Unit of measure")
	wasteAddCmd.Flags().StringVar(&wasteOccurred, "at", "", "When it happened (default: now)")
	_ = wasteAddCmd.MarkFlagRequired("store")
	_ = wasteAddCmd.MarkFlagRequired("item")
	_ = wasteAddCmd.MarkFlagRequired("qty")

	wasteListCmd.Flags().StringVar(&wasteStore, "store", "", "Store id")
	wasteListCmd.Flags().StringVar(&wasteWindow, "window", "7d", "Time window")
	_ = wasteListCmd.MarkFlagRequired("store")

	wasteCmd.AddCommand(wasteAddCmd)
	wasteCmd.AddCommand(wasteListCmd)
	rootCmd.AddCommand(wasteCmd)
}
