package reason

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/savornet/backline/internal/bom"
	"github.com/savornet/backline/internal/opsdata"
)

// CauseKind classifies where a candidate cause came from.
type CauseKind string

const (
	CauseInventoryVariance CauseKind = "inventory_variance"
	CauseBOMDeviation      CauseKind = "bom_deviation"
	CauseStaffWindow       CauseKind = "staff_window"
	CauseSupplierBatch     CauseKind = "supplier_batch"
)

// Fixed candidate scores. Inventory variance scores by magnitude; the
// other steps generate candidates at fixed levels so a strong variance
// signal always outranks mere presence in the window.
const (
	scoreBOMDeviation  = 75.0
	scoreSupplierBatch = 45.0
	scoreStaffWindow   = 40.0

	topCauses = 3
)

// CandidateCause is one scored root-cause candidate. Every cause carries
// at least one evidence pointer back to the data that produced it.
type CandidateCause struct {
	Kind     CauseKind `json:"kind"`
	Subject  string    `json:"subject"` // canonical id, staff id, or PO id
	Label    string    `json:"label"`
	Score    float64   `json:"score"`
	Evidence []string  `json:"evidence"`
}

// variance is one flagged item from step 1, feeding steps 2 and 4.
type variance struct {
	canonicalID string
	first, last opsdata.InventorySnapshot
	relChange   float64 // (last-first)/first
}

// RootCauses runs the five-step pipeline for one store and window: flag
// inventory variance, check flagged items against expected BOM consumption,
// collect staff and supplier candidates, then score and rank every
// candidate. The full ranked list comes back; callers trim for display
// after deriving whatever signals they need from it.
func RootCauses(ctx context.Context, provider opsdata.Provider, pack *bom.Pack, storeID string, from, to time.Time, variancePct, bomFraction float64) ([]CandidateCause, error) {
	snapshots, err := provider.InventorySnapshots(ctx, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reason: load snapshots: %w", err)
	}

	// Step 1: first-vs-last variance per item
	flagged := flagVariances(snapshots, variancePct)

	var causes []CandidateCause
	for _, v := range flagged {
		causes = append(causes, CandidateCause{
			Kind:    CauseInventoryVariance,
			Subject: v.canonicalID,
			Label:   fmt.Sprintf("inventory variance %.1f%% on %s", v.relChange*100, v.canonicalID),
			Score:   math.Abs(v.relChange) * 100,
			Evidence: []string{
				fmt.Sprintf("snapshot %s: qty %.2f", v.first.TakenAt.Format(time.RFC3339), v.first.Qty),
				fmt.Sprintf("snapshot %s: qty %.2f", v.last.TakenAt.Format(time.RFC3339), v.last.Qty),
			},
		})
	}

	// Step 2: BOM deviation for flagged items
	sold, err := provider.UnitsSold(ctx, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reason: load sales: %w", err)
	}
	for _, v := range flagged {
		if cause := bomDeviation(ctx, provider, pack, v, sold, bomFraction); cause != nil {
			causes = append(causes, *cause)
		}
	}

	// Steps 3 and 4 only contribute when something is flagged; staff and
	// supplier presence is not an anomaly on its own.
	if len(flagged) > 0 {
		shifts, err := provider.StaffShifts(ctx, storeID, from, to)
		if err != nil {
			return nil, fmt.Errorf("reason: load shifts: %w", err)
		}
		for _, sh := range shifts {
			label := sh.Name
			if label == "" {
				label = sh.StaffID
			}
			causes = append(causes, CandidateCause{
				Kind:    CauseStaffWindow,
				Subject: sh.StaffID,
				Label:   fmt.Sprintf("staff %s scheduled in window", label),
				Score:   scoreStaffWindow,
				Evidence: []string{
					fmt.Sprintf("shift %s to %s", sh.Start.Format(time.RFC3339), sh.End.Format(time.RFC3339)),
				},
			})
		}

		lines, err := provider.PurchaseLines(ctx, storeID, from, to)
		if err != nil {
			return nil, fmt.Errorf("reason: load purchase lines: %w", err)
		}
		flaggedSet := make(map[string]bool, len(flagged))
		for _, v := range flagged {
			flaggedSet[v.canonicalID] = true
		}
		for _, l := range lines {
			if !flaggedSet[l.CanonicalID] {
				continue
			}
			supplier := l.SupplierName
			if supplier == "" {
				supplier = l.SupplierID
			}
			causes = append(causes, CandidateCause{
				Kind:    CauseSupplierBatch,
				Subject: l.POID,
				Label:   fmt.Sprintf("purchase batch %s from %s touching %s", l.POID, supplier, l.CanonicalID),
				Score:   scoreSupplierBatch,
				Evidence: []string{
					fmt.Sprintf("PO %s received %s: %.2f %s", l.POID, l.ReceivedAt.Format(time.RFC3339), l.Qty, l.Unit),
				},
			})
		}
	}

	// Step 5: rank
	sort.SliceStable(causes, func(i, j int) bool {
		if causes[i].Score != causes[j].Score {
			return causes[i].Score > causes[j].Score
		}
		if causes[i].Kind != causes[j].Kind {
			return causes[i].Kind < causes[j].Kind
		}
		return causes[i].Subject < causes[j].Subject
	})
	return causes, nil
}

// flagVariances diffs first vs last snapshot per item and keeps items whose
// relative change exceeds the threshold. Items with no measurable change
// never become candidates.
func flagVariances(snapshots []opsdata.InventorySnapshot, thresholdPct float64) []variance {
	byItem := make(map[string][]opsdata.InventorySnapshot)
	var order []string
	for _, s := range snapshots {
		if _, seen := byItem[s.CanonicalID]; !seen {
			order = append(order, s.CanonicalID)
		}
		byItem[s.CanonicalID] = append(byItem[s.CanonicalID], s)
	}

	var out []variance
	for _, id := range order {
		snaps := byItem[id]
		if len(snaps) < 2 {
			continue
		}
		sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].TakenAt.Before(snaps[j].TakenAt) })
		first, last := snaps[0], snaps[len(snaps)-1]
		if first.Qty == 0 {
			continue
		}
		rel := (last.Qty - first.Qty) / first.Qty
		if math.Abs(rel)*100 > thresholdPct {
			out = append(out, variance{canonicalID: id, first: first, last: last, relChange: rel})
		}
	}
	return out
}

// bomDeviation compares actual consumption (inferred from the variance)
// against expected consumption (recipe qty per unit x units sold, summed
// across recipes using the item). Missing recipe links are themselves an
// anomaly: an item moving with no recipe to explain it.
func bomDeviation(ctx context.Context, provider opsdata.Provider, pack *bom.Pack, v variance, sold map[string]float64, fraction float64) *CandidateCause {
	links, err := provider.RecipeLinks(ctx, v.canonicalID)
	if err != nil || len(links) == 0 {
		if pack != nil {
			links = pack.LinksFor(v.canonicalID, "")
		}
	}
	if len(links) == 0 {
		return &CandidateCause{
			Kind:     CauseBOMDeviation,
			Subject:  v.canonicalID,
			Label:    fmt.Sprintf("no recipe links explain consumption of %s", v.canonicalID),
			Score:    scoreBOMDeviation,
			Evidence: []string{fmt.Sprintf("item %s moved %.2f with zero recipe links", v.canonicalID, v.first.Qty-v.last.Qty)},
		}
	}

	var expected float64
	recipeIDs := make([]string, 0, len(links))
	for _, l := range links {
		expected += l.QtyPerUnit * sold[l.RecipeID]
		recipeIDs = append(recipeIDs, l.RecipeID)
	}

	actual := v.first.Qty - v.last.Qty // consumption; restocks come out negative
	if expected <= 0 {
		// Recipes exist but nothing sold: any positive consumption is
		// unexplained stock movement.
		if actual <= 0 {
			return nil
		}
		return &CandidateCause{
			Kind:    CauseBOMDeviation,
			Subject: v.canonicalID,
			Label:   fmt.Sprintf("consumption of %s with no recorded sales of its recipes", v.canonicalID),
			Score:   scoreBOMDeviation,
			Evidence: []string{
				fmt.Sprintf("actual %.2f vs expected 0.00 over recipes %v", actual, recipeIDs),
			},
		}
	}
	deviation := math.Abs(actual - expected)
	if deviation <= fraction*expected {
		return nil
	}
	return &CandidateCause{
		Kind:    CauseBOMDeviation,
		Subject: v.canonicalID,
		Label:   fmt.Sprintf("consumption of %s deviates %.1f%% from standard recipes", v.canonicalID, deviation/expected*100),
		Score:   scoreBOMDeviation,
		Evidence: []string{
			fmt.Sprintf("actual %.2f vs expected %.2f over recipes %v", actual, expected, recipeIDs),
		},
	}
}
