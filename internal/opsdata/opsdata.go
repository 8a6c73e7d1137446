// Package opsdata reads operational data out of the platform's CRUD
// database: inventory snapshots, recipe links, sales, shifts, and purchase
// orders, all keyed by canonical ingredient IDs. The package is strictly
// read-only; backline never writes to the platform mirror.
package opsdata

import (
	"context"
	"time"
)

// InventorySnapshot is one stock-count observation for one item.
type InventorySnapshot struct {
	StoreID     string    `json:"store_id"`
	CanonicalID string    `json:"canonical_id"`
	Qty         float64   `json:"qty"`
	Unit        string    `json:"unit,omitempty"`
	TakenAt     time.Time `json:"taken_at"`
}

// RecipeLink binds a canonical ingredient to a menu recipe with the
// standard quantity consumed per unit sold.
type RecipeLink struct {
	RecipeID    string  `json:"recipe_id"`
	RecipeName  string  `json:"recipe_name,omitempty"`
	CanonicalID string  `json:"canonical_id"`
	QtyPerUnit  float64 `json:"qty_per_unit"`
	Unit        string  `json:"unit,omitempty"`
}

// StaffShift is one scheduled shift at a store.
type StaffShift struct {
	StaffID string    `json:"staff_id"`
	Name    string    `json:"name,omitempty"`
	Role    string    `json:"role,omitempty"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// PurchaseLine is one received purchase-order line for one item.
type PurchaseLine struct {
	POID         string    `json:"po_id"`
	SupplierID   string    `json:"supplier_id"`
	SupplierName string    `json:"supplier_name,omitempty"`
	CanonicalID  string    `json:"canonical_id"`
	Qty          float64   `json:"qty"`
	Unit         string    `json:"unit,omitempty"`
	Cost         float64   `json:"cost,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Provider is the read surface the reasoner consumes. Implementations
// return empty slices, not errors, when a store simply has no data in the
// window; errors are reserved for the backend being unreachable.
type Provider interface {
	// InventorySnapshots returns snapshots for a store within [from, to],
	// ordered by TakenAt ascending.
	InventorySnapshots(ctx context.Context, storeID string, from, to time.Time) ([]InventorySnapshot, error)

	// RecipeLinks returns every recipe that consumes the given ingredient.
	RecipeLinks(ctx context.Context, canonicalID string) ([]RecipeLink, error)

	// UnitsSold returns units sold per recipe for a store within [from, to].
	UnitsSold(ctx context.Context, storeID string, from, to time.Time) (map[string]float64, error)

	// StaffShifts returns shifts overlapping [from, to] at a store.
	StaffShifts(ctx context.Context, storeID string, from, to time.Time) ([]StaffShift, error)

	// PurchaseLines returns PO lines received within [from, to] at a store.
	PurchaseLines(ctx context.Context, storeID string, from, to time.Time) ([]PurchaseLine, error)
}

// Static is an in-memory Provider. It backs tests and the degraded mode
// where no platform DSN is configured (engines still run over empty data).
type Static struct {
	Snapshots []InventorySnapshot
	Recipes   []RecipeLink
	Sales     map[string]map[string]float64 // storeID -> recipeID -> units
	Shifts    map[string][]StaffShift       // storeID -> shifts
	Purchases map[string][]PurchaseLine     // storeID -> lines
}

var _ Provider = (*Static)(nil)

func (s *Static) InventorySnapshots(_ context.Context, storeID string, from, to time.Time) ([]InventorySnapshot, error) {
	var out []InventorySnapshot
	for _, snap := range s.Snapshots {
		if snap.StoreID == storeID && !snap.TakenAt.Before(from) && !snap.TakenAt.After(to) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *Static) RecipeLinks(_ context.Context, canonicalID string) ([]RecipeLink, error) {
	var out []RecipeLink
	for _, l := range s.Recipes {
		if l.CanonicalID == canonicalID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Static) UnitsSold(_ context.Context, storeID string, _, _ time.Time) (map[string]float64, error) {
	out := make(map[string]float64)
	for recipeID, units := range s.Sales[storeID] {
		out[recipeID] = units
	}
	return out, nil
}

func (s *Static) StaffShifts(_ context.Context, storeID string, from, to time.Time) ([]StaffShift, error) {
	var out []StaffShift
	for _, sh := range s.Shifts[storeID] {
		if sh.End.After(from) && sh.Start.Before(to) {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (s *Static) PurchaseLines(_ context.Context, storeID string, from, to time.Time) ([]PurchaseLine, error) {
	var out []PurchaseLine
	for _, l := range s.Purchases[storeID] {
		if !l.ReceivedAt.Before(from) && !l.ReceivedAt.After(to) {
			out = append(out, l)
		}
	}
	return out, nil
}
