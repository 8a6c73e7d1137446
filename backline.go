// Package backline provides a minimal public API for extending bl with
// custom orchestration.
//
// Most extensions should use direct SQL queries against bl's database.
// This package exports only the essential types and functions needed for
// Go-based extensions that want to use bl's engines programmatically.
package backline

import (
	"context"

	"github.com/savornet/backline/internal/causal"
	"github.com/savornet/backline/internal/fusion"
	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/storage/sqlite"
	"github.com/savornet/backline/internal/types"
)

// Core types for working with canonical mappings and reports
type (
	CanonicalMapping = types.CanonicalMapping
	ReasoningReport  = types.ReasoningReport
	ActionPlan       = types.ActionPlan
	WasteEvent       = types.WasteEvent
	Severity         = types.Severity
	Dimension        = types.Dimension

	ResolveInput = fusion.ResolveInput
	Resolution   = fusion.Resolution
	Resolver     = fusion.Resolver
)

// Severity constants
const (
	SeverityP1 = types.SeverityP1
	SeverityP2 = types.SeverityP2
	SeverityP3 = types.SeverityP3
	SeverityOK = types.SeverityOK
)

// Dimension constants
const (
	DimensionWaste      = types.DimensionWaste
	DimensionEfficiency = types.DimensionEfficiency
	DimensionQuality    = types.DimensionQuality
	DimensionCost       = types.DimensionCost
	DimensionInventory  = types.DimensionInventory
	DimensionCrossStore = types.DimensionCrossStore
)

// Storage provides the persistence interface for extension orchestration
type Storage = storage.Storage

// NewSQLiteStorage opens a bl SQLite database for programmatic access.
func NewSQLiteStorage(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}

// NewResolver creates a fusion resolver over an open store with default
// tuning and no causal graph. Extensions needing graph delivery or custom
// thresholds should use the internal packages via their own fork.
func NewResolver(store Storage) *Resolver {
	return fusion.NewResolver(store, causal.Noop{}, fusion.Options{})
}
