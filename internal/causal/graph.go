// Package causal defines the contract with the external causal graph
// database. The graph is a best-effort collaborator: read queries return
// human-readable evidence strings and never errors; write calls are only
// ever issued from the fusion outbox, which logs and retries failures
// without surfacing them.
package causal

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/savornet/backline/internal/types"
)

// MaxEvidencePerQuery bounds each read query's result list.
const MaxEvidencePerQuery = 5

// Graph is the adapter contract. Read methods are keyed by (storeID,
// windowDays) and must return an empty list, never an error, when the
// backing store is unreachable or credentials are absent.
type Graph interface {
	// RootCauseDistribution summarizes historical root-cause frequencies
	// for similar anomalies at this store.
	RootCauseDistribution(ctx context.Context, storeID string, windowDays int) []string

	// SupplyChainTrace walks supplier -> batch -> item edges touching the
	// store in the window.
	SupplyChainTrace(ctx context.Context, storeID string, windowDays int) []string

	// OperationalCorrelations reports equipment/staff correlations observed
	// around the window.
	OperationalCorrelations(ctx context.Context, storeID string, windowDays int) []string

	// SimilarIncidents lists cross-store incidents resembling this one.
	SimilarIncidents(ctx context.Context, storeID string, windowDays int) []string

	// UpsertIngredient mirrors a canonical mapping into the graph.
	// Returns an error for the outbox to log and replay; callers other
	// than the outbox must not use it.
	UpsertIngredient(ctx context.Context, m *types.CanonicalMapping) error

	// LinkSameAs records a merge edge between two canonical IDs.
	LinkSameAs(ctx context.Context, keepID, mergeID string) error
}

// EvidencePack runs the four read queries concurrently under one deadline
// and concatenates the results in fixed order, each list capped at
// MaxEvidencePerQuery. A slow or broken graph yields a shorter pack, never
// an error.
func EvidencePack(ctx context.Context, g Graph, storeID string, windowDays int, timeout time.Duration) []string {
	if g == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dist, trace, corr, similar []string
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { dist = cap5(g.RootCauseDistribution(ctx, storeID, windowDays)); return nil })
	eg.Go(func() error { trace = cap5(g.SupplyChainTrace(ctx, storeID, windowDays)); return nil })
	eg.Go(func() error { corr = cap5(g.OperationalCorrelations(ctx, storeID, windowDays)); return nil })
	eg.Go(func() error { similar = cap5(g.SimilarIncidents(ctx, storeID, windowDays)); return nil })
	_ = eg.Wait() // queries never return errors

	out := make([]string, 0, len(dist)+len(trace)+len(corr)+len(similar))
	out = append(out, dist...)
	out = append(out, trace...)
	out = append(out, corr...)
	out = append(out, similar...)
	return out
}

func cap5(s []string) []string {
	if len(s) > MaxEvidencePerQuery {
		return s[:MaxEvidencePerQuery]
	}
	return s
}

// Noop is the adapter used when no graph is configured. All reads return
// nothing; writes succeed silently so the outbox drains.
type Noop struct{}

func (Noop) RootCauseDistribution(context.Context, string, int) []string   { return nil }
func (Noop) SupplyChainTrace(context.Context, string, int) []string        { return nil }
func (Noop) OperationalCorrelations(context.Context, string, int) []string { return nil }
func (Noop) SimilarIncidents(context.Context, string, int) []string        { return nil }
func (Noop) UpsertIngredient(context.Context, *types.CanonicalMapping) error {
	return nil
}
func (Noop) LinkSameAs(context.Context, string, string) error { return nil }
