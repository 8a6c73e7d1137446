package fusion

import (
	"context"
	"fmt"
	"strings"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/telemetry"
	"github.com/savornet/backline/internal/types"
)

// Merge folds mergeID into keepID: aliases and external ids are unioned
// (keep wins on conflicting source keys, the losing value stays resolvable
// as provenance), the canonical cost is recomputed as the confidence-
// weighted mean of all source costs, and the losing mapping is deactivated
// with MergedInto set. Nothing is ever deleted.
//
// Idempotent under retry: merging a mapping already merged into the same
// survivor is a no-op success. Merging into a different survivor, or naming
// an unknown/inactive keep, is NotFound.
func (r *Resolver) Merge(ctx context.Context, keepID, mergeID, reason, mergedBy string) (*types.CanonicalMapping, error) {
	if keepID == mergeID {
		return nil, fmt.Errorf("%w: cannot merge a mapping into itself", storage.ErrInvalidInput)
	}

	var keep *types.CanonicalMapping
	err := r.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		keep, err = r.mergeTx(ctx, tx, keepID, mergeID, reason, mergedBy)
		return err
	})
	if err != nil {
		return nil, err
	}

	telemetry.RecordMerge(ctx)
	r.DrainOutbox(ctx)
	return keep, nil
}

func (r *Resolver) mergeTx(ctx context.Context, tx storage.Tx, keepID, mergeID, reason, mergedBy string) (*types.CanonicalMapping, error) {
	now := r.opts.Now().UTC()

	keep, err := tx.GetMapping(ctx, keepID)
	if err != nil {
		return nil, err
	}
	if !keep.Active {
		return nil, fmt.Errorf("keep mapping %s is not active: %w", keepID, storage.ErrNotFound)
	}

	mrg, err := tx.GetMapping(ctx, mergeID)
	if err != nil {
		return nil, err
	}
	if !mrg.Active {
		if mrg.MergedInto == keepID {
			// Retry of a merge that already happened; report success.
			return keep, nil
		}
		return nil, fmt.Errorf("mapping %s already merged into %s: %w", mergeID, mrg.MergedInto, storage.ErrNotFound)
	}

	// Fold identifiers into the survivor. Demoted pairs are the losing
	// values for sources where keep already had a primary.
	demoted, err := tx.MergeExternalIDs(ctx, mergeID, keepID)
	if err != nil {
		return nil, err
	}
	for source, extID := range mrg.ExternalIDs {
		if _, ok := keep.ExternalIDs[source]; !ok {
			if keep.ExternalIDs == nil {
				keep.ExternalIDs = make(map[string]string)
			}
			keep.ExternalIDs[source] = extID
		}
	}

	// Union aliases (the absorbed mapping's canonical name becomes an alias)
	for _, name := range mrg.AllNames() {
		norm := types.NormalizeName(name)
		dup := types.NormalizeName(keep.Name) == norm
		for _, a := range keep.Aliases {
			if types.NormalizeName(a) == norm {
				dup = true
				break
			}
		}
		if !dup {
			keep.Aliases = append(keep.Aliases, name)
		}
	}

	// Move costs (keep wins on source conflicts), then recompute the
	// canonical cost over the combined set.
	skippedCosts, err := tx.MoveSourceCosts(ctx, mergeID, keepID)
	if err != nil {
		return nil, err
	}
	skipped := make(map[string]bool, len(skippedCosts))
	for _, s := range skippedCosts {
		skipped[s] = true
	}
	if keep.SourceCosts == nil && len(mrg.SourceCosts) > 0 {
		keep.SourceCosts = make(map[string]types.SourceCost)
	}
	for source, sc := range mrg.SourceCosts {
		if _, ok := keep.SourceCosts[source]; !ok && !skipped[source] {
			keep.SourceCosts[source] = sc
		}
	}
	keep.CanonicalCost = WeightedCanonicalCost(keep.SourceCosts)

	// Provenance: survivor records the absorbed id; absorbed mapping points
	// at its survivor and goes inactive.
	if err := tx.AppendMergedFrom(ctx, keepID, mergeID, reason, mergedBy); err != nil {
		return nil, err
	}
	keep.MergedFrom = appendUnique(keep.MergedFrom, mergeID)
	keep.Method = types.MethodManualMerge
	if keep.Unit == "" {
		keep.Unit = mrg.Unit
	}
	if keep.Category == "" {
		keep.Category = mrg.Category
	}

	mrg.Active = false
	mrg.MergedInto = keepID

	if err := tx.UpdateMapping(ctx, keep); err != nil {
		return nil, err
	}
	if err := tx.UpdateMapping(ctx, mrg); err != nil {
		return nil, err
	}

	evidence := map[string]string{
		"reason":    reason,
		"merged_id": mergeID,
	}
	if len(demoted) > 0 {
		pairs := make([]string, len(demoted))
		for i, d := range demoted {
			pairs[i] = d.Source + "=" + d.ExternalID
		}
		evidence["demoted_external_ids"] = strings.Join(pairs, ",")
	}
	if len(skippedCosts) > 0 {
		evidence["kept_costs_for"] = strings.Join(skippedCosts, ",")
	}
	if err := tx.AppendAudit(ctx, &types.AuditEntry{
		CanonicalID:        keepID,
		Action:             types.AuditActionManualMerge,
		MatchedCanonicalID: mergeID,
		Confidence:         keep.Confidence,
		FusionMethod:       types.MethodManualMerge,
		Evidence:           evidence,
		CreatedAt:          now,
		CreatedBy:          mergedBy,
	}); err != nil {
		return nil, err
	}

	if err := tx.EnqueueOutbox(ctx, storage.OutboxUpsertIngredient, upsertPayload{CanonicalID: keepID}); err != nil {
		return nil, err
	}
	if err := tx.EnqueueOutbox(ctx, storage.OutboxLinkSameAs, linkPayload{Keep: keepID, Merge: mergeID}); err != nil {
		return nil, err
	}

	return keep, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
