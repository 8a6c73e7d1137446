// Package fusion implements the identity-resolution engine: it reconciles
// the same real-world ingredient/item as reported by multiple heterogeneous
// upstream systems into one canonical mapping.
package fusion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/savornet/backline/internal/causal"
	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/idgen"
	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/telemetry"
	"github.com/savornet/backline/internal/types"
)

// Options tunes the resolver. Zero values are replaced by configuration
// defaults in NewResolver.
type Options struct {
	// FuzzyHigh is the similarity at or above which a fuzzy match attaches
	// without review.
	FuzzyHigh float64

	// FuzzyAmbiguous is the lower bound of the ambiguous band
	// [FuzzyAmbiguous, FuzzyHigh): attach, but flag for manual review.
	FuzzyAmbiguous float64

	// SourceWeight returns the creation confidence for a brand-new entity
	// first reported by the given source.
	SourceWeight func(source string) float64

	// GraphTimeout bounds each outbox delivery attempt.
	GraphTimeout time.Duration

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

func (o *Options) fillDefaults() {
	if o.FuzzyHigh == 0 {
		o.FuzzyHigh = config.FuzzyHigh()
	}
	if o.FuzzyAmbiguous == 0 {
		o.FuzzyAmbiguous = config.FuzzyAmbiguous()
	}
	if o.SourceWeight == nil {
		o.SourceWeight = config.SourceWeight
	}
	if o.GraphTimeout == 0 {
		o.GraphTimeout = config.GraphTimeout()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Resolver resolves (source, external_id, name) tuples to canonical
// mappings. Stateless between calls except for the ensured cache, which is
// safe to lose on restart.
type Resolver struct {
	store storage.Storage
	graph causal.Graph
	opts  Options

	// ensured caches (source, external_id) -> canonical ID for pairs this
	// process has already resolved, short-circuiting repeat lookups.
	mu      sync.Mutex
	ensured map[string]string
}

// NewResolver creates a resolver over the given store and graph adapter.
// Pass causal.Noop{} when no graph is configured.
func NewResolver(store storage.Storage, graph causal.Graph, opts Options) *Resolver {
	opts.fillDefaults()
	if graph == nil {
		graph = causal.Noop{}
	}
	return &Resolver{
		store:   store,
		graph:   graph,
		opts:    opts,
		ensured: make(map[string]string),
	}
}

// ResolveInput is one raw source record.
type ResolveInput struct {
	Source      string   `json:"source"`
	ExternalID  string   `json:"external_id"`
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Cost        *float64 `json:"cost,omitempty"`
	SubmittedBy string   `json:"submitted_by,omitempty"`
}

// Validate checks the input before resolution.
func (in *ResolveInput) Validate() error {
	if in.Source == "" {
		return fmt.Errorf("%w: source is required", storage.ErrInvalidInput)
	}
	if in.ExternalID == "" {
		return fmt.Errorf("%w: external_id is required", storage.ErrInvalidInput)
	}
	if types.NormalizeName(in.Name) == "" {
		return fmt.Errorf("%w: name is required", storage.ErrInvalidInput)
	}
	if in.Cost != nil && *in.Cost < 0 {
		return fmt.Errorf("%w: cost must be non-negative", storage.ErrInvalidInput)
	}
	return nil
}

// Resolution is the outcome of one resolve call. Conflict=true is a
// successful resolution that awaits eventual human review, not an error.
type Resolution struct {
	Mapping    *types.CanonicalMapping `json:"mapping"`
	Method     types.FusionMethod      `json:"fusion_method"`
	Confidence float64                 `json:"confidence"`
	Created    bool                    `json:"created"`
	Conflict   bool                    `json:"conflict"`
}

func cacheKey(source, externalID string) string {
	return source + "\x00" + externalID
}

// ResolveOrCreate resolves one raw source record to a canonical mapping,
// creating a new one when nothing matches. The whole decision executes in a
// single transaction; the graph upsert happens after commit, best-effort.
//
// A cost-free repeat of a pair this process already resolved is served from
// the in-process cache without a transaction and without a new audit entry;
// the audited decision for that pair is the original one.
func (r *Resolver) ResolveOrCreate(ctx context.Context, in ResolveInput) (*Resolution, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	// Fast path: a pair this process already resolved, with no cost to
	// refresh, needs no transaction.
	if in.Cost == nil {
		if res, ok := r.resolveFromCache(ctx, in); ok {
			return res, nil
		}
	}

	var res *Resolution
	resolve := func(tx storage.Tx) error {
		var err error
		res, err = r.resolveTx(ctx, tx, in)
		return err
	}

	err := r.store.RunInTransaction(ctx, resolve)
	if storage.IsConflict(err) {
		// Another writer created the same (source, external_id) between our
		// lookup and insert. The uniqueness constraint is authoritative:
		// retry as a lookup.
		err = r.store.RunInTransaction(ctx, resolve)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.ensured[cacheKey(in.Source, in.ExternalID)] = res.Mapping.ID
	r.mu.Unlock()

	telemetry.RecordResolution(ctx, string(res.Method), res.Created)

	// Local state is durable at this point; graph sync must never affect
	// the caller.
	r.DrainOutbox(ctx)

	return res, nil
}

func (r *Resolver) resolveFromCache(ctx context.Context, in ResolveInput) (*Resolution, bool) {
	r.mu.Lock()
	id, ok := r.ensured[cacheKey(in.Source, in.ExternalID)]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	m, err := r.store.GetMapping(ctx, id)
	if err != nil || !m.Active {
		return nil, false
	}
	return &Resolution{Mapping: m, Method: types.MethodExactID, Confidence: 1.0}, true
}

// resolveTx runs the four-step match cascade inside one transaction.
func (r *Resolver) resolveTx(ctx context.Context, tx storage.Tx, in ResolveInput) (*Resolution, error) {
	now := r.opts.Now().UTC()

	// Step 1: exact (source, external_id) lookup
	m, err := tx.GetMappingByExternalID(ctx, in.Source, in.ExternalID)
	if err == nil && m.Active {
		if in.Cost != nil {
			if err := r.refreshCost(ctx, tx, m, in, 1.0, now); err != nil {
				return nil, err
			}
		}
		if err := tx.AppendAudit(ctx, &types.AuditEntry{
			CanonicalID:        m.ID,
			Action:             types.AuditActionResolveExactID,
			SourceSystem:       in.Source,
			RawExternalID:      in.ExternalID,
			RawName:            in.Name,
			MatchedCanonicalID: m.ID,
			Confidence:         1.0,
			FusionMethod:       types.MethodExactID,
			CreatedAt:          now,
			CreatedBy:          in.SubmittedBy,
		}); err != nil {
			return nil, err
		}
		return &Resolution{Mapping: m, Method: types.MethodExactID, Confidence: 1.0}, nil
	}
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}

	// Step 2: exact name/alias match
	norm := types.NormalizeName(in.Name)
	m, err = tx.FindActiveByName(ctx, norm)
	if err == nil {
		return r.attach(ctx, tx, m, in, attachParams{
			method:     types.MethodExactName,
			confidence: 0.98,
			action:     types.AuditActionResolveExactName,
			now:        now,
		})
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	// Step 3: fuzzy name match within the category (all categories when
	// the input has none)
	best, bestSim, err := r.bestFuzzyMatch(ctx, tx, norm, in.Category)
	if err != nil {
		return nil, err
	}
	if best != nil && bestSim >= r.opts.FuzzyHigh {
		return r.attach(ctx, tx, best, in, attachParams{
			method:     types.MethodFuzzyName,
			confidence: bestSim * fuzzyAttachFactor,
			action:     types.AuditActionResolveFuzzy,
			similarity: bestSim,
			now:        now,
		})
	}
	if best != nil && bestSim >= r.opts.FuzzyAmbiguous {
		// Ambiguous band: attach, but flag for manual review
		return r.attach(ctx, tx, best, in, attachParams{
			method:     types.MethodFuzzyName,
			confidence: bestSim * fuzzyAttachFactor,
			action:     types.AuditActionResolveFuzzy,
			similarity: bestSim,
			conflict:   true,
			now:        now,
		})
	}

	// Step 4: nothing matches; create a new canonical entity
	return r.create(ctx, tx, in, now)
}

// bestFuzzyMatch scans active mappings for the highest token-set similarity.
// Candidates arrive ordered by (created_at, id); a strictly-greater
// comparison makes the tie-break deterministic (earliest mapping wins).
func (r *Resolver) bestFuzzyMatch(ctx context.Context, tx storage.Tx, norm, category string) (*types.CanonicalMapping, float64, error) {
	candidates, err := tx.ListActiveMappings(ctx, category)
	if err != nil {
		return nil, 0, err
	}
	var best *types.CanonicalMapping
	bestSim := 0.0
	for _, c := range candidates {
		for _, name := range c.AllNames() {
			if sim := TokenSetSimilarity(norm, types.NormalizeName(name)); sim > bestSim {
				best, bestSim = c, sim
			}
		}
	}
	return best, bestSim, nil
}

type attachParams struct {
	method     types.FusionMethod
	confidence float64
	action     string
	similarity float64
	conflict   bool
	now        time.Time
}

// attach binds the new (source, external_id) pair to an existing mapping,
// records the raw name as an alias, refreshes cost, and audits the decision.
func (r *Resolver) attach(ctx context.Context, tx storage.Tx, m *types.CanonicalMapping, in ResolveInput, p attachParams) (*Resolution, error) {
	if err := tx.AttachExternalID(ctx, m.ID, in.Source, in.ExternalID); err != nil {
		return nil, err
	}
	// The map keeps one primary value per source; a second id from the same
	// source is stored as a non-primary row and does not displace it.
	if _, ok := m.ExternalIDs[in.Source]; !ok {
		if m.ExternalIDs == nil {
			m.ExternalIDs = make(map[string]string)
		}
		m.ExternalIDs[in.Source] = in.ExternalID
	}

	norm := types.NormalizeName(in.Name)
	if !m.HasAlias(in.Name) && types.NormalizeName(m.Name) != norm {
		already := false
		for _, a := range m.Aliases {
			if types.NormalizeName(a) == norm {
				already = true
				break
			}
		}
		if !already {
			m.Aliases = append(m.Aliases, in.Name)
		}
	}

	m.Method = p.method
	m.Confidence = p.confidence
	if p.conflict {
		m.ConflictFlag = true
	}
	if m.Unit == "" {
		m.Unit = in.Unit
	}
	if m.Category == "" {
		m.Category = in.Category
	}

	if in.Cost != nil {
		if err := r.refreshCost(ctx, tx, m, in, p.confidence, p.now); err != nil {
			return nil, err
		}
	}
	if err := tx.UpdateMapping(ctx, m); err != nil {
		return nil, err
	}

	evidence := map[string]string{"matched_name": m.Name}
	if p.similarity > 0 {
		evidence["similarity"] = fmt.Sprintf("%.4f", p.similarity)
	}
	if p.conflict {
		evidence["ambiguous_band"] = fmt.Sprintf("[%.2f, %.2f)", r.opts.FuzzyAmbiguous, r.opts.FuzzyHigh)
	}
	if err := tx.AppendAudit(ctx, &types.AuditEntry{
		CanonicalID:        m.ID,
		Action:             p.action,
		SourceSystem:       in.Source,
		RawExternalID:      in.ExternalID,
		RawName:            in.Name,
		MatchedCanonicalID: m.ID,
		Confidence:         p.confidence,
		FusionMethod:       p.method,
		Evidence:           evidence,
		CreatedAt:          p.now,
		CreatedBy:          in.SubmittedBy,
	}); err != nil {
		return nil, err
	}

	if err := tx.EnqueueOutbox(ctx, storage.OutboxUpsertIngredient, upsertPayload{CanonicalID: m.ID}); err != nil {
		return nil, err
	}

	return &Resolution{
		Mapping:    m,
		Method:     p.method,
		Confidence: p.confidence,
		Conflict:   p.conflict,
	}, nil
}

// create inserts a brand-new canonical mapping. Creation confidence is the
// per-source reliability weight.
func (r *Resolver) create(ctx context.Context, tx storage.Tx, in ResolveInput, now time.Time) (*Resolution, error) {
	confidence := r.opts.SourceWeight(in.Source)

	m := &types.CanonicalMapping{
		Name:        in.Name,
		Category:    in.Category,
		Unit:        in.Unit,
		ExternalIDs: map[string]string{in.Source: in.ExternalID},
		Confidence:  confidence,
		Method:      types.MethodNew,
		Active:      true,
		CreatedAt:   now,
		CreatedBy:   in.SubmittedBy,
	}
	if in.Cost != nil {
		m.CanonicalCost = *in.Cost
		m.SourceCosts = map[string]types.SourceCost{
			in.Source: {Cost: *in.Cost, Confidence: confidence, RecordedAt: now},
		}
	}

	// Hash IDs collide rarely; bump the nonce and retry when they do.
	var createErr error
	for nonce := 0; nonce < 5; nonce++ {
		m.ID = idgen.New(idgen.PrefixIngredient, now, nonce, in.Name, in.Source, in.ExternalID)
		createErr = tx.CreateMapping(ctx, m)
		if createErr == nil {
			break
		}
		if !storage.IsConflict(createErr) {
			return nil, createErr
		}
		// A conflict on the external-id pair (not the mapping id) means a
		// concurrent create won; surface it so the caller retries as a lookup.
		if existing, err := tx.GetMappingByExternalID(ctx, in.Source, in.ExternalID); err == nil && existing != nil {
			return nil, createErr
		}
	}
	if createErr != nil {
		return nil, createErr
	}

	if err := tx.AppendAudit(ctx, &types.AuditEntry{
		CanonicalID:   m.ID,
		Action:        types.AuditActionCreate,
		SourceSystem:  in.Source,
		RawExternalID: in.ExternalID,
		RawName:       in.Name,
		Confidence:    confidence,
		FusionMethod:  types.MethodNew,
		Evidence:      map[string]string{"source_weight": fmt.Sprintf("%.2f", confidence)},
		CreatedAt:     now,
		CreatedBy:     in.SubmittedBy,
	}); err != nil {
		return nil, err
	}
	if err := tx.EnqueueOutbox(ctx, storage.OutboxUpsertIngredient, upsertPayload{CanonicalID: m.ID}); err != nil {
		return nil, err
	}

	return &Resolution{Mapping: m, Method: types.MethodNew, Confidence: confidence, Created: true}, nil
}

// refreshCost records the source's latest cost and recomputes the canonical
// cost as the confidence-weighted mean of all source costs.
func (r *Resolver) refreshCost(ctx context.Context, tx storage.Tx, m *types.CanonicalMapping, in ResolveInput, confidence float64, now time.Time) error {
	sc := types.SourceCost{Cost: *in.Cost, Confidence: confidence, RecordedAt: now}
	if err := tx.UpsertSourceCost(ctx, m.ID, in.Source, sc); err != nil {
		return err
	}
	if m.SourceCosts == nil {
		m.SourceCosts = make(map[string]types.SourceCost)
	}
	m.SourceCosts[in.Source] = sc
	m.CanonicalCost = WeightedCanonicalCost(m.SourceCosts)

	return tx.AppendAudit(ctx, &types.AuditEntry{
		CanonicalID:   m.ID,
		Action:        types.AuditActionCostUpdate,
		SourceSystem:  in.Source,
		RawExternalID: in.ExternalID,
		RawName:       in.Name,
		Confidence:    confidence,
		Evidence: map[string]string{
			"cost":           fmt.Sprintf("%.2f", *in.Cost),
			"canonical_cost": fmt.Sprintf("%.2f", m.CanonicalCost),
		},
		CreatedAt: now,
		CreatedBy: in.SubmittedBy,
	})
}

// WeightedCanonicalCost derives the canonical cost from per-source costs:
// the mean of all source costs weighted by each source's last-recorded
// confidence (1.0 when untracked).
func WeightedCanonicalCost(costs map[string]types.SourceCost) float64 {
	var sum, weights float64
	for _, sc := range costs {
		w := sc.Confidence
		if w <= 0 {
			w = 1.0
		}
		sum += sc.Cost * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// BatchItem is one slot of a batch resolution. Exactly one of Resolution
// and Err is set.
type BatchItem struct {
	Input      ResolveInput `json:"input"`
	Resolution *Resolution  `json:"resolution,omitempty"`
	Err        error        `json:"-"`
	ErrMessage string       `json:"error,omitempty"`
}

// ResolveBatch resolves a list of inputs, preserving input order in the
// output. Repeated (source, external_id) pairs within the batch reuse the
// first resolution. A failed item is recorded as a resolve_failed audit
// entry and does not abort the batch.
func (r *Resolver) ResolveBatch(ctx context.Context, inputs []ResolveInput) []BatchItem {
	out := make([]BatchItem, len(inputs))
	memo := make(map[string]*Resolution, len(inputs))

	for i, in := range inputs {
		out[i].Input = in

		key := cacheKey(in.Source, in.ExternalID)
		if res, ok := memo[key]; ok && in.Cost == nil {
			out[i].Resolution = res
			continue
		}

		res, err := r.ResolveOrCreate(ctx, in)
		if err != nil {
			out[i].Err = err
			out[i].ErrMessage = err.Error()
			r.auditBatchFailure(ctx, in, err)
			continue
		}
		out[i].Resolution = res
		if in.ExternalID != "" {
			memo[key] = res
		}
	}
	return out
}

// auditBatchFailure records a per-item failure in its own transaction,
// best-effort: a broken audit write must not mask the original error.
func (r *Resolver) auditBatchFailure(ctx context.Context, in ResolveInput, cause error) {
	_ = r.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.AppendAudit(ctx, &types.AuditEntry{
			Action:        types.AuditActionResolveFailed,
			SourceSystem:  in.Source,
			RawExternalID: in.ExternalID,
			RawName:       in.Name,
			Evidence:      map[string]string{"error": cause.Error()},
			CreatedBy:     in.SubmittedBy,
		})
	})
}

// ClearConflict marks a flagged mapping as reviewed, clearing the conflict
// flag. NotFound when the id does not resolve to an active mapping.
func (r *Resolver) ClearConflict(ctx context.Context, id, reviewedBy string) error {
	return r.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		m, err := tx.GetMapping(ctx, id)
		if err != nil {
			return err
		}
		if !m.Active {
			return fmt.Errorf("mapping %s is not active: %w", id, storage.ErrNotFound)
		}
		if !m.ConflictFlag {
			return nil // idempotent
		}
		m.ConflictFlag = false
		if err := tx.UpdateMapping(ctx, m); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &types.AuditEntry{
			CanonicalID: m.ID,
			Action:      types.AuditActionConflictCleared,
			Confidence:  m.Confidence,
			CreatedBy:   reviewedBy,
		})
	})
}
