package reason

import (
	"context"
	"fmt"
	"time"

	"github.com/savornet/backline/internal/bom"
	"github.com/savornet/backline/internal/causal"
	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/debug"
	"github.com/savornet/backline/internal/idgen"
	"github.com/savornet/backline/internal/opsdata"
	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/telemetry"
	"github.com/savornet/backline/internal/types"
)

// Options tunes the reasoner. Zero values are replaced by configuration
// defaults in NewEngine.
type Options struct {
	// VarianceThresholdPct flags inventory items whose relative first-vs-last
	// change exceeds this percentage.
	VarianceThresholdPct float64

	// BOMDeviationFraction flags consumption deviating from expected by more
	// than this fraction of expected.
	BOMDeviationFraction float64

	// EvidenceWindowDays keys the graph evidence queries.
	EvidenceWindowDays int

	// GraphTimeout bounds the whole evidence fan-out.
	GraphTimeout time.Duration

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

func (o *Options) fillDefaults() {
	if o.VarianceThresholdPct == 0 {
		o.VarianceThresholdPct = config.VarianceThresholdPct()
	}
	if o.BOMDeviationFraction == 0 {
		o.BOMDeviationFraction = config.BOMDeviationFraction()
	}
	if o.EvidenceWindowDays == 0 {
		o.EvidenceWindowDays = 7
	}
	if o.GraphTimeout == 0 {
		o.GraphTimeout = config.GraphTimeout()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// PeerContext carries cross-store benchmark context into a diagnosis.
type PeerContext struct {
	// Percentile is the store's standing in its peer group for the
	// dimension under diagnosis, 0-100 (0 = unknown).
	Percentile float64
}

// Engine produces reasoning reports: the five-step pipeline over
// operational data plus the per-dimension rule engine. Request-scoped and
// stateless; safe for concurrent use.
type Engine struct {
	store    storage.Storage
	provider opsdata.Provider
	graph    causal.Graph
	pack     *bom.Pack
	rulesets map[types.Dimension][]Rule
	opts     Options
}

// NewEngine creates a reasoner. provider may be a degraded empty Static
// when no platform DSN is configured; pass causal.Noop{} when no graph is
// configured and nil rulesets for the builtin catalog.
func NewEngine(store storage.Storage, provider opsdata.Provider, graph causal.Graph, pack *bom.Pack, rulesets map[types.Dimension][]Rule, opts Options) *Engine {
	opts.fillDefaults()
	if provider == nil {
		provider = &opsdata.Static{}
	}
	if graph == nil {
		graph = causal.Noop{}
	}
	return &Engine{
		store:    store,
		provider: provider,
		graph:    graph,
		pack:     pack,
		rulesets: rulesets,
		opts:     opts,
	}
}

func (e *Engine) rulesFor(dim types.Dimension) []Rule {
	if e.rulesets != nil {
		if rules, ok := e.rulesets[dim]; ok {
			return rules
		}
	}
	return BuiltinRules(dim)
}

// ReasonSingle diagnoses one (store, dimension) against the KPI context:
// rules vote, votes fuse into severity and confidence, and the persisted
// report carries the full evidence chain. Graph evidence is appended to
// the chain but never alters the locally-computed severity, so the
// reasoner stays usable when the graph is down.
func (e *Engine) ReasonSingle(ctx context.Context, storeID string, dim types.Dimension, kpi map[string]float64, peer PeerContext) (*types.ReasoningReport, error) {
	if storeID == "" {
		return nil, fmt.Errorf("%w: store_id is required", storage.ErrInvalidInput)
	}
	if !dim.IsValid() {
		return nil, fmt.Errorf("%w: invalid dimension %q", storage.ErrInvalidInput, dim)
	}

	now := e.opts.Now().UTC()
	window := time.Duration(e.opts.EvidenceWindowDays) * 24 * time.Hour
	report := &types.ReasoningReport{
		StoreID:        storeID,
		Dimension:      dim,
		WindowStart:    now.Add(-window),
		WindowEnd:      now,
		KPISnapshot:    kpi,
		PeerPercentile: peer.Percentile,
		CreatedAt:      now,
	}

	votes := EvaluateRules(e.rulesFor(dim), kpi)
	report.Severity, report.Confidence = FuseVotes(votes)
	report.TriggeredRules = sortRuleIDs(votes)

	rulesByID := make(map[string]Rule)
	for _, r := range e.rulesFor(dim) {
		rulesByID[r.ID] = r
	}
	for _, v := range votes {
		r := rulesByID[v.RuleID]
		report.EvidenceChain = append(report.EvidenceChain,
			fmt.Sprintf("rule %s: %s (%s=%.3f, %s %.3f)", r.ID, r.Description, r.Metric, kpi[r.Metric], r.Op, r.Threshold))
		report.RecommendedActions = append(report.RecommendedActions, r.Recommendations...)
	}
	// The first vote at the fused severity names the headline cause
	for _, v := range votes {
		if v.Severity == report.Severity {
			report.RootCause = rulesByID[v.RuleID].Description
			break
		}
	}
	if peer.Percentile > 0 {
		report.EvidenceChain = append(report.EvidenceChain,
			fmt.Sprintf("peer benchmark: percentile %.0f in peer group", peer.Percentile))
	}

	e.appendGraphEvidence(ctx, report)

	if err := e.persist(ctx, report, now); err != nil {
		return nil, err
	}
	return report, nil
}

// Investigate runs the five-step pipeline for one store and window and
// persists an inventory-dimension report built from the ranked causes. Waste
// events in the window are annotated with the top cause, best-effort.
func (e *Engine) Investigate(ctx context.Context, storeID string, from, to time.Time) (*types.ReasoningReport, []CandidateCause, error) {
	if storeID == "" {
		return nil, nil, fmt.Errorf("%w: store_id is required", storage.ErrInvalidInput)
	}
	if !to.After(from) {
		return nil, nil, fmt.Errorf("%w: window end must be after start", storage.ErrInvalidInput)
	}

	causes, err := RootCauses(ctx, e.provider, e.pack, storeID, from, to,
		e.opts.VarianceThresholdPct, e.opts.BOMDeviationFraction)
	if err != nil {
		return nil, nil, err
	}

	// Feed the pipeline's findings into the rule engine so severity comes
	// from the same data-driven catalog as every other dimension. The KPI
	// snapshot covers every candidate, not just the ones kept for display.
	kpi := map[string]float64{"flagged_causes": float64(len(causes))}
	for _, c := range causes {
		if c.Kind == CauseInventoryVariance && c.Score > kpi["variance_pct"] {
			kpi["variance_pct"] = c.Score
		}
	}
	if len(causes) > topCauses {
		causes = causes[:topCauses]
	}

	now := e.opts.Now().UTC()
	votes := EvaluateRules(e.rulesFor(types.DimensionInventory), kpi)
	report := &types.ReasoningReport{
		StoreID:     storeID,
		Dimension:   types.DimensionInventory,
		WindowStart: from,
		WindowEnd:   to,
		KPISnapshot: kpi,
		CreatedAt:   now,
	}
	report.Severity, report.Confidence = FuseVotes(votes)
	report.TriggeredRules = sortRuleIDs(votes)

	if len(causes) > 0 {
		report.RootCause = causes[0].Label
	}
	for i, c := range causes {
		report.EvidenceChain = append(report.EvidenceChain,
			fmt.Sprintf("cause %d (%s, score %.1f): %s", i+1, c.Kind, c.Score, c.Label))
		report.EvidenceChain = append(report.EvidenceChain, c.Evidence...)
	}
	e.appendGraphEvidence(ctx, report)

	if err := e.persist(ctx, report, now); err != nil {
		return nil, nil, err
	}

	// Annotation is an after-the-fact convenience; a failure here never
	// invalidates the report.
	if len(causes) > 0 {
		e.annotateWasteEvents(ctx, storeID, from, to, causes[0].Label)
	}
	return report, causes, nil
}

func (e *Engine) appendGraphEvidence(ctx context.Context, report *types.ReasoningReport) {
	evidence := causal.EvidencePack(ctx, e.graph, report.StoreID, e.opts.EvidenceWindowDays, e.opts.GraphTimeout)
	report.EvidenceChain = append(report.EvidenceChain, evidence...)
}

func (e *Engine) persist(ctx context.Context, report *types.ReasoningReport, now time.Time) error {
	report.ID = idgen.New(idgen.PrefixReport, now, 0, report.StoreID, string(report.Dimension), now.Format(time.RFC3339Nano))
	if err := report.Validate(); err != nil {
		return fmt.Errorf("%w: %s", storage.ErrInvalidInput, err)
	}
	err := e.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.CreateReport(ctx, report)
	})
	if err == nil {
		telemetry.RecordReport(ctx, string(report.Severity))
	}
	return err
}

func (e *Engine) annotateWasteEvents(ctx context.Context, storeID string, from, to time.Time, rootCause string) {
	events, err := e.store.ListWasteEvents(ctx, storeID, from, to)
	if err != nil {
		debug.Logf("reason: list waste events: %v\n", err)
		return
	}
	for _, w := range events {
		if w.RootCause != "" {
			continue
		}
		if err := e.store.AnnotateWasteEvent(ctx, w.ID, rootCause); err != nil {
			debug.Logf("reason: annotate waste event %s: %v\n", w.ID, err)
		}
	}
}
