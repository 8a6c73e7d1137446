package reason

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/savornet/backline/internal/bom"
	"github.com/savornet/backline/internal/causal"
	"github.com/savornet/backline/internal/opsdata"
	"github.com/savornet/backline/internal/storage/sqlite"
	"github.com/savornet/backline/internal/types"
)

func testEngineOptions() Options {
	return Options{
		VarianceThresholdPct: 10.0,
		BOMDeviationFraction: 0.15,
		EvidenceWindowDays:   7,
		GraphTimeout:         time.Second,
		Now:                  time.Now,
	}
}

func setupEngine(t *testing.T, provider opsdata.Provider, graph causal.Graph) (*Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, provider, graph, nil, nil, testEngineOptions()), store
}

// evidenceGraph returns canned evidence for every read query.
type evidenceGraph struct {
	causal.Noop
	lines []string
}

func (g evidenceGraph) RootCauseDistribution(context.Context, string, int) []string { return g.lines }

func TestReasonSingleSeverityFromRules(t *testing.T) {
	e, _ := setupEngine(t, nil, nil)

	report, err := e.ReasonSingle(context.Background(), "store-1", types.DimensionWaste,
		map[string]float64{"waste_rate": 0.18}, PeerContext{})
	if err != nil {
		t.Fatalf("ReasonSingle failed: %v", err)
	}
	if report.Severity != types.SeverityP1 {
		t.Errorf("Severity = %s, want P1 for 18%% waste", report.Severity)
	}
	if len(report.TriggeredRules) == 0 {
		t.Error("non-OK severity must carry triggered rules")
	}
	if report.RootCause == "" {
		t.Error("report should name a root cause")
	}
	if len(report.RecommendedActions) == 0 {
		t.Error("P1 waste should carry recommendations")
	}
}

func TestReasonSingleOKHasNoTriggeredRules(t *testing.T) {
	e, store := setupEngine(t, nil, nil)

	report, err := e.ReasonSingle(context.Background(), "store-1", types.DimensionWaste,
		map[string]float64{"waste_rate": 0.01}, PeerContext{})
	if err != nil {
		t.Fatalf("ReasonSingle failed: %v", err)
	}
	if report.Severity != types.SeverityOK {
		t.Errorf("Severity = %s, want OK for 1%% waste", report.Severity)
	}
	if len(report.TriggeredRules) != 0 {
		t.Errorf("OK report should have no triggered rules, got %v", report.TriggeredRules)
	}

	// Persisted round trip
	got, err := store.GetReport(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if got.Severity != types.SeverityOK || got.StoreID != "store-1" {
		t.Errorf("persisted report = %+v", got)
	}
}

func TestReasonSingleGraphEvidenceNeverChangesSeverity(t *testing.T) {
	graph := evidenceGraph{lines: []string{"peer stores report supplier batch issues"}}
	e, _ := setupEngine(t, nil, graph)

	// Healthy KPIs: graph evidence alone must not raise severity
	report, err := e.ReasonSingle(context.Background(), "store-1", types.DimensionWaste,
		map[string]float64{"waste_rate": 0.01}, PeerContext{})
	if err != nil {
		t.Fatalf("ReasonSingle failed: %v", err)
	}
	if report.Severity != types.SeverityOK {
		t.Errorf("graph evidence must not gate severity, got %s", report.Severity)
	}
	found := false
	for _, line := range report.EvidenceChain {
		if line == "peer stores report supplier batch issues" {
			found = true
		}
	}
	if !found {
		t.Error("graph evidence should be appended to the chain")
	}
}

func TestReasonSingleInvalidInput(t *testing.T) {
	e, _ := setupEngine(t, nil, nil)
	if _, err := e.ReasonSingle(context.Background(), "", types.DimensionWaste, nil, PeerContext{}); err == nil {
		t.Error("empty store_id should error")
	}
	if _, err := e.ReasonSingle(context.Background(), "store-1", "bogus", nil, PeerContext{}); err == nil {
		t.Error("unknown dimension should error")
	}
}

func TestInvestigateRanksCauses(t *testing.T) {
	day := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	end := day.AddDate(0, 0, 7)

	provider := &opsdata.Static{
		Snapshots: []opsdata.InventorySnapshot{
			// 40% drop: flagged, strongest signal
			{StoreID: "store-1", CanonicalID: "ing-pork", Qty: 100, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-pork", Qty: 60, TakenAt: end},
			// 0% variance: must never appear in the top causes
			{StoreID: "store-1", CanonicalID: "ing-potato", Qty: 50, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-potato", Qty: 50, TakenAt: end},
		},
		Recipes: []opsdata.RecipeLink{
			{RecipeID: "rcp-braised", CanonicalID: "ing-pork", QtyPerUnit: 0.3},
		},
		Sales: map[string]map[string]float64{
			"store-1": {"rcp-braised": 50}, // expected 15, actual 40: deviation
		},
		Shifts: map[string][]opsdata.StaffShift{
			"store-1": {
				{StaffID: "stf-1", Name: "张伟", Start: day, End: day.Add(8 * time.Hour)},
				{StaffID: "stf-2", Name: "李娜", Start: day, End: day.Add(8 * time.Hour)},
			},
		},
		Purchases: map[string][]opsdata.PurchaseLine{
			"store-1": {
				{POID: "po-9", SupplierID: "sup-1", CanonicalID: "ing-pork", Qty: 20, ReceivedAt: day.AddDate(0, 0, 2)},
			},
		},
	}

	e, _ := setupEngine(t, provider, nil)
	report, causes, err := e.Investigate(context.Background(), "store-1", day, end)
	if err != nil {
		t.Fatalf("Investigate failed: %v", err)
	}

	if len(causes) != 3 {
		t.Fatalf("got %d causes, want top 3", len(causes))
	}
	if causes[0].Kind != CauseBOMDeviation && causes[0].Kind != CauseInventoryVariance {
		t.Errorf("top cause kind = %s, want a scored anomaly", causes[0].Kind)
	}
	// BOM deviation (75) outranks the 40-point variance
	if causes[0].Kind != CauseBOMDeviation {
		t.Errorf("top cause = %+v, want the BOM deviation (score 75)", causes[0])
	}
	for _, c := range causes {
		if c.Subject == "ing-potato" {
			t.Error("zero-variance item must never appear in the top causes")
		}
		if len(c.Evidence) == 0 {
			t.Errorf("cause %s has no evidence pointer", c.Subject)
		}
	}

	// 40% variance triggers the critical inventory rule
	if report.Severity != types.SeverityP1 {
		t.Errorf("Severity = %s, want P1 for 40%% variance", report.Severity)
	}
	if report.RootCause == "" || len(report.TriggeredRules) == 0 {
		t.Errorf("report = %+v, want root cause and triggered rules", report)
	}
}

func TestInvestigateCleanStoreIsOK(t *testing.T) {
	day := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	provider := &opsdata.Static{
		Snapshots: []opsdata.InventorySnapshot{
			{StoreID: "store-1", CanonicalID: "ing-a", Qty: 100, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-a", Qty: 98, TakenAt: day.AddDate(0, 0, 7)},
		},
	}
	e, _ := setupEngine(t, provider, nil)

	report, causes, err := e.Investigate(context.Background(), "store-1", day, day.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("Investigate failed: %v", err)
	}
	if len(causes) != 0 {
		t.Errorf("causes = %+v, want none for a 2%% change", causes)
	}
	if report.Severity != types.SeverityOK {
		t.Errorf("Severity = %s, want OK", report.Severity)
	}
}

func TestInvestigateAnnotatesWasteEvents(t *testing.T) {
	day := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	end := day.AddDate(0, 0, 7)
	provider := &opsdata.Static{
		Snapshots: []opsdata.InventorySnapshot{
			{StoreID: "store-1", CanonicalID: "ing-pork", Qty: 100, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-pork", Qty: 60, TakenAt: end},
		},
	}
	e, store := setupEngine(t, provider, nil)
	ctx := context.Background()

	w := &types.WasteEvent{ID: "wst-1", StoreID: "store-1", CanonicalID: "ing-pork", Qty: 12, OccurredAt: day.AddDate(0, 0, 1)}
	if err := store.CreateWasteEvent(ctx, w); err != nil {
		t.Fatalf("CreateWasteEvent failed: %v", err)
	}

	if _, _, err := e.Investigate(ctx, "store-1", day, end); err != nil {
		t.Fatalf("Investigate failed: %v", err)
	}

	events, err := store.ListWasteEvents(ctx, "store-1", day, end)
	if err != nil {
		t.Fatalf("ListWasteEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].RootCause == "" {
		t.Errorf("waste event should be annotated with the top cause, got %+v", events)
	}
}

func TestInvestigateSeveritySeesTrimmedCauses(t *testing.T) {
	day := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	end := day.AddDate(0, 0, 7)

	// Three items with a 40% drop and no recipe links: each yields a
	// fixed-score-75 BOM cause plus a score-40 variance cause, so the
	// returned top three are all BOM causes and every variance entry is
	// trimmed away.
	provider := &opsdata.Static{
		Snapshots: []opsdata.InventorySnapshot{
			{StoreID: "store-1", CanonicalID: "ing-a", Qty: 100, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-a", Qty: 60, TakenAt: end},
			{StoreID: "store-1", CanonicalID: "ing-b", Qty: 100, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-b", Qty: 60, TakenAt: end},
			{StoreID: "store-1", CanonicalID: "ing-c", Qty: 100, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-c", Qty: 60, TakenAt: end},
		},
	}

	e, _ := setupEngine(t, provider, nil)
	report, causes, err := e.Investigate(context.Background(), "store-1", day, end)
	if err != nil {
		t.Fatalf("Investigate failed: %v", err)
	}

	if len(causes) != 3 {
		t.Fatalf("got %d causes, want top 3", len(causes))
	}
	for _, c := range causes {
		if c.Kind != CauseBOMDeviation {
			t.Errorf("cause %s kind = %s, want every returned cause to be the higher-scored BOM deviation", c.Subject, c.Kind)
		}
	}
	// The 40% variance still drives severity even though no variance cause
	// survived the trim
	if report.Severity != types.SeverityP1 {
		t.Errorf("Severity = %s, want P1 for 40%% variance", report.Severity)
	}
	if len(report.TriggeredRules) == 0 {
		t.Error("non-OK severity must carry triggered rules")
	}
	if got := report.KPISnapshot["variance_pct"]; got < 39.9 || got > 40.1 {
		t.Errorf("variance_pct = %v, want ~40 from the full candidate set", got)
	}
}

func TestInvestigateFlagsConsumptionWithoutSales(t *testing.T) {
	day := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	end := day.AddDate(0, 0, 7)

	// Recipes link the item, but nothing sold in the window: expected
	// consumption is zero and any real consumption is unexplained.
	provider := &opsdata.Static{
		Snapshots: []opsdata.InventorySnapshot{
			{StoreID: "store-1", CanonicalID: "ing-pork", Qty: 100, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-pork", Qty: 60, TakenAt: end},
		},
		Recipes: []opsdata.RecipeLink{
			{RecipeID: "rcp-braised", CanonicalID: "ing-pork", QtyPerUnit: 0.3},
		},
	}

	e, _ := setupEngine(t, provider, nil)
	_, causes, err := e.Investigate(context.Background(), "store-1", day, end)
	if err != nil {
		t.Fatalf("Investigate failed: %v", err)
	}

	found := false
	for _, c := range causes {
		if c.Kind == CauseBOMDeviation && c.Subject == "ing-pork" {
			found = true
		}
	}
	if !found {
		t.Errorf("causes = %+v, want a BOM deviation for consumption against zero expected", causes)
	}
}

func TestInvestigateFallsBackToBOMPack(t *testing.T) {
	day := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	end := day.AddDate(0, 0, 7)
	provider := &opsdata.Static{
		Snapshots: []opsdata.InventorySnapshot{
			{StoreID: "store-1", CanonicalID: "ing-pork", Qty: 100, TakenAt: day},
			{StoreID: "store-1", CanonicalID: "ing-pork", Qty: 60, TakenAt: end},
		},
		// No recipe links in the platform mirror
		Sales: map[string]map[string]float64{"store-1": {"braised-pork": 100}},
	}
	pack := &bom.Pack{Recipes: map[string]bom.Recipe{
		"braised-pork": {Name: "红烧肉", Ingredients: []bom.Ingredient{
			{CanonicalID: "ing-pork", Qty: 0.3, Unit: "kg"},
		}},
	}}

	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	e := NewEngine(store, provider, nil, pack, nil, testEngineOptions())

	_, causes, err := e.Investigate(context.Background(), "store-1", day, end)
	if err != nil {
		t.Fatalf("Investigate failed: %v", err)
	}

	// Expected 30 vs actual 40: 33% deviation flagged through the pack
	found := false
	for _, c := range causes {
		if c.Kind == CauseBOMDeviation && c.Subject == "ing-pork" {
			found = true
		}
	}
	if !found {
		t.Errorf("causes = %+v, want a BOM deviation via the TOML pack fallback", causes)
	}
}
