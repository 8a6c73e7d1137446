package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/types"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMapping(id, name string) *types.CanonicalMapping {
	return &types.CanonicalMapping{
		ID:         id,
		Name:       name,
		Category:   "meat",
		Unit:       "kg",
		Confidence: 0.9,
		Method:     types.MethodNew,
		Active:     true,
		CreatedBy:  "test",
	}
}

func TestCreateAndGetMapping(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	m := testMapping("ing-aaa111", "五花肉")
	m.Aliases = []string{"带皮五花"}
	m.ExternalIDs = map[string]string{"pinzhi": "PZ-001"}
	m.SourceCosts = map[string]types.SourceCost{
		"pinzhi": {Cost: 1000, Confidence: 1.0, RecordedAt: time.Now()},
	}

	if err := store.CreateMapping(ctx, m); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}

	got, err := store.GetMapping(ctx, "ing-aaa111")
	if err != nil {
		t.Fatalf("GetMapping failed: %v", err)
	}
	if got.Name != "五花肉" {
		t.Errorf("Name = %q, want 五花肉", got.Name)
	}
	if len(got.Aliases) != 1 || got.Aliases[0] != "带皮五花" {
		t.Errorf("Aliases = %v, want [带皮五花]", got.Aliases)
	}
	if got.ExternalIDs["pinzhi"] != "PZ-001" {
		t.Errorf("ExternalIDs = %v, want pinzhi->PZ-001", got.ExternalIDs)
	}
	if sc, ok := got.SourceCosts["pinzhi"]; !ok || sc.Cost != 1000 {
		t.Errorf("SourceCosts = %v, want pinzhi cost 1000", got.SourceCosts)
	}
	if got.ContentHash == "" {
		t.Error("ContentHash should be computed on create")
	}
}

func TestGetMappingNotFound(t *testing.T) {
	store := setupTestDB(t)

	_, err := store.GetMapping(context.Background(), "ing-nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExternalIDUniqueness(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	a := testMapping("ing-aaa111", "五花肉")
	a.ExternalIDs = map[string]string{"pinzhi": "PZ-001"}
	if err := store.CreateMapping(ctx, a); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}

	// Same (source, external_id) on a second mapping must fail with ErrConflict
	b := testMapping("ing-bbb222", "后腿肉")
	b.ExternalIDs = map[string]string{"pinzhi": "PZ-001"}
	err := store.CreateMapping(ctx, b)
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate external id, got %v", err)
	}
}

func TestGetMappingByExternalID(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	m := testMapping("ing-aaa111", "五花肉")
	m.ExternalIDs = map[string]string{"meituan": "MT-777"}
	if err := store.CreateMapping(ctx, m); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}

	got, err := store.GetMappingByExternalID(ctx, "meituan", "MT-777")
	if err != nil {
		t.Fatalf("GetMappingByExternalID failed: %v", err)
	}
	if got.ID != "ing-aaa111" {
		t.Errorf("resolved to %s, want ing-aaa111", got.ID)
	}

	_, err = store.GetMappingByExternalID(ctx, "meituan", "MT-999")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown pair, got %v", err)
	}
}

func TestFindActiveByName(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	m := testMapping("ing-aaa111", "Pork Belly")
	m.Aliases = []string{"五花肉"}
	if err := store.CreateMapping(ctx, m); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}

	// Lookup by normalized canonical name
	got, err := store.FindActiveByName(ctx, types.NormalizeName("  PORK   belly "))
	if err != nil {
		t.Fatalf("FindActiveByName failed: %v", err)
	}
	if got.ID != "ing-aaa111" {
		t.Errorf("resolved to %s, want ing-aaa111", got.ID)
	}

	// Lookup by alias
	got, err = store.FindActiveByName(ctx, types.NormalizeName("五花肉"))
	if err != nil {
		t.Fatalf("FindActiveByName by alias failed: %v", err)
	}
	if got.ID != "ing-aaa111" {
		t.Errorf("alias resolved to %s, want ing-aaa111", got.ID)
	}

	// Deactivated mappings are not matched
	m.Active = false
	m.MergedInto = "ing-bbb222"
	if err := store.UpdateMapping(ctx, m); err != nil {
		t.Fatalf("UpdateMapping failed: %v", err)
	}
	if _, err := store.FindActiveByName(ctx, types.NormalizeName("pork belly")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for deactivated mapping, got %v", err)
	}
}

func TestAuditLedgerAppendOnly(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	e := &types.AuditEntry{
		CanonicalID:  "ing-aaa111",
		Action:       types.AuditActionCreate,
		SourceSystem: "pinzhi",
		RawName:      "五花肉",
		Confidence:   0.9,
		FusionMethod: types.MethodNew,
		Evidence:     map[string]string{"note": "first sighting"},
		CreatedBy:    "test",
	}
	if err := store.AppendAudit(ctx, e); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}
	if e.ID == 0 {
		t.Error("AppendAudit should set the entry ID")
	}

	// The ledger rejects updates and deletes at the database level
	if _, err := store.db.ExecContext(ctx, `UPDATE audit_log SET action = 'tampered' WHERE id = ?`, e.ID); err == nil {
		t.Error("UPDATE on audit_log should be rejected by trigger")
	}
	if _, err := store.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id = ?`, e.ID); err == nil {
		t.Error("DELETE on audit_log should be rejected by trigger")
	}

	entries, err := store.ListAudit(ctx, storage.AuditFilter{CanonicalID: "ing-aaa111"})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Evidence["note"] != "first sighting" {
		t.Errorf("Evidence = %v, want note=first sighting", entries[0].Evidence)
	}
}

func TestPlanUniquePerReport(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	p1 := &types.ActionPlan{ID: "act-one111", ReportID: "rpt-x", Status: types.PlanPending}
	if err := store.CreatePlan(ctx, p1); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	p2 := &types.ActionPlan{ID: "act-two222", ReportID: "rpt-x", Status: types.PlanPending}
	if err := store.CreatePlan(ctx, p2); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict for second plan on same report, got %v", err)
	}

	got, err := store.GetPlanByReportID(ctx, "rpt-x")
	if err != nil {
		t.Fatalf("GetPlanByReportID failed: %v", err)
	}
	if got.ID != "act-one111" {
		t.Errorf("plan ID = %s, want act-one111", got.ID)
	}
}

func TestReportRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	r := &types.ReasoningReport{
		ID:                 "rpt-abc123",
		StoreID:            "store-001",
		Dimension:          types.DimensionWaste,
		WindowStart:        now.Add(-7 * 24 * time.Hour),
		WindowEnd:          now,
		Severity:           types.SeverityP2,
		RootCause:          "inventory variance on 五花肉",
		Confidence:         0.82,
		EvidenceChain:      []string{"variance -18.2%", "no BOM links found"},
		TriggeredRules:     []string{"waste_rate_high"},
		RecommendedActions: []string{"spot-check cold storage"},
		KPISnapshot:        map[string]float64{"waste_rate": 0.12},
	}
	if err := store.CreateReport(ctx, r); err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}

	got, err := store.GetReport(ctx, "rpt-abc123")
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if got.Severity != types.SeverityP2 {
		t.Errorf("Severity = %s, want P2", got.Severity)
	}
	if len(got.EvidenceChain) != 2 || got.EvidenceChain[0] != "variance -18.2%" {
		t.Errorf("EvidenceChain = %v", got.EvidenceChain)
	}
	if got.KPISnapshot["waste_rate"] != 0.12 {
		t.Errorf("KPISnapshot = %v", got.KPISnapshot)
	}

	if err := store.SetReportActioned(ctx, "rpt-abc123", "manager-wang"); err != nil {
		t.Fatalf("SetReportActioned failed: %v", err)
	}
	got, _ = store.GetReport(ctx, "rpt-abc123")
	if !got.IsActioned || got.ActionedBy != "manager-wang" {
		t.Errorf("report should be actioned by manager-wang, got %+v", got)
	}
}

func TestTransactionRollback(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.CreateMapping(ctx, testMapping("ing-roll01", "rollback test")); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected propagated error, got %v", err)
	}

	if _, err := store.GetMapping(ctx, "ing-roll01"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("mapping should have been rolled back, got %v", err)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	err := store.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.EnqueueOutbox(ctx, storage.OutboxUpsertIngredient, map[string]string{"id": "ing-x"})
	})
	if err != nil {
		t.Fatalf("EnqueueOutbox failed: %v", err)
	}

	items, err := store.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutbox failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(items))
	}

	if err := store.MarkOutboxFailed(ctx, items[0].ID, "connection refused"); err != nil {
		t.Fatalf("MarkOutboxFailed failed: %v", err)
	}
	items, _ = store.PendingOutbox(ctx, 10)
	if len(items) != 1 || items[0].Attempts != 1 || items[0].LastError != "connection refused" {
		t.Errorf("failed item should stay pending with attempt recorded, got %+v", items[0])
	}

	if err := store.MarkOutboxDone(ctx, items[0].ID); err != nil {
		t.Fatalf("MarkOutboxDone failed: %v", err)
	}
	items, _ = store.PendingOutbox(ctx, 10)
	if len(items) != 0 {
		t.Errorf("expected no pending items after done, got %d", len(items))
	}
}

func TestConfigKeys(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if _, err := store.GetConfig(ctx, "fusion.fuzzy_high"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unset key, got %v", err)
	}
	if err := store.SetConfig(ctx, "fusion.fuzzy_high", "0.9"); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	v, err := store.GetConfig(ctx, "fusion.fuzzy_high")
	if err != nil || v != "0.9" {
		t.Errorf("GetConfig = %q, %v; want 0.9", v, err)
	}
}
