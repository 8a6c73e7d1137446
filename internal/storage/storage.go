// Package storage defines the persistence interface for canonical mappings,
// the fusion audit ledger, reasoning reports, and action plans.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/savornet/backline/internal/types"
)

// ExternalRef is one (source, external_id) pair.
type ExternalRef struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
}

// OutboxItem is one pending external-graph write. Fusion enqueues items
// inside its transaction; the outbox is drained best-effort after commit
// and replayed by `bl graph sync` when the graph was unreachable.
type OutboxItem struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"` // "upsert_ingredient" or "link_same_as"
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Outbox item kinds.
const (
	OutboxUpsertIngredient = "upsert_ingredient"
	OutboxLinkSameAs       = "link_same_as"
)

// MappingFilter selects canonical mappings for listing.
type MappingFilter struct {
	Category        string
	ConflictOnly    bool // only mappings flagged for manual review
	IncludeInactive bool
	NameContains    string
	Limit           int
}

// AuditFilter selects audit ledger entries for listing.
type AuditFilter struct {
	CanonicalID string
	Action      string
	Source      string
	Limit       int
}

// ReportFilter selects reasoning reports for listing.
type ReportFilter struct {
	StoreID    string
	Dimension  types.Dimension
	Severity   types.Severity
	Unactioned bool
	Limit      int
}

// PlanFilter selects action plans for listing.
type PlanFilter struct {
	Status       types.PlanStatus
	OpenOutcomes bool // only plans with no recorded outcome yet
	Limit        int
}

// Tx is the set of operations available inside a transaction. The engines
// operate on Tx and never commit; RunInTransaction owns the commit/rollback.
type Tx interface {
	// Canonical mappings
	GetMapping(ctx context.Context, id string) (*types.CanonicalMapping, error)
	GetMappingByExternalID(ctx context.Context, source, externalID string) (*types.CanonicalMapping, error)
	FindActiveByName(ctx context.Context, normalizedName string) (*types.CanonicalMapping, error)
	ListActiveMappings(ctx context.Context, category string) ([]*types.CanonicalMapping, error)
	CreateMapping(ctx context.Context, m *types.CanonicalMapping) error
	UpdateMapping(ctx context.Context, m *types.CanonicalMapping) error
	AttachExternalID(ctx context.Context, mappingID, source, externalID string) error
	UpsertSourceCost(ctx context.Context, mappingID, source string, sc types.SourceCost) error

	// MergeExternalIDs repoints every external-id row of fromID to toID.
	// Where toID already carries a primary value for the same source, the
	// moved row is demoted to non-primary; demoted pairs are returned so the
	// merge audit entry can preserve the losing values.
	MergeExternalIDs(ctx context.Context, fromID, toID string) ([]ExternalRef, error)

	// MoveSourceCosts moves fromID's source costs to toID. On a source
	// conflict toID's cost wins; skipped sources are returned.
	MoveSourceCosts(ctx context.Context, fromID, toID string) ([]string, error)

	// AppendMergedFrom records merge provenance (survivor <- absorbed).
	AppendMergedFrom(ctx context.Context, survivorID, mergedID, reason, mergedBy string) error

	// Audit ledger (append-only)
	AppendAudit(ctx context.Context, e *types.AuditEntry) error

	// Graph outbox
	EnqueueOutbox(ctx context.Context, kind string, payload any) error

	// Waste events
	CreateWasteEvent(ctx context.Context, w *types.WasteEvent) error
	AnnotateWasteEvent(ctx context.Context, id, rootCause string) error

	// Reasoning reports
	CreateReport(ctx context.Context, r *types.ReasoningReport) error
	GetReport(ctx context.Context, id string) (*types.ReasoningReport, error)
	SetReportActioned(ctx context.Context, id, actor string) error

	// Action plans
	CreatePlan(ctx context.Context, p *types.ActionPlan) error
	GetPlan(ctx context.Context, id string) (*types.ActionPlan, error)
	GetPlanByReportID(ctx context.Context, reportID string) (*types.ActionPlan, error)
	UpdatePlan(ctx context.Context, p *types.ActionPlan) error
}

// Storage is the full persistence interface. All Tx methods are also
// available directly in autocommit mode for read paths and one-shot writes.
type Storage interface {
	Tx

	// RunInTransaction executes fn inside one database transaction.
	// The transaction is the unit of atomicity: on error or panic the
	// whole transaction rolls back.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// List operations (read-only)
	ListMappings(ctx context.Context, f MappingFilter) ([]*types.CanonicalMapping, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]*types.AuditEntry, error)
	ListReports(ctx context.Context, f ReportFilter) ([]*types.ReasoningReport, error)
	ListPlans(ctx context.Context, f PlanFilter) ([]*types.ActionPlan, error)
	ListWasteEvents(ctx context.Context, storeID string, from, to time.Time) ([]*types.WasteEvent, error)

	// Outbox draining
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxItem, error)
	MarkOutboxDone(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, errMsg string) error

	// Runtime config keys stored in the database
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	Close() error
}
