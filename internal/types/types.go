// Package types defines core data structures for the backline entity-fusion
// and root-cause engines.
package types

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"
)

// FusionMethod records how a canonical mapping was matched or created.
type FusionMethod string

const (
	MethodExactID     FusionMethod = "exact_id"
	MethodExactName   FusionMethod = "exact_name"
	MethodFuzzyName   FusionMethod = "fuzzy_name"
	MethodNew         FusionMethod = "new"
	MethodManualMerge FusionMethod = "manual_merge"
)

// IsValid reports whether the fusion method is one of the known values.
func (m FusionMethod) IsValid() bool {
	switch m {
	case MethodExactID, MethodExactName, MethodFuzzyName, MethodNew, MethodManualMerge:
		return true
	}
	return false
}

// SourceCost is the last-known cost reported by one upstream source,
// together with the confidence the resolver had in that source at the time.
type SourceCost struct {
	Cost       float64   `json:"cost"`
	Confidence float64   `json:"confidence"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CanonicalMapping is the single deduplicated representation of a real-world
// ingredient/item across multiple upstream source systems.
//
// A mapping is never deleted. Merging deactivates the losing mapping
// (Active=false, MergedInto set) and folds its identifiers into the survivor,
// so anything already keyed by the old canonical ID stays resolvable.
type CanonicalMapping struct {
	ID          string            `json:"id"`
	ContentHash string            `json:"-"` // Internal: SHA256 of canonical content, excludes ID and timestamps
	Name        string            `json:"name"`
	Aliases     []string          `json:"aliases,omitempty"`
	Category    string            `json:"category,omitempty"`
	Unit        string            `json:"unit,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"` // source -> external_id (primary value per source)

	SourceCosts   map[string]SourceCost `json:"source_costs,omitempty"` // source -> last-known cost
	CanonicalCost float64               `json:"canonical_cost,omitempty"`

	Confidence   float64      `json:"fusion_confidence"` // 0..1
	Method       FusionMethod `json:"fusion_method,omitempty"`
	ConflictFlag bool         `json:"conflict_flag,omitempty"` // ambiguous fuzzy match awaiting human review

	MergedFrom []string `json:"merged_from,omitempty"` // canonical IDs this mapping absorbed
	MergedInto string   `json:"merged_into,omitempty"` // set when Active is false due to a merge
	Active     bool     `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// Validate checks structural invariants before a mapping is written.
func (m *CanonicalMapping) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("canonical mapping requires a name")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("fusion confidence %.3f out of range [0,1]", m.Confidence)
	}
	if m.Method != "" && !m.Method.IsValid() {
		return fmt.Errorf("invalid fusion method: %q", m.Method)
	}
	if !m.Active && m.MergedInto == "" {
		return fmt.Errorf("inactive mapping %s must record merged_into", m.ID)
	}
	return nil
}

// ComputeContentHash creates a deterministic hash of the mapping's content.
// Excludes ID, timestamps, and derived fields so that identical content
// produces identical hashes regardless of where the mapping was created.
func (m *CanonicalMapping) ComputeContentHash() string {
	h := sha256.New()

	h.Write([]byte(m.Name))
	h.Write([]byte{0})
	h.Write([]byte(m.Category))
	h.Write([]byte{0})
	h.Write([]byte(m.Unit))
	h.Write([]byte{0})

	// Maps and slices hashed in sorted order for stability
	aliases := append([]string(nil), m.Aliases...)
	sort.Strings(aliases)
	for _, a := range aliases {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})

	sources := make([]string, 0, len(m.ExternalIDs))
	for s := range m.ExternalIDs {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		h.Write([]byte(s))
		h.Write([]byte{0})
		h.Write([]byte(m.ExternalIDs[s]))
		h.Write([]byte{0})
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}

// AllNames returns the canonical name plus all aliases.
func (m *CanonicalMapping) AllNames() []string {
	names := make([]string, 0, len(m.Aliases)+1)
	names = append(names, m.Name)
	names = append(names, m.Aliases...)
	return names
}

// HasAlias reports whether the given string is already the canonical name or
// one of the aliases (exact match; callers normalize first).
func (m *CanonicalMapping) HasAlias(name string) bool {
	if m.Name == name {
		return true
	}
	for _, a := range m.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// AuditAction identifies what kind of mutation an audit entry records.
const (
	AuditActionResolveExactID   = "resolve_exact_id"
	AuditActionResolveExactName = "resolve_exact_name"
	AuditActionResolveFuzzy     = "resolve_fuzzy_name"
	AuditActionCreate           = "create"
	AuditActionManualMerge      = "manual_merge"
	AuditActionCostUpdate       = "cost_update"
	AuditActionResolveFailed    = "resolve_failed"
	AuditActionConflictCleared  = "conflict_cleared"
)

// AuditEntry is one immutable row of the fusion audit ledger. Entries are
// appended on every resolve/merge/cost-update and never updated or deleted;
// the ledger is the record of evidence for dispute resolution and for
// recalibrating source reliability weights.
type AuditEntry struct {
	ID                 int64             `json:"id"`
	EntityType         string            `json:"entity_type"` // "ingredient"
	CanonicalID        string            `json:"canonical_id"`
	Action             string            `json:"action"`
	SourceSystem       string            `json:"source_system,omitempty"`
	RawExternalID      string            `json:"raw_external_id,omitempty"`
	RawName            string            `json:"raw_name,omitempty"`
	MatchedCanonicalID string            `json:"matched_canonical_id,omitempty"`
	Confidence         float64           `json:"confidence"`
	FusionMethod       FusionMethod      `json:"fusion_method,omitempty"`
	Evidence           map[string]string `json:"evidence,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	CreatedBy          string            `json:"created_by,omitempty"`
}

// WasteEvent is an operational deviation (loss, spoilage, shrinkage) reported
// against a canonical item. Immutable once created except for the later
// RootCause annotation.
type WasteEvent struct {
	ID          string     `json:"id"`
	StoreID     string     `json:"store_id"`
	CanonicalID string     `json:"canonical_id"`
	Qty         float64    `json:"qty"`
	Unit        string     `json:"unit,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
	RootCause   string     `json:"root_cause,omitempty"` // annotation, set after reasoning
	ReportedBy  string     `json:"reported_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	AnnotatedAt *time.Time `json:"annotated_at,omitempty"`
}

// Validate checks a waste event before it is written.
func (w *WasteEvent) Validate() error {
	if w.StoreID == "" {
		return fmt.Errorf("waste event requires a store_id")
	}
	if w.CanonicalID == "" {
		return fmt.Errorf("waste event requires a canonical_id")
	}
	if w.Qty < 0 {
		return fmt.Errorf("waste event qty must be non-negative, got %v", w.Qty)
	}
	return nil
}

// Severity of a reasoning report. Ordered worst-first: P1 > P2 > P3 > OK.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityOK Severity = "OK"
)

// Rank returns the severity as a comparable integer; lower is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityP1:
		return 0
	case SeverityP2:
		return 1
	case SeverityP3:
		return 2
	case SeverityOK:
		return 3
	}
	return 4
}

// IsValid reports whether the severity is a known value.
func (s Severity) IsValid() bool {
	return s.Rank() <= 3
}

// Worse returns the more severe of s and other.
func (s Severity) Worse(other Severity) Severity {
	if other.Rank() < s.Rank() {
		return other
	}
	return s
}

// Dimension names the KPI domain a reasoning report covers.
type Dimension string

const (
	DimensionWaste      Dimension = "waste"
	DimensionEfficiency Dimension = "efficiency"
	DimensionQuality    Dimension = "quality"
	DimensionCost       Dimension = "cost"
	DimensionInventory  Dimension = "inventory"
	DimensionCrossStore Dimension = "cross_store"
)

// IsValid reports whether the dimension is a known value.
func (d Dimension) IsValid() bool {
	switch d {
	case DimensionWaste, DimensionEfficiency, DimensionQuality,
		DimensionCost, DimensionInventory, DimensionCrossStore:
		return true
	}
	return false
}

// ReasoningReport is one scored diagnosis for a (store, dimension, window).
// Created by the reasoner; the only later mutation is flipping
// IsActioned/ActionedBy once a human confirms handling.
type ReasoningReport struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	Dimension   Dimension `json:"dimension"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Severity           Severity           `json:"severity"`
	RootCause          string             `json:"root_cause,omitempty"`
	Confidence         float64            `json:"confidence"`
	EvidenceChain      []string           `json:"evidence_chain,omitempty"` // ordered, human-readable
	TriggeredRules     []string           `json:"triggered_rules,omitempty"`
	RecommendedActions []string           `json:"recommended_actions,omitempty"`
	PeerPercentile     float64            `json:"peer_percentile,omitempty"`
	KPISnapshot        map[string]float64 `json:"kpi_snapshot,omitempty"`

	IsActioned bool   `json:"is_actioned"`
	ActionedBy string `json:"actioned_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the report invariants before it is written.
// A non-OK severity must carry at least one triggered rule.
func (r *ReasoningReport) Validate() error {
	if r.StoreID == "" {
		return fmt.Errorf("report requires a store_id")
	}
	if !r.Dimension.IsValid() {
		return fmt.Errorf("invalid dimension: %q", r.Dimension)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %q", r.Severity)
	}
	if r.Severity != SeverityOK && len(r.TriggeredRules) == 0 {
		return fmt.Errorf("report with severity %s must have triggered rules", r.Severity)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("report confidence %.3f out of range [0,1]", r.Confidence)
	}
	return nil
}

// PlanStatus is the dispatch state of an action plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanDispatched PlanStatus = "dispatched"
	PlanPartial    PlanStatus = "partial"
	PlanFailed     PlanStatus = "failed"
	PlanSkipped    PlanStatus = "skipped"
)

// IsValid reports whether the plan status is a known value.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanPending, PlanDispatched, PlanPartial, PlanFailed, PlanSkipped:
		return true
	}
	return false
}

// Outcome is the human-reported result of an action plan.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeEscalated Outcome = "escalated"
	OutcomeExpired   Outcome = "expired"
	OutcomeNoEffect  Outcome = "no_effect"
	OutcomeCancelled Outcome = "cancelled"
)

// IsValid reports whether the outcome is within the fixed enumeration.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeResolved, OutcomeEscalated, OutcomeExpired, OutcomeNoEffect, OutcomeCancelled:
		return true
	}
	return false
}

// DispatchedAction records one delivery attempt on one channel.
// MessageID/TaskID come back from the channel and are stored for audit.
type DispatchedAction struct {
	Channel   string    `json:"channel"` // "log", "webhook", "task"
	Kind      string    `json:"kind"`    // "notify", "task", "approval"
	Targets   []string  `json:"targets,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// ActionPlan is the tracked record of what was done in response to one
// reasoning report. At most one plan exists per report.
type ActionPlan struct {
	ID       string     `json:"id"`
	ReportID string     `json:"report_id"`
	Status   PlanStatus `json:"dispatch_status"`

	Actions []DispatchedAction `json:"dispatched_actions,omitempty"`

	Outcome          Outcome  `json:"outcome,omitempty"` // empty until a human reports back
	ResolvedBy       string   `json:"resolved_by,omitempty"`
	KPIDelta         *float64 `json:"kpi_delta,omitempty"`
	FollowupReportID string   `json:"followup_report_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the plan invariants before it is written.
func (p *ActionPlan) Validate() error {
	if p.ReportID == "" {
		return fmt.Errorf("action plan requires a report_id")
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid plan status: %q", p.Status)
	}
	if p.Outcome != "" && !p.Outcome.IsValid() {
		return fmt.Errorf("invalid outcome: %q", p.Outcome)
	}
	return nil
}
