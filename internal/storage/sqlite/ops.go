package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/types"
)

// CreateWasteEvent inserts an immutable waste event.
func (q *queries) CreateWasteEvent(ctx context.Context, w *types.WasteEvent) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.OccurredAt.IsZero() {
		w.OccurredAt = w.CreatedAt
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO waste_events (id, store_id, canonical_id, qty, unit, occurred_at,
			root_cause, reported_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.StoreID, w.CanonicalID, w.Qty, w.Unit, w.OccurredAt,
		w.RootCause, w.ReportedBy, w.CreatedAt)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return fmt.Errorf("create waste event %s: %w", w.ID, storage.ErrConflict)
		}
		return storage.WrapDBError("create waste event", err)
	}
	return nil
}

// AnnotateWasteEvent sets the root-cause annotation, the only permitted
// mutation of a waste event.
func (q *queries) AnnotateWasteEvent(ctx context.Context, id, rootCause string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE waste_events SET root_cause = ?, annotated_at = ? WHERE id = ?`,
		rootCause, time.Now().UTC(), id)
	if err != nil {
		return storage.WrapDBError("annotate waste event", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("waste event %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// CreateReport persists one reasoning report.
func (q *queries) CreateReport(ctx context.Context, r *types.ReasoningReport) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	evidence, err := json.Marshal(nonNilStrings(r.EvidenceChain))
	if err != nil {
		return fmt.Errorf("marshal evidence chain: %w", err)
	}
	rules, err := json.Marshal(nonNilStrings(r.TriggeredRules))
	if err != nil {
		return fmt.Errorf("marshal triggered rules: %w", err)
	}
	actions, err := json.Marshal(nonNilStrings(r.RecommendedActions))
	if err != nil {
		return fmt.Errorf("marshal recommended actions: %w", err)
	}
	snapshot := []byte("{}")
	if len(r.KPISnapshot) > 0 {
		if snapshot, err = json.Marshal(r.KPISnapshot); err != nil {
			return fmt.Errorf("marshal kpi snapshot: %w", err)
		}
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO reports (id, store_id, dimension, window_start, window_end,
			severity, root_cause, confidence, evidence_chain, triggered_rules,
			recommended_actions, peer_percentile, kpi_snapshot, is_actioned,
			actioned_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StoreID, string(r.Dimension), r.WindowStart, r.WindowEnd,
		string(r.Severity), r.RootCause, r.Confidence, string(evidence), string(rules),
		string(actions), r.PeerPercentile, string(snapshot), boolToInt(r.IsActioned),
		r.ActionedBy, r.CreatedAt)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return fmt.Errorf("create report %s: %w", r.ID, storage.ErrConflict)
		}
		return storage.WrapDBError("create report", err)
	}
	return nil
}

const reportColumns = `id, store_id, dimension, window_start, window_end, severity,
	root_cause, confidence, evidence_chain, triggered_rules, recommended_actions,
	peer_percentile, kpi_snapshot, is_actioned, actioned_by, created_at`

func scanReport(row interface{ Scan(...any) error }) (*types.ReasoningReport, error) {
	var r types.ReasoningReport
	var dimension, severity, evidence, rules, actions, snapshot string
	var actioned int
	if err := row.Scan(&r.ID, &r.StoreID, &dimension, &r.WindowStart, &r.WindowEnd, &severity,
		&r.RootCause, &r.Confidence, &evidence, &rules, &actions,
		&r.PeerPercentile, &snapshot, &actioned, &r.ActionedBy, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Dimension = types.Dimension(dimension)
	r.Severity = types.Severity(severity)
	r.IsActioned = actioned != 0
	if err := json.Unmarshal([]byte(evidence), &r.EvidenceChain); err != nil {
		return nil, fmt.Errorf("unmarshal evidence chain: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &r.TriggeredRules); err != nil {
		return nil, fmt.Errorf("unmarshal triggered rules: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &r.RecommendedActions); err != nil {
		return nil, fmt.Errorf("unmarshal recommended actions: %w", err)
	}
	if snapshot != "" && snapshot != "{}" {
		if err := json.Unmarshal([]byte(snapshot), &r.KPISnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal kpi snapshot: %w", err)
		}
	}
	return &r, nil
}

// GetReport loads one reasoning report by ID.
func (q *queries) GetReport(ctx context.Context, id string) (*types.ReasoningReport, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if err != nil {
		return nil, storage.WrapDBError(fmt.Sprintf("get report %s", id), err)
	}
	return r, nil
}

// SetReportActioned flips the is_actioned flag, the report's only permitted
// later mutation.
func (q *queries) SetReportActioned(ctx context.Context, id, actor string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE reports SET is_actioned = 1, actioned_by = ? WHERE id = ?`, actor, id)
	if err != nil {
		return storage.WrapDBError("set report actioned", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("report %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// CreatePlan inserts a new action plan. A UNIQUE failure on report_id
// surfaces as storage.ErrConflict so concurrent dispatchers can fold the
// race into a re-lookup.
func (q *queries) CreatePlan(ctx context.Context, p *types.ActionPlan) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	actions, err := marshalActions(p.Actions)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO plans (id, report_id, status, actions, outcome, resolved_by,
			kpi_delta, followup_report_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ReportID, string(p.Status), actions, string(p.Outcome), p.ResolvedBy,
		p.KPIDelta, p.FollowupReportID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return fmt.Errorf("create plan for report %s: %w", p.ReportID, storage.ErrConflict)
		}
		return storage.WrapDBError("create plan", err)
	}
	return nil
}

const planColumns = `id, report_id, status, actions, outcome, resolved_by,
	kpi_delta, followup_report_id, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (*types.ActionPlan, error) {
	var p types.ActionPlan
	var status, actions, outcome string
	var kpiDelta sql.NullFloat64
	if err := row.Scan(&p.ID, &p.ReportID, &status, &actions, &outcome, &p.ResolvedBy,
		&kpiDelta, &p.FollowupReportID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = types.PlanStatus(status)
	p.Outcome = types.Outcome(outcome)
	if kpiDelta.Valid {
		v := kpiDelta.Float64
		p.KPIDelta = &v
	}
	if actions != "" && actions != "[]" {
		if err := json.Unmarshal([]byte(actions), &p.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal dispatched actions: %w", err)
		}
	}
	return &p, nil
}

// GetPlan loads one action plan by ID.
func (q *queries) GetPlan(ctx context.Context, id string) (*types.ActionPlan, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err != nil {
		return nil, storage.WrapDBError(fmt.Sprintf("get plan %s", id), err)
	}
	return p, nil
}

// GetPlanByReportID loads the plan for a report, if one exists.
func (q *queries) GetPlanByReportID(ctx context.Context, reportID string) (*types.ActionPlan, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE report_id = ?`, reportID)
	p, err := scanPlan(row)
	if err != nil {
		return nil, storage.WrapDBError(fmt.Sprintf("get plan for report %s", reportID), err)
	}
	return p, nil
}

// UpdatePlan rewrites a plan's mutable fields.
func (q *queries) UpdatePlan(ctx context.Context, p *types.ActionPlan) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	p.UpdatedAt = time.Now().UTC()
	actions, err := marshalActions(p.Actions)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, actions = ?, outcome = ?, resolved_by = ?,
			kpi_delta = ?, followup_report_id = ?, updated_at = ?
		WHERE id = ?`,
		string(p.Status), actions, string(p.Outcome), p.ResolvedBy,
		p.KPIDelta, p.FollowupReportID, p.UpdatedAt, p.ID)
	if err != nil {
		return storage.WrapDBError("update plan", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("plan %s: %w", p.ID, storage.ErrNotFound)
	}
	return nil
}

func marshalActions(actions []types.DispatchedAction) (string, error) {
	if len(actions) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("marshal dispatched actions: %w", err)
	}
	return string(b), nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
