package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/types"
)

// ListMappings returns canonical mappings matching the filter, newest first.
func (s *Store) ListMappings(ctx context.Context, f storage.MappingFilter) ([]*types.CanonicalMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE 1=1`
	args := []any{}
	if !f.IncludeInactive {
		query += ` AND active = 1`
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.ConflictOnly {
		query += ` AND conflict_flag = 1`
	}
	if f.NameContains != "" {
		query += ` AND id IN (SELECT mapping_id FROM mapping_aliases WHERE normalized LIKE ?)`
		args = append(args, "%"+types.NormalizeName(f.NameContains)+"%")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapDBError("list mappings", err)
	}
	defer rows.Close()

	var out []*types.CanonicalMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, storage.WrapDBError("scan mapping", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapDBError("iterate mappings", err)
	}
	for _, m := range out {
		if err := s.loadMappingDetail(ctx, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListReports returns reasoning reports matching the filter, newest first.
func (s *Store) ListReports(ctx context.Context, f storage.ReportFilter) ([]*types.ReasoningReport, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE 1=1`
	args := []any{}
	if f.StoreID != "" {
		query += ` AND store_id = ?`
		args = append(args, f.StoreID)
	}
	if f.Dimension != "" {
		query += ` AND dimension = ?`
		args = append(args, string(f.Dimension))
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.Unactioned {
		query += ` AND is_actioned = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapDBError("list reports", err)
	}
	defer rows.Close()

	var out []*types.ReasoningReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, storage.WrapDBError("scan report", err)
		}
		out = append(out, r)
	}
	return out, storage.WrapDBError("iterate reports", rows.Err())
}

// ListPlans returns action plans matching the filter, newest first.
func (s *Store) ListPlans(ctx context.Context, f storage.PlanFilter) ([]*types.ActionPlan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.OpenOutcomes {
		query += ` AND outcome = '' AND status != 'skipped'`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapDBError("list plans", err)
	}
	defer rows.Close()

	var out []*types.ActionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, storage.WrapDBError("scan plan", err)
		}
		out = append(out, p)
	}
	return out, storage.WrapDBError("iterate plans", rows.Err())
}

// ListWasteEvents returns waste events for a store in a time window,
// oldest first.
func (s *Store) ListWasteEvents(ctx context.Context, storeID string, from, to time.Time) ([]*types.WasteEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, canonical_id, qty, unit, occurred_at, root_cause,
			reported_by, created_at, annotated_at
		FROM waste_events
		WHERE store_id = ? AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at, id`, storeID, from, to)
	if err != nil {
		return nil, storage.WrapDBError("list waste events", err)
	}
	defer rows.Close()

	var out []*types.WasteEvent
	for rows.Next() {
		var w types.WasteEvent
		var annotated sql.NullTime
		if err := rows.Scan(&w.ID, &w.StoreID, &w.CanonicalID, &w.Qty, &w.Unit,
			&w.OccurredAt, &w.RootCause, &w.ReportedBy, &w.CreatedAt, &annotated); err != nil {
			return nil, storage.WrapDBError("scan waste event", err)
		}
		if annotated.Valid {
			t := annotated.Time
			w.AnnotatedAt = &t
		}
		out = append(out, &w)
	}
	return out, storage.WrapDBError("iterate waste events", rows.Err())
}
