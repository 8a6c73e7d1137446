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

// AppendAudit writes one immutable ledger entry. The audit_log triggers
// reject any later UPDATE or DELETE.
func (q *queries) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	if e.Action == "" {
		return fmt.Errorf("%w: audit entry requires an action", storage.ErrInvalidInput)
	}
	if e.EntityType == "" {
		e.EntityType = "ingredient"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	evidence := "{}"
	if len(e.Evidence) > 0 {
		b, err := json.Marshal(e.Evidence)
		if err != nil {
			return fmt.Errorf("marshal audit evidence: %w", err)
		}
		evidence = string(b)
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, canonical_id, action, source_system,
			raw_external_id, raw_name, matched_canonical_id, confidence,
			fusion_method, evidence, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntityType, e.CanonicalID, e.Action, e.SourceSystem,
		e.RawExternalID, e.RawName, e.MatchedCanonicalID, e.Confidence,
		string(e.FusionMethod), evidence, e.CreatedAt, e.CreatedBy)
	if err != nil {
		return storage.WrapDBError("append audit", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListAudit returns ledger entries, newest first.
func (q *queries) ListAudit(ctx context.Context, f storage.AuditFilter) ([]*types.AuditEntry, error) {
	query := `SELECT id, entity_type, canonical_id, action, source_system,
		raw_external_id, raw_name, matched_canonical_id, confidence,
		fusion_method, evidence, created_at, created_by
		FROM audit_log WHERE 1=1`
	args := []any{}
	if f.CanonicalID != "" {
		query += ` AND (canonical_id = ? OR matched_canonical_id = ?)`
		args = append(args, f.CanonicalID, f.CanonicalID)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.Source != "" {
		query += ` AND source_system = ?`
		args = append(args, f.Source)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapDBError("list audit", err)
	}
	defer rows.Close()

	var out []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var method, evidence string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.CanonicalID, &e.Action, &e.SourceSystem,
			&e.RawExternalID, &e.RawName, &e.MatchedCanonicalID, &e.Confidence,
			&method, &evidence, &e.CreatedAt, &e.CreatedBy); err != nil {
			return nil, storage.WrapDBError("scan audit entry", err)
		}
		e.FusionMethod = types.FusionMethod(method)
		if evidence != "" && evidence != "{}" {
			if err := json.Unmarshal([]byte(evidence), &e.Evidence); err != nil {
				return nil, fmt.Errorf("unmarshal audit evidence for entry %d: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, storage.WrapDBError("iterate audit entries", rows.Err())
}

// EnqueueOutbox adds one pending graph write inside the current transaction.
func (q *queries) EnqueueOutbox(ctx context.Context, kind string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO graph_outbox (kind, payload, created_at) VALUES (?, ?, ?)`,
		kind, string(b), time.Now().UTC())
	return storage.WrapDBError("enqueue outbox", err)
}

// PendingOutbox returns undelivered outbox items, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]*storage.OutboxItem, error) {
	query := `SELECT id, kind, payload, attempts, last_error, created_at
		FROM graph_outbox WHERE done_at IS NULL ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapDBError("list pending outbox", err)
	}
	defer rows.Close()

	var out []*storage.OutboxItem
	for rows.Next() {
		var item storage.OutboxItem
		var payload string
		if err := rows.Scan(&item.ID, &item.Kind, &payload, &item.Attempts, &item.LastError, &item.CreatedAt); err != nil {
			return nil, storage.WrapDBError("scan outbox item", err)
		}
		item.Payload = json.RawMessage(payload)
		out = append(out, &item)
	}
	return out, storage.WrapDBError("iterate outbox items", rows.Err())
}

// MarkOutboxDone marks one outbox item as delivered.
func (s *Store) MarkOutboxDone(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE graph_outbox SET done_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return storage.WrapDBError("mark outbox done", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("outbox item %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MarkOutboxFailed records a delivery failure; the item stays pending.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE graph_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		errMsg, id)
	return storage.WrapDBError("mark outbox failed", err)
}

// GetConfig reads one runtime config key.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("config key %q: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return "", storage.WrapDBError("get config", err)
	}
	return value, nil
}

// SetConfig writes one runtime config key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return storage.WrapDBError("set config", err)
}
