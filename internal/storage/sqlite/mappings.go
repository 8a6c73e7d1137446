package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/types"
)

// dbtx is satisfied by both *sql.DB and *sql.Conn, letting the same query
// code serve autocommit and in-transaction paths.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every storage.Tx method over a dbtx.
type queries struct {
	db dbtx
}

const mappingColumns = `id, content_hash, name, category, unit, canonical_cost,
	confidence, method, conflict_flag, merged_into, active, created_at, updated_at, created_by`

// scanMapping scans one base mappings row.
func scanMapping(row interface{ Scan(...any) error }) (*types.CanonicalMapping, error) {
	var m types.CanonicalMapping
	var contentHash, mergedInto sql.NullString
	var conflict, active int
	if err := row.Scan(&m.ID, &contentHash, &m.Name, &m.Category, &m.Unit, &m.CanonicalCost,
		&m.Confidence, &m.Method, &conflict, &mergedInto, &active,
		&m.CreatedAt, &m.UpdatedAt, &m.CreatedBy); err != nil {
		return nil, err
	}
	m.ContentHash = contentHash.String
	m.MergedInto = mergedInto.String
	m.ConflictFlag = conflict != 0
	m.Active = active != 0
	return &m, nil
}

// loadMappingDetail fills aliases, primary external ids, source costs, and
// merge provenance for a mapping loaded from the base table.
func (q *queries) loadMappingDetail(ctx context.Context, m *types.CanonicalMapping) error {
	rows, err := q.db.QueryContext(ctx,
		`SELECT alias FROM mapping_aliases WHERE mapping_id = ? AND alias != ? ORDER BY alias`,
		m.ID, m.Name)
	if err != nil {
		return storage.WrapDBError("load aliases", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return storage.WrapDBError("scan alias", err)
		}
		m.Aliases = append(m.Aliases, a)
	}
	if err := rows.Err(); err != nil {
		return storage.WrapDBError("iterate aliases", err)
	}

	extRows, err := q.db.QueryContext(ctx,
		`SELECT source, external_id FROM external_ids WHERE mapping_id = ? AND is_primary = 1`, m.ID)
	if err != nil {
		return storage.WrapDBError("load external ids", err)
	}
	defer extRows.Close()
	for extRows.Next() {
		var source, extID string
		if err := extRows.Scan(&source, &extID); err != nil {
			return storage.WrapDBError("scan external id", err)
		}
		if m.ExternalIDs == nil {
			m.ExternalIDs = make(map[string]string)
		}
		m.ExternalIDs[source] = extID
	}
	if err := extRows.Err(); err != nil {
		return storage.WrapDBError("iterate external ids", err)
	}

	costRows, err := q.db.QueryContext(ctx,
		`SELECT source, cost, confidence, recorded_at FROM source_costs WHERE mapping_id = ?`, m.ID)
	if err != nil {
		return storage.WrapDBError("load source costs", err)
	}
	defer costRows.Close()
	for costRows.Next() {
		var source string
		var sc types.SourceCost
		if err := costRows.Scan(&source, &sc.Cost, &sc.Confidence, &sc.RecordedAt); err != nil {
			return storage.WrapDBError("scan source cost", err)
		}
		if m.SourceCosts == nil {
			m.SourceCosts = make(map[string]types.SourceCost)
		}
		m.SourceCosts[source] = sc
	}
	if err := costRows.Err(); err != nil {
		return storage.WrapDBError("iterate source costs", err)
	}

	mergedRows, err := q.db.QueryContext(ctx,
		`SELECT merged_id FROM merged_from WHERE mapping_id = ? ORDER BY merged_at, merged_id`, m.ID)
	if err != nil {
		return storage.WrapDBError("load merge provenance", err)
	}
	defer mergedRows.Close()
	for mergedRows.Next() {
		var id string
		if err := mergedRows.Scan(&id); err != nil {
			return storage.WrapDBError("scan merge provenance", err)
		}
		m.MergedFrom = append(m.MergedFrom, id)
	}
	return storage.WrapDBError("iterate merge provenance", mergedRows.Err())
}

// GetMapping loads one canonical mapping by ID with all detail rows.
func (q *queries) GetMapping(ctx context.Context, id string) (*types.CanonicalMapping, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM mappings WHERE id = ?`, id)
	m, err := scanMapping(row)
	if err != nil {
		return nil, storage.WrapDBError(fmt.Sprintf("get mapping %s", id), err)
	}
	if err := q.loadMappingDetail(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMappingByExternalID resolves a (source, external_id) pair to its
// canonical mapping. External-id rows always point at a live mapping after
// merges, but the merged_into chain is followed defensively in case a
// concurrent merge landed between the row update and this read.
func (q *queries) GetMappingByExternalID(ctx context.Context, source, externalID string) (*types.CanonicalMapping, error) {
	var mappingID string
	err := q.db.QueryRowContext(ctx,
		`SELECT mapping_id FROM external_ids WHERE source = ? AND external_id = ?`,
		source, externalID).Scan(&mappingID)
	if err != nil {
		return nil, storage.WrapDBError(fmt.Sprintf("lookup external id %s/%s", source, externalID), err)
	}

	for hops := 0; hops < 10; hops++ {
		m, err := q.GetMapping(ctx, mappingID)
		if err != nil {
			return nil, err
		}
		if m.Active || m.MergedInto == "" {
			return m, nil
		}
		mappingID = m.MergedInto
	}
	return nil, fmt.Errorf("merged_into chain too deep for %s/%s", source, externalID)
}

// FindActiveByName finds the active mapping whose canonical name or alias
// equals the given normalized name. Ties (should not happen in practice)
// break deterministically by creation time then ID.
func (q *queries) FindActiveByName(ctx context.Context, normalizedName string) (*types.CanonicalMapping, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+qualifiedMappingColumns+`
		FROM mappings m
		JOIN mapping_aliases a ON a.mapping_id = m.id
		WHERE a.normalized = ? AND m.active = 1
		ORDER BY m.created_at, m.id
		LIMIT 1`, normalizedName)
	m, err := scanMapping(row)
	if err != nil {
		return nil, storage.WrapDBError(fmt.Sprintf("find by name %q", normalizedName), err)
	}
	if err := q.loadMappingDetail(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

const qualifiedMappingColumns = `m.id, m.content_hash, m.name, m.category, m.unit, m.canonical_cost,
	m.confidence, m.method, m.conflict_flag, m.merged_into, m.active, m.created_at, m.updated_at, m.created_by`

// ListActiveMappings returns all active mappings, optionally restricted to a
// category, ordered by creation time then ID for deterministic fuzzy-match
// tie-breaking.
func (q *queries) ListActiveMappings(ctx context.Context, category string) ([]*types.CanonicalMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE active = 1`
	args := []any{}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapDBError("list active mappings", err)
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
		if err := q.loadMappingDetail(ctx, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CreateMapping inserts a new canonical mapping with its aliases, external
// ids, and source costs. A UNIQUE failure on external_ids surfaces as
// storage.ErrConflict so the resolver can retry as a lookup.
func (q *queries) CreateMapping(ctx context.Context, m *types.CanonicalMapping) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.ContentHash == "" {
		m.ContentHash = m.ComputeContentHash()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO mappings (id, content_hash, name, category, unit, canonical_cost,
			confidence, method, conflict_flag, merged_into, active, created_at, updated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ContentHash, m.Name, m.Category, m.Unit, m.CanonicalCost,
		m.Confidence, string(m.Method), boolToInt(m.ConflictFlag), m.MergedInto,
		boolToInt(m.Active), m.CreatedAt, m.UpdatedAt, m.CreatedBy)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return fmt.Errorf("create mapping %s: %w", m.ID, storage.ErrConflict)
		}
		return storage.WrapDBError("create mapping", err)
	}

	if err := q.replaceAliases(ctx, m); err != nil {
		return err
	}
	for source, extID := range m.ExternalIDs {
		if err := q.AttachExternalID(ctx, m.ID, source, extID); err != nil {
			return err
		}
	}
	for source, sc := range m.SourceCosts {
		if err := q.UpsertSourceCost(ctx, m.ID, source, sc); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMapping rewrites a mapping's base row and alias set. External ids,
// source costs, and merge provenance are managed by their dedicated methods.
func (q *queries) UpdateMapping(ctx context.Context, m *types.CanonicalMapping) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	m.UpdatedAt = time.Now().UTC()
	m.ContentHash = m.ComputeContentHash()

	res, err := q.db.ExecContext(ctx, `
		UPDATE mappings SET content_hash = ?, name = ?, category = ?, unit = ?,
			canonical_cost = ?, confidence = ?, method = ?, conflict_flag = ?,
			merged_into = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		m.ContentHash, m.Name, m.Category, m.Unit,
		m.CanonicalCost, m.Confidence, string(m.Method), boolToInt(m.ConflictFlag),
		m.MergedInto, boolToInt(m.Active), m.UpdatedAt, m.ID)
	if err != nil {
		return storage.WrapDBError("update mapping", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.WrapDBError("update mapping", err)
	}
	if n == 0 {
		return fmt.Errorf("update mapping %s: %w", m.ID, storage.ErrNotFound)
	}
	return q.replaceAliases(ctx, m)
}

// replaceAliases rewrites the alias rows for a mapping. The canonical name
// itself is stored as an alias row so exact-name lookup is one query.
func (q *queries) replaceAliases(ctx context.Context, m *types.CanonicalMapping) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM mapping_aliases WHERE mapping_id = ?`, m.ID); err != nil {
		return storage.WrapDBError("clear aliases", err)
	}
	for _, name := range m.AllNames() {
		norm := types.NormalizeName(name)
		if norm == "" {
			continue
		}
		_, err := q.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO mapping_aliases (mapping_id, alias, normalized)
			VALUES (?, ?, ?)`, m.ID, name, norm)
		if err != nil {
			return storage.WrapDBError("insert alias", err)
		}
	}
	return nil
}

// AttachExternalID binds a (source, external_id) pair to a mapping as the
// primary value for that source if the source has no primary yet.
func (q *queries) AttachExternalID(ctx context.Context, mappingID, source, externalID string) error {
	var hasPrimary int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM external_ids
		WHERE mapping_id = ? AND source = ? AND is_primary = 1`, mappingID, source).Scan(&hasPrimary)
	if err != nil {
		return storage.WrapDBError("check primary external id", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO external_ids (source, external_id, mapping_id, is_primary)
		VALUES (?, ?, ?, ?)`,
		source, externalID, mappingID, boolToInt(hasPrimary == 0))
	if err != nil {
		if IsUniqueConstraintError(err) {
			return fmt.Errorf("attach external id %s/%s: %w", source, externalID, storage.ErrConflict)
		}
		return storage.WrapDBError("attach external id", err)
	}
	return nil
}

// UpsertSourceCost records the last-known cost from one source.
func (q *queries) UpsertSourceCost(ctx context.Context, mappingID, source string, sc types.SourceCost) error {
	if sc.RecordedAt.IsZero() {
		sc.RecordedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO source_costs (mapping_id, source, cost, confidence, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mapping_id, source) DO UPDATE SET
			cost = excluded.cost, confidence = excluded.confidence, recorded_at = excluded.recorded_at`,
		mappingID, source, sc.Cost, sc.Confidence, sc.RecordedAt)
	return storage.WrapDBError("upsert source cost", err)
}

// MergeExternalIDs repoints every external-id row from one mapping to
// another. Rows whose source already has a primary value on the target are
// demoted and returned so the caller can preserve the losing value in the
// merge audit evidence.
func (q *queries) MergeExternalIDs(ctx context.Context, fromID, toID string) ([]storage.ExternalRef, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT source, external_id, is_primary FROM external_ids WHERE mapping_id = ?`, fromID)
	if err != nil {
		return nil, storage.WrapDBError("list external ids for merge", err)
	}
	type ref struct {
		source, extID string
		primary       bool
	}
	var moving []ref
	for rows.Next() {
		var r ref
		var p int
		if err := rows.Scan(&r.source, &r.extID, &p); err != nil {
			rows.Close()
			return nil, storage.WrapDBError("scan external id for merge", err)
		}
		r.primary = p != 0
		moving = append(moving, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storage.WrapDBError("iterate external ids for merge", err)
	}

	var demoted []storage.ExternalRef
	for _, r := range moving {
		primary := r.primary
		if primary {
			// Keep wins: if the survivor already has a primary value for
			// this source, the moved value loses primary status.
			var count int
			err := q.db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM external_ids
				WHERE mapping_id = ? AND source = ? AND is_primary = 1`, toID, r.source).Scan(&count)
			if err != nil {
				return nil, storage.WrapDBError("check survivor primary", err)
			}
			if count > 0 {
				primary = false
				demoted = append(demoted, storage.ExternalRef{Source: r.source, ExternalID: r.extID})
			}
		}
		_, err := q.db.ExecContext(ctx, `
			UPDATE external_ids SET mapping_id = ?, is_primary = ?
			WHERE source = ? AND external_id = ?`,
			toID, boolToInt(primary), r.source, r.extID)
		if err != nil {
			return nil, storage.WrapDBError("repoint external id", err)
		}
	}
	return demoted, nil
}

// MoveSourceCosts moves source-cost rows to the survivor. On a source
// conflict the survivor's cost wins; skipped sources are returned.
func (q *queries) MoveSourceCosts(ctx context.Context, fromID, toID string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT source FROM source_costs WHERE mapping_id = ?`, fromID)
	if err != nil {
		return nil, storage.WrapDBError("list source costs for merge", err)
	}
	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return nil, storage.WrapDBError("scan source cost for merge", err)
		}
		sources = append(sources, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storage.WrapDBError("iterate source costs for merge", err)
	}

	var skipped []string
	for _, s := range sources {
		var count int
		err := q.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM source_costs WHERE mapping_id = ? AND source = ?`,
			toID, s).Scan(&count)
		if err != nil {
			return nil, storage.WrapDBError("check survivor cost", err)
		}
		if count > 0 {
			skipped = append(skipped, s)
			if _, err := q.db.ExecContext(ctx,
				`DELETE FROM source_costs WHERE mapping_id = ? AND source = ?`, fromID, s); err != nil {
				return nil, storage.WrapDBError("drop losing cost", err)
			}
			continue
		}
		if _, err := q.db.ExecContext(ctx, `
			UPDATE source_costs SET mapping_id = ? WHERE mapping_id = ? AND source = ?`,
			toID, fromID, s); err != nil {
			return nil, storage.WrapDBError("move source cost", err)
		}
	}
	return skipped, nil
}

// AppendMergedFrom records merge provenance. Idempotent under retry.
func (q *queries) AppendMergedFrom(ctx context.Context, survivorID, mergedID, reason, mergedBy string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO merged_from (mapping_id, merged_id, reason, merged_at, merged_by)
		VALUES (?, ?, ?, ?, ?)`,
		survivorID, mergedID, reason, time.Now().UTC(), mergedBy)
	return storage.WrapDBError("append merge provenance", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
