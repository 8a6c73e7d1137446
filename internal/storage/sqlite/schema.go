package sqlite

const schema = `
-- Canonical mappings table
CREATE TABLE IF NOT EXISTS mappings (
    id TEXT PRIMARY KEY,
    content_hash TEXT,
    name TEXT NOT NULL CHECK(length(name) <= 500),
    category TEXT NOT NULL DEFAULT '',
    unit TEXT NOT NULL DEFAULT '',
    canonical_cost REAL NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0 CHECK(confidence >= 0 AND confidence <= 1),
    method TEXT NOT NULL DEFAULT 'new',
    conflict_flag INTEGER NOT NULL DEFAULT 0,
    merged_into TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_by TEXT NOT NULL DEFAULT '',
    -- a deactivated mapping must point at its survivor
    CHECK (active = 1 OR merged_into != '')
);

CREATE INDEX IF NOT EXISTS idx_mappings_category ON mappings(category) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_mappings_conflict ON mappings(conflict_flag) WHERE conflict_flag = 1 AND active = 1;

-- Aliases, stored alongside a case/whitespace-normalized form for exact-name lookup
CREATE TABLE IF NOT EXISTS mapping_aliases (
    mapping_id TEXT NOT NULL,
    alias TEXT NOT NULL,
    normalized TEXT NOT NULL,
    PRIMARY KEY (mapping_id, normalized),
    FOREIGN KEY (mapping_id) REFERENCES mappings(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_aliases_normalized ON mapping_aliases(normalized);

-- External identifiers. The primary key IS the cross-source uniqueness
-- invariant: at most one mapping per (source, external_id) pair.
-- is_primary = 0 marks a value demoted during a merge (losing value kept
-- resolvable for provenance, but no longer the mapping's value for that source).
CREATE TABLE IF NOT EXISTS external_ids (
    source TEXT NOT NULL,
    external_id TEXT NOT NULL,
    mapping_id TEXT NOT NULL,
    is_primary INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (source, external_id),
    FOREIGN KEY (mapping_id) REFERENCES mappings(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_external_ids_mapping ON external_ids(mapping_id);

-- Last-known cost per source, with the resolver's confidence at record time
CREATE TABLE IF NOT EXISTS source_costs (
    mapping_id TEXT NOT NULL,
    source TEXT NOT NULL,
    cost REAL NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0,
    recorded_at DATETIME NOT NULL,
    PRIMARY KEY (mapping_id, source),
    FOREIGN KEY (mapping_id) REFERENCES mappings(id) ON DELETE CASCADE
);

-- Merge provenance (survivor <- absorbed)
CREATE TABLE IF NOT EXISTS merged_from (
    mapping_id TEXT NOT NULL,
    merged_id TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    merged_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    merged_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (mapping_id, merged_id)
);

-- Append-only fusion audit ledger
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL DEFAULT 'ingredient',
    canonical_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    source_system TEXT NOT NULL DEFAULT '',
    raw_external_id TEXT NOT NULL DEFAULT '',
    raw_name TEXT NOT NULL DEFAULT '',
    matched_canonical_id TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    fusion_method TEXT NOT NULL DEFAULT '',
    evidence TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_canonical ON audit_log(canonical_id);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);

-- The ledger is append-only; reject UPDATE and DELETE at the database level
CREATE TRIGGER IF NOT EXISTS audit_log_no_update
BEFORE UPDATE ON audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
BEFORE DELETE ON audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit log is append-only');
END;

-- Waste events
CREATE TABLE IF NOT EXISTS waste_events (
    id TEXT PRIMARY KEY,
    store_id TEXT NOT NULL,
    canonical_id TEXT NOT NULL,
    qty REAL NOT NULL DEFAULT 0,
    unit TEXT NOT NULL DEFAULT '',
    occurred_at DATETIME NOT NULL,
    root_cause TEXT NOT NULL DEFAULT '',
    reported_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    annotated_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_waste_store_time ON waste_events(store_id, occurred_at);

-- Reasoning reports
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    store_id TEXT NOT NULL,
    dimension TEXT NOT NULL,
    window_start DATETIME NOT NULL,
    window_end DATETIME NOT NULL,
    severity TEXT NOT NULL,
    root_cause TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    evidence_chain TEXT NOT NULL DEFAULT '[]',
    triggered_rules TEXT NOT NULL DEFAULT '[]',
    recommended_actions TEXT NOT NULL DEFAULT '[]',
    peer_percentile REAL NOT NULL DEFAULT 0,
    kpi_snapshot TEXT NOT NULL DEFAULT '{}',
    is_actioned INTEGER NOT NULL DEFAULT 0,
    actioned_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_reports_store ON reports(store_id, dimension, created_at);
CREATE INDEX IF NOT EXISTS idx_reports_unactioned ON reports(is_actioned) WHERE is_actioned = 0;

-- Action plans. The UNIQUE on report_id is the at-most-one-plan-per-report
-- invariant; concurrent dispatchers fold a constraint failure into a re-lookup.
CREATE TABLE IF NOT EXISTS plans (
    id TEXT PRIMARY KEY,
    report_id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'pending',
    actions TEXT NOT NULL DEFAULT '[]',
    outcome TEXT NOT NULL DEFAULT '',
    resolved_by TEXT NOT NULL DEFAULT '',
    kpi_delta REAL,
    followup_report_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Graph write outbox (drained after commit, replayed by 'bl graph sync')
CREATE TABLE IF NOT EXISTS graph_outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    done_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON graph_outbox(created_at) WHERE done_at IS NULL;

-- Runtime configuration keys
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
