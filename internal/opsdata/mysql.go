package opsdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL reads the platform's operational tables over a standard DSN.
// Connections are pooled conservatively; the reasoner issues a handful of
// queries per run, not a stream.
type MySQL struct {
	db *sql.DB
}

var _ Provider = (*MySQL)(nil)

// OpenMySQL connects to the platform mirror. The DSN is the usual
// go-sql-driver form, e.g. "user:pass@tcp(host:3306)/ops?parseTime=true".
func OpenMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opsdata: open mysql: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &MySQL{db: db}, nil
}

// NewMySQL wraps an existing handle; tests use this with a mock.
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db}
}

// Close releases the connection pool.
func (m *MySQL) Close() error {
	return m.db.Close()
}

// Ping verifies the mirror is reachable.
func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQL) InventorySnapshots(ctx context.Context, storeID string, from, to time.Time) ([]InventorySnapshot, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT store_id, canonical_id, qty, unit, taken_at
		FROM inventory_snapshots
		WHERE store_id = ? AND taken_at BETWEEN ? AND ?
		ORDER BY taken_at ASC`, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("opsdata: inventory snapshots: %w", err)
	}
	defer rows.Close()

	var out []InventorySnapshot
	for rows.Next() {
		var s InventorySnapshot
		var unit sql.NullString
		if err := rows.Scan(&s.StoreID, &s.CanonicalID, &s.Qty, &unit, &s.TakenAt); err != nil {
			return nil, fmt.Errorf("opsdata: scan snapshot: %w", err)
		}
		s.Unit = unit.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m *MySQL) RecipeLinks(ctx context.Context, canonicalID string) ([]RecipeLink, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT ri.recipe_id, r.name, ri.canonical_id, ri.qty_per_unit, ri.unit
		FROM recipe_ingredients ri
		JOIN recipes r ON r.id = ri.recipe_id
		WHERE ri.canonical_id = ?`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("opsdata: recipe links: %w", err)
	}
	defer rows.Close()

	var out []RecipeLink
	for rows.Next() {
		var l RecipeLink
		var unit sql.NullString
		if err := rows.Scan(&l.RecipeID, &l.RecipeName, &l.CanonicalID, &l.QtyPerUnit, &unit); err != nil {
			return nil, fmt.Errorf("opsdata: scan recipe link: %w", err)
		}
		l.Unit = unit.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (m *MySQL) UnitsSold(ctx context.Context, storeID string, from, to time.Time) (map[string]float64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT recipe_id, SUM(qty)
		FROM sales
		WHERE store_id = ? AND sold_at BETWEEN ? AND ?
		GROUP BY recipe_id`, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("opsdata: units sold: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var recipeID string
		var units float64
		if err := rows.Scan(&recipeID, &units); err != nil {
			return nil, fmt.Errorf("opsdata: scan sale: %w", err)
		}
		out[recipeID] = units
	}
	return out, rows.Err()
}

func (m *MySQL) StaffShifts(ctx context.Context, storeID string, from, to time.Time) ([]StaffShift, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT s.staff_id, st.name, st.role, s.shift_start, s.shift_end
		FROM staff_shifts s
		JOIN staff st ON st.id = s.staff_id
		WHERE s.store_id = ? AND s.shift_end > ? AND s.shift_start < ?
		ORDER BY s.shift_start ASC`, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("opsdata: staff shifts: %w", err)
	}
	defer rows.Close()

	var out []StaffShift
	for rows.Next() {
		var sh StaffShift
		var name, role sql.NullString
		if err := rows.Scan(&sh.StaffID, &name, &role, &sh.Start, &sh.End); err != nil {
			return nil, fmt.Errorf("opsdata: scan shift: %w", err)
		}
		sh.Name = name.String
		sh.Role = role.String
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (m *MySQL) PurchaseLines(ctx context.Context, storeID string, from, to time.Time) ([]PurchaseLine, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT pl.po_id, po.supplier_id, sp.name, pl.canonical_id, pl.qty, pl.unit, pl.cost, po.received_at
		FROM purchase_lines pl
		JOIN purchase_orders po ON po.id = pl.po_id
		JOIN suppliers sp ON sp.id = po.supplier_id
		WHERE po.store_id = ? AND po.received_at BETWEEN ? AND ?
		ORDER BY po.received_at ASC`, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("opsdata: purchase lines: %w", err)
	}
	defer rows.Close()

	var out []PurchaseLine
	for rows.Next() {
		var l PurchaseLine
		var name, unit sql.NullString
		var cost sql.NullFloat64
		if err := rows.Scan(&l.POID, &l.SupplierID, &name, &l.CanonicalID, &l.Qty, &unit, &cost, &l.ReceivedAt); err != nil {
			return nil, fmt.Errorf("opsdata: scan purchase line: %w", err)
		}
		l.SupplierName = name.String
		l.Unit = unit.String
		l.Cost = cost.Float64
		out = append(out, l)
	}
	return out, rows.Err()
}
