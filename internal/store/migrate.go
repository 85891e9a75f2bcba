package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// expectedColumns is the stable column order per table; it is the schema
// contract. Any live table whose header deviates is rebuilt by Migrate.
var expectedColumns = map[string][]string{
	"ledger": {"id", "ts", "source", "amount", "merchant", "category", "operation_type",
		"is_incoming", "account_number", "card_number", "raw_text", "created_ts"},
	"budget_aggregate": {"category", "budget_limit", "spent", "linked_ids"},
	"debt_ledger":      {"id", "parent_id", "party", "debit", "credit", "running_balance", "description", "seq"},
	"dashboard_mirror": {"id", "ts", "merchant", "amount", "category", "source"},
	"queue_items":      {"id", "ts", "source", "text", "meta", "status", "fingerprint"},
	"dead_letters":     {"id", "queued_ts", "source", "text", "final_error", "retry_count", "created_ts"},
	"kv_flags":         {"key", "value", "expires_at"},
}

// createStatements holds per-table DDL used when rebuilding. Kept in one
// place so the rebuild target always matches the canonical schema.
var createStatements = map[string]string{
	"ledger": `CREATE TABLE %s (
		id TEXT PRIMARY KEY, ts TEXT NOT NULL, source TEXT NOT NULL, amount TEXT NOT NULL,
		merchant TEXT NOT NULL, category TEXT NOT NULL, operation_type TEXT NOT NULL,
		is_incoming INTEGER NOT NULL, account_number TEXT NOT NULL DEFAULT '',
		card_number TEXT NOT NULL DEFAULT '', raw_text TEXT NOT NULL, created_ts TEXT NOT NULL)`,
	"budget_aggregate": `CREATE TABLE %s (
		category TEXT PRIMARY KEY, budget_limit TEXT NOT NULL, spent TEXT NOT NULL,
		linked_ids TEXT NOT NULL)`,
	"debt_ledger": `CREATE TABLE %s (
		id TEXT PRIMARY KEY, parent_id TEXT, party TEXT NOT NULL, debit TEXT NOT NULL,
		credit TEXT NOT NULL, running_balance TEXT NOT NULL, description TEXT NOT NULL,
		seq INTEGER NOT NULL)`,
	"dashboard_mirror": `CREATE TABLE %s (
		id TEXT PRIMARY KEY, ts TEXT NOT NULL, merchant TEXT NOT NULL, amount TEXT NOT NULL,
		category TEXT NOT NULL, source TEXT NOT NULL)`,
	"queue_items": `CREATE TABLE %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT, ts TEXT NOT NULL, source TEXT NOT NULL,
		text TEXT NOT NULL, meta TEXT NOT NULL, status TEXT NOT NULL, fingerprint TEXT NOT NULL)`,
	"dead_letters": `CREATE TABLE %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT, queued_ts TEXT NOT NULL, source TEXT NOT NULL,
		text TEXT NOT NULL, final_error TEXT NOT NULL, retry_count INTEGER NOT NULL,
		created_ts TEXT NOT NULL)`,
	"kv_flags": `CREATE TABLE %s (
		key TEXT PRIMARY KEY, value TEXT NOT NULL, expires_at TEXT)`,
}

// MigrationResult reports what Migrate did.
type MigrationResult struct {
	Checked []string
	Rebuilt []string
}

// TableColumns returns the live column names of a table in declared order.
func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, fmt.Errorf("TableColumns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    interface{}
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("TableColumns: scan: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// Migrate compares every table header against the expected column order
// and rebuilds mismatched tables: create a freshly named table with the
// canonical layout, copy the intersection of columns, drop the old table
// and rename the new one over it. Each rebuild is recorded in
// schema_meta.
func (s *Store) Migrate(ctx context.Context) (*MigrationResult, error) {
	result := &MigrationResult{}

	for table, want := range expectedColumns {
		result.Checked = append(result.Checked, table)

		got, err := s.TableColumns(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("Migrate: inspecting %s: %w", table, err)
		}
		if len(got) == 0 || columnsMatch(got, want) {
			continue
		}

		if err := s.rebuildTable(ctx, table, got, want); err != nil {
			return nil, fmt.Errorf("Migrate: rebuilding %s: %w", table, err)
		}
		result.Rebuilt = append(result.Rebuilt, table)
	}

	// Rebuilding drops secondary indexes along with the old table;
	// re-running the canonical DDL restores them.
	if len(result.Rebuilt) > 0 {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return nil, fmt.Errorf("Migrate: restoring indexes: %w", err)
		}
	}
	return result, nil
}

func (s *Store) rebuildTable(ctx context.Context, table string, got, want []string) error {
	fresh := fmt.Sprintf("%s_rebuild_%d", table, time.Now().Unix())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(createStatements[table], fresh)); err != nil {
		return fmt.Errorf("creating %s: %w", fresh, err)
	}

	// Copy only columns present in both layouts; new columns take their
	// declared defaults, dropped columns are discarded.
	shared := intersect(got, want)
	if len(shared) > 0 {
		cols := strings.Join(shared, ", ")
		copySQL := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, fresh, cols, cols, table)
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("copying rows: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, table)); err != nil {
		return fmt.Errorf("dropping old table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, fresh, table)); err != nil {
		return fmt.Errorf("renaming: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_meta (table_name, action, applied_at) VALUES (?, 'rebuild', ?)`,
		table, time.Now().UTC().Format(tsFormat)); err != nil {
		return fmt.Errorf("recording rebuild: %w", err)
	}

	return tx.Commit()
}

func columnsMatch(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func intersect(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, c := range b {
		inB[c] = true
	}
	var out []string
	for _, c := range a {
		if inB[c] {
			out = append(out, c)
		}
	}
	return out
}
