package store

import (
	"context"
	"testing"
)

func TestMigrateNoopOnCurrentSchema(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(res.Rebuilt) != 0 {
		t.Errorf("Rebuilt = %v, want none on a fresh schema", res.Rebuilt)
	}
	if len(res.Checked) != len(expectedColumns) {
		t.Errorf("Checked %d tables, want %d", len(res.Checked), len(expectedColumns))
	}
}

func TestMigrateRebuildsMismatchedTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Replace the mirror table with an older layout carrying a stale
	// extra column.
	mustExec(t, s, `DROP TABLE dashboard_mirror`)
	mustExec(t, s, `CREATE TABLE dashboard_mirror (
		id TEXT PRIMARY KEY, ts TEXT NOT NULL, merchant TEXT NOT NULL,
		amount TEXT NOT NULL, category TEXT NOT NULL, source TEXT NOT NULL,
		legacy_note TEXT)`)
	mustExec(t, s, `INSERT INTO dashboard_mirror (id, ts, merchant, amount, category, source, legacy_note)
		VALUES ('m-1', '2026-03-14T10:30:00Z', 'Corner Shop', '12.50', 'food', 'TestBank', 'stale')`)

	res, err := s.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(res.Rebuilt) != 1 || res.Rebuilt[0] != "dashboard_mirror" {
		t.Fatalf("Rebuilt = %v, want [dashboard_mirror]", res.Rebuilt)
	}

	cols, err := s.TableColumns(ctx, "dashboard_mirror")
	if err != nil {
		t.Fatalf("TableColumns: %v", err)
	}
	if !columnsMatch(cols, expectedColumns["dashboard_mirror"]) {
		t.Errorf("columns after rebuild = %v, want %v", cols, expectedColumns["dashboard_mirror"])
	}

	// Shared columns survive the rebuild; the stale one is gone.
	var merchant, source string
	err = s.DB().QueryRowContext(ctx,
		`SELECT merchant, source FROM dashboard_mirror WHERE id = 'm-1'`).Scan(&merchant, &source)
	if err != nil {
		t.Fatalf("querying migrated row: %v", err)
	}
	if merchant != "Corner Shop" || source != "TestBank" {
		t.Errorf("row after rebuild = (%q, %q), want (Corner Shop, TestBank)", merchant, source)
	}

	var action string
	err = s.DB().QueryRowContext(ctx,
		`SELECT action FROM schema_meta WHERE table_name = 'dashboard_mirror'`).Scan(&action)
	if err != nil {
		t.Fatalf("querying schema_meta: %v", err)
	}
	if action != "rebuild" {
		t.Errorf("schema_meta action = %q, want rebuild", action)
	}
}

func TestColumnsMatch(t *testing.T) {
	tests := []struct {
		name string
		got  []string
		want []string
		same bool
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, true},
		{"reordered", []string{"b", "a"}, []string{"a", "b"}, false},
		{"missing", []string{"a"}, []string{"a", "b"}, false},
		{"extra", []string{"a", "b", "c"}, []string{"a", "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := columnsMatch(tt.got, tt.want); got != tt.same {
				t.Errorf("columnsMatch(%v, %v) = %v, want %v", tt.got, tt.want, got, tt.same)
			}
		})
	}
}

func mustExec(t *testing.T, s *Store, query string, args ...interface{}) {
	t.Helper()
	if _, err := s.DB().ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
