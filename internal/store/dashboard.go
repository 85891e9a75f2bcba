package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MirrorRow is the denormalized, read-optimized dashboard projection of
// one ledger transaction. It shares the transaction's id and is always
// derivable by replaying the ledger; never authoritative.
type MirrorRow struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Merchant  string          `json:"merchant"`
	Amount    decimal.Decimal `json:"amount"`
	Category  string          `json:"category"`
	Source    string          `json:"source"`
}

// InsertMirror writes the dashboard projection for one transaction.
func (s *Store) InsertMirror(ctx context.Context, m *MirrorRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dashboard_mirror (id, ts, merchant, amount, category, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Timestamp.UTC().Format(tsFormat), m.Merchant, m.Amount.String(), m.Category, m.Source)
	if err != nil {
		return fmt.Errorf("InsertMirror: %w", err)
	}
	return nil
}

// DeleteMirror removes the projection row for id, reporting whether one
// existed.
func (s *Store) DeleteMirror(ctx context.Context, id string) (bool, error) {
	n, err := execRows(ctx, s.db, `DELETE FROM dashboard_mirror WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("DeleteMirror: %w", err)
	}
	return n > 0, nil
}

// UpdateMirrorCategory keeps the projection in step with a category change.
func (s *Store) UpdateMirrorCategory(ctx context.Context, id, category string) error {
	if _, err := execRows(ctx, s.db, `
		UPDATE dashboard_mirror SET category = ? WHERE id = ?`, category, id); err != nil {
		return fmt.Errorf("UpdateMirrorCategory: %w", err)
	}
	return nil
}

// ListMirrorRows returns every projection row ordered by timestamp.
func (s *Store) ListMirrorRows(ctx context.Context) ([]*MirrorRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, merchant, amount, category, source
		FROM dashboard_mirror ORDER BY ts`)
	if err != nil {
		return nil, fmt.Errorf("ListMirrorRows: %w", err)
	}
	defer rows.Close()

	var out []*MirrorRow
	for rows.Next() {
		var (
			m      MirrorRow
			tsRaw  string
			amount string
		)
		if err := rows.Scan(&m.ID, &tsRaw, &m.Merchant, &amount, &m.Category, &m.Source); err != nil {
			return nil, fmt.Errorf("ListMirrorRows: scan: %w", err)
		}
		if m.Timestamp, err = time.Parse(tsFormat, tsRaw); err != nil {
			return nil, fmt.Errorf("ListMirrorRows: parsing ts: %w", err)
		}
		if m.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, fmt.Errorf("ListMirrorRows: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
