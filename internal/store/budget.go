package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// BudgetRow is one per-category aggregate. Spent is a signed running
// total: incoming transactions subtract, outgoing add. LinkedIDs must
// equal exactly the set of live, non-internal ledger ids in this
// category; the integrity checker repairs any drift.
type BudgetRow struct {
	Category  string          `json:"category"`
	Limit     decimal.Decimal `json:"budget_limit"`
	Spent     decimal.Decimal `json:"spent"`
	LinkedIDs []string        `json:"linked_ids"`
}

// Remaining is the computed field limit - spent; it is never stored.
func (b *BudgetRow) Remaining() decimal.Decimal {
	return b.Limit.Sub(b.Spent)
}

// HasLink reports whether id contributes to this row.
func (b *BudgetRow) HasLink(id string) bool {
	for _, l := range b.LinkedIDs {
		if l == id {
			return true
		}
	}
	return false
}

// Unlink removes id from LinkedIDs, reporting whether it was present.
func (b *BudgetRow) Unlink(id string) bool {
	for i, l := range b.LinkedIDs {
		if l == id {
			b.LinkedIDs = append(b.LinkedIDs[:i], b.LinkedIDs[i+1:]...)
			return true
		}
	}
	return false
}

// GetBudget returns the aggregate row for category, or ErrNotFound.
func (s *Store) GetBudget(ctx context.Context, category string) (*BudgetRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT category, budget_limit, spent, linked_ids
		FROM budget_aggregate WHERE category = ?`, category)

	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetBudget: %w", err)
	}
	return b, nil
}

// UpsertBudget writes the aggregate row for b.Category.
func (s *Store) UpsertBudget(ctx context.Context, b *BudgetRow) error {
	linked, err := json.Marshal(b.LinkedIDs)
	if err != nil {
		return fmt.Errorf("UpsertBudget: marshal linked ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budget_aggregate (category, budget_limit, spent, linked_ids)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET
			budget_limit = excluded.budget_limit,
			spent = excluded.spent,
			linked_ids = excluded.linked_ids`,
		b.Category, b.Limit.String(), b.Spent.String(), string(linked))
	if err != nil {
		return fmt.Errorf("UpsertBudget: %w", err)
	}
	return nil
}

// ListBudgets returns every aggregate row ordered by category.
func (s *Store) ListBudgets(ctx context.Context) ([]*BudgetRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, budget_limit, spent, linked_ids
		FROM budget_aggregate ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("ListBudgets: %w", err)
	}
	defer rows.Close()

	var out []*BudgetRow
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("ListBudgets: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBudget(r rowScanner) (*BudgetRow, error) {
	var (
		b                    BudgetRow
		limit, spent, linked string
	)
	if err := r.Scan(&b.Category, &limit, &spent, &linked); err != nil {
		return nil, err
	}
	var err error
	if b.Limit, err = parseDecimal("budget_limit", limit); err != nil {
		return nil, err
	}
	if b.Spent, err = parseDecimal("spent", spent); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(linked), &b.LinkedIDs); err != nil {
		return nil, fmt.Errorf("unmarshal linked ids: %w", err)
	}
	if b.LinkedIDs == nil {
		b.LinkedIDs = []string{}
	}
	return &b, nil
}
