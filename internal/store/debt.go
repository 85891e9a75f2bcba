package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// DebtRow is one inter-party debt ledger entry. RunningBalance is a
// prefix sum over all rows in seq order: balance[n] = balance[n-1] +
// debit[n] - credit[n]. ParentID references the originating ledger
// transaction; it is empty only for legacy rows.
type DebtRow struct {
	ID             string          `json:"id"`
	ParentID       string          `json:"parent_id,omitempty"`
	Party          string          `json:"party"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	RunningBalance decimal.Decimal `json:"running_balance"`
	Description    string          `json:"description"`
	Seq            int64           `json:"seq"`
}

// AppendDebt inserts a debt row at the end of the sequence. The caller
// supplies RunningBalance (prev + debit - credit); Seq is assigned here.
func (s *Store) AppendDebt(ctx context.Context, d *DebtRow) error {
	var parent interface{}
	if d.ParentID != "" {
		parent = d.ParentID
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO debt_ledger (id, parent_id, party, debit, credit, running_balance, description, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM debt_ledger))
		RETURNING seq`,
		d.ID, parent, d.Party, d.Debit.String(), d.Credit.String(),
		d.RunningBalance.String(), d.Description)
	if err := row.Scan(&d.Seq); err != nil {
		return fmt.Errorf("AppendDebt: %w", err)
	}
	return nil
}

// LastDebtBalance returns the running balance of the final debt row, or
// zero when the ledger is empty.
func (s *Store) LastDebtBalance(ctx context.Context) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT running_balance FROM debt_ledger ORDER BY seq DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("LastDebtBalance: %w", err)
	}
	return parseDecimal("running_balance", raw)
}

// ListDebts returns all debt rows in seq order.
func (s *Store) ListDebts(ctx context.Context) ([]*DebtRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, party, debit, credit, running_balance, description, seq
		FROM debt_ledger ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("ListDebts: %w", err)
	}
	defer rows.Close()

	var out []*DebtRow
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, fmt.Errorf("ListDebts: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDebtsForTransaction removes every debt row whose own id or
// parent id equals txID and returns the number of rows removed. The
// caller must recompute running balances afterwards.
func (s *Store) DeleteDebtsForTransaction(ctx context.Context, txID string) (int64, error) {
	n, err := execRows(ctx, s.db, `
		DELETE FROM debt_ledger WHERE id = ? OR parent_id = ?`, txID, txID)
	if err != nil {
		return 0, fmt.Errorf("DeleteDebtsForTransaction: %w", err)
	}
	return n, nil
}

// DeleteDebtRow removes one debt row by id.
func (s *Store) DeleteDebtRow(ctx context.Context, id string) error {
	if _, err := execRows(ctx, s.db, `DELETE FROM debt_ledger WHERE id = ?`, id); err != nil {
		return fmt.Errorf("DeleteDebtRow: %w", err)
	}
	return nil
}

// RecomputeDebtBalances rewrites every running balance as a prefix sum
// from the first surviving row forward. Invoked after any deletion.
func (s *Store) RecomputeDebtBalances(ctx context.Context) error {
	debts, err := s.ListDebts(ctx)
	if err != nil {
		return fmt.Errorf("RecomputeDebtBalances: %w", err)
	}

	balance := decimal.Zero
	for _, d := range debts {
		balance = balance.Add(d.Debit).Sub(d.Credit)
		if balance.Equal(d.RunningBalance) {
			continue
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE debt_ledger SET running_balance = ? WHERE id = ?`,
			balance.String(), d.ID)
		if err != nil {
			return fmt.Errorf("RecomputeDebtBalances: updating %s: %w", d.ID, err)
		}
	}
	return nil
}

func scanDebt(r rowScanner) (*DebtRow, error) {
	var (
		d                      DebtRow
		parent                 sql.NullString
		debit, credit, balance string
	)
	err := r.Scan(&d.ID, &parent, &d.Party, &debit, &credit, &balance, &d.Description, &d.Seq)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		d.ParentID = parent.String
	}
	if d.Debit, err = parseDecimal("debit", debit); err != nil {
		return nil, err
	}
	if d.Credit, err = parseDecimal("credit", credit); err != nil {
		return nil, err
	}
	if d.RunningBalance, err = parseDecimal("running_balance", balance); err != nil {
		return nil, err
	}
	return &d, nil
}
