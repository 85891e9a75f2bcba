package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/sms-ledger/internal/domain"
)

const tsFormat = time.RFC3339Nano

// InsertTransaction appends one row to the ledger.
func (s *Store) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (id, ts, source, amount, merchant, category, operation_type,
			is_incoming, account_number, card_number, raw_text, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Timestamp.UTC().Format(tsFormat), tx.Source, tx.Amount.String(),
		tx.Merchant, tx.Category, tx.OperationType, boolToInt(tx.IsIncoming),
		tx.AccountNumber, tx.CardNumber, tx.RawText, tx.CreatedTS.UTC().Format(tsFormat))
	if err != nil {
		return fmt.Errorf("InsertTransaction: %w", err)
	}
	return nil
}

// GetTransaction returns the ledger row for id, or ErrNotFound.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, source, amount, merchant, category, operation_type,
			is_incoming, account_number, card_number, raw_text, created_ts
		FROM ledger WHERE id = ?`, id)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return tx, nil
}

// DeleteTransaction removes the ledger row for id and reports whether a
// row existed. Deleting an unknown id is not an error.
func (s *Store) DeleteTransaction(ctx context.Context, id string) (bool, error) {
	n, err := execRows(ctx, s.db, `DELETE FROM ledger WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("DeleteTransaction: %w", err)
	}
	return n > 0, nil
}

// UpdateTransactionCategory rewrites the category of an existing row.
func (s *Store) UpdateTransactionCategory(ctx context.Context, id, category string) error {
	n, err := execRows(ctx, s.db, `UPDATE ledger SET category = ? WHERE id = ?`, category, id)
	if err != nil {
		return fmt.Errorf("UpdateTransactionCategory: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTransactionIDs returns the set of live ledger ids.
func (s *Store) ListTransactionIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM ledger`)
	if err != nil {
		return nil, fmt.Errorf("ListTransactionIDs: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ListTransactionIDs: scan: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// ListTransactions returns every ledger row ordered by timestamp.
func (s *Store) ListTransactions(ctx context.Context) ([]*domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, source, amount, merchant, category, operation_type,
			is_incoming, account_number, card_number, raw_text, created_ts
		FROM ledger ORDER BY ts`)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(r rowScanner) (*domain.Transaction, error) {
	var (
		tx               domain.Transaction
		tsRaw, createdTS string
		amount           string
		incoming         int
	)
	err := r.Scan(&tx.ID, &tsRaw, &tx.Source, &amount, &tx.Merchant, &tx.Category,
		&tx.OperationType, &incoming, &tx.AccountNumber, &tx.CardNumber, &tx.RawText, &createdTS)
	if err != nil {
		return nil, err
	}
	if tx.Timestamp, err = time.Parse(tsFormat, tsRaw); err != nil {
		return nil, fmt.Errorf("parsing ts: %w", err)
	}
	if tx.CreatedTS, err = time.Parse(tsFormat, createdTS); err != nil {
		return nil, fmt.Errorf("parsing created_ts: %w", err)
	}
	if tx.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	tx.IsIncoming = incoming != 0
	return &tx, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
