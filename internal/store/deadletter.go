package store

import (
	"context"
	"fmt"
	"time"
)

// DeadLetter is an immutable snapshot of a queue item that exhausted its
// retry budget. Write-once; read for manual review only.
type DeadLetter struct {
	ID         int64     `json:"id"`
	QueuedTS   time.Time `json:"queued_ts"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	FinalError string    `json:"final_error"`
	RetryCount int       `json:"retry_count"`
	CreatedTS  time.Time `json:"created_ts"`
}

// InsertDeadLetter records one exhausted queue item.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.CreatedTS.IsZero() {
		dl.CreatedTS = time.Now()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO dead_letters (queued_ts, source, text, final_error, retry_count, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		dl.QueuedTS.UTC().Format(tsFormat), dl.Source, dl.Text, dl.FinalError,
		dl.RetryCount, dl.CreatedTS.UTC().Format(tsFormat))
	if err := row.Scan(&dl.ID); err != nil {
		return fmt.Errorf("InsertDeadLetter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queued_ts, source, text, final_error, retry_count, created_ts
		FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListDeadLetters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var (
			dl              DeadLetter
			queued, created string
		)
		if err := rows.Scan(&dl.ID, &queued, &dl.Source, &dl.Text, &dl.FinalError, &dl.RetryCount, &created); err != nil {
			return nil, fmt.Errorf("ListDeadLetters: scan: %w", err)
		}
		if dl.QueuedTS, err = time.Parse(tsFormat, queued); err != nil {
			return nil, fmt.Errorf("ListDeadLetters: parsing queued_ts: %w", err)
		}
		if dl.CreatedTS, err = time.Parse(tsFormat, created); err != nil {
			return nil, fmt.Errorf("ListDeadLetters: parsing created_ts: %w", err)
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}
