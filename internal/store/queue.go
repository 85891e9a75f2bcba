package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Queue item statuses. RETRY statuses carry the attempt number
// (RETRY_1, RETRY_2, ...); use RetryStatus to build them.
const (
	StatusNew     = "NEW"
	StatusRunning = "RUNNING"
	StatusOK      = "OK"
	StatusSkipDup = "SKIP_DUP"
	StatusDLQ     = "DLQ"
	StatusErr     = "ERR"
)

// RetryStatus returns the status marker for the nth retry.
func RetryStatus(n int) string {
	return fmt.Sprintf("RETRY_%d", n)
}

// terminalStatuses are eligible for time-based cleanup; everything else
// is still in flight.
var terminalStatuses = []string{StatusOK, StatusSkipDup, StatusDLQ, StatusErr}

// QueueMeta is the structured bag carried with every queue item.
type QueueMeta struct {
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// QueueItem is one deferred ingress message. The row id doubles as the
// locator used by monitoring and the integrity report.
type QueueItem struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Text        string    `json:"text"`
	Meta        QueueMeta `json:"meta"`
	Status      string    `json:"status"`
	Fingerprint string    `json:"fingerprint"`
}

// EnqueueItem appends a NEW queue item and fills in its row id.
func (s *Store) EnqueueItem(ctx context.Context, item *QueueItem) error {
	if item.Status == "" {
		item.Status = StatusNew
	}
	meta, err := json.Marshal(item.Meta)
	if err != nil {
		return fmt.Errorf("EnqueueItem: marshal meta: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO queue_items (ts, source, text, meta, status, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		item.Timestamp.UTC().Format(tsFormat), item.Source, item.Text,
		string(meta), item.Status, item.Fingerprint)
	if err := row.Scan(&item.ID); err != nil {
		return fmt.Errorf("EnqueueItem: %w", err)
	}
	return nil
}

// SelectNewItems returns up to limit items with status NEW in insertion
// order.
func (s *Store) SelectNewItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, source, text, meta, status, fingerprint
		FROM queue_items WHERE status = ? ORDER BY id LIMIT ?`, StatusNew, limit)
	if err != nil {
		return nil, fmt.Errorf("SelectNewItems: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// ListQueueItems returns recent items, optionally filtered by status.
func (s *Store) ListQueueItems(ctx context.Context, status string, limit int) ([]*QueueItem, error) {
	query := `SELECT id, ts, source, text, meta, status, fingerprint
		FROM queue_items`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListQueueItems: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// UpdateItemStatus transitions one item's status.
func (s *Store) UpdateItemStatus(ctx context.Context, id int64, status string) error {
	n, err := execRows(ctx, s.db, `UPDATE queue_items SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("UpdateItemStatus: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateItem rewrites an item's meta and status together.
func (s *Store) UpdateItem(ctx context.Context, item *QueueItem) error {
	meta, err := json.Marshal(item.Meta)
	if err != nil {
		return fmt.Errorf("UpdateItem: marshal meta: %w", err)
	}
	n, err := execRows(ctx, s.db, `
		UPDATE queue_items SET meta = ?, status = ? WHERE id = ?`,
		string(meta), item.Status, item.ID)
	if err != nil {
		return fmt.Errorf("UpdateItem: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupTerminal deletes terminal-state items older than the cutoff and
// returns how many were removed. Items in flight are never touched.
func (s *Store) CleanupTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := execRows(ctx, s.db, `
		DELETE FROM queue_items
		WHERE status IN (?, ?, ?, ?) AND ts < ?`,
		terminalStatuses[0], terminalStatuses[1], terminalStatuses[2], terminalStatuses[3],
		olderThan.UTC().Format(tsFormat))
	if err != nil {
		return 0, fmt.Errorf("CleanupTerminal: %w", err)
	}
	return n, nil
}

func collectQueueItems(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]*QueueItem, error) {
	var out []*QueueItem
	for rows.Next() {
		var (
			item  QueueItem
			tsRaw string
			meta  string
		)
		if err := rows.Scan(&item.ID, &tsRaw, &item.Source, &item.Text, &meta, &item.Status, &item.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		ts, err := time.Parse(tsFormat, tsRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing queue ts: %w", err)
		}
		item.Timestamp = ts
		if err := json.Unmarshal([]byte(meta), &item.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal queue meta: %w", err)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}
