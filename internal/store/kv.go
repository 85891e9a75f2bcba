package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetFlag writes a key-value flag. A ttl of zero makes the flag
// permanent; otherwise it expires and is removed by SweepExpiredFlags.
func (s *Store) SetFlag(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires interface{}
	if ttl > 0 {
		expires = time.Now().Add(ttl).UTC().Format(tsFormat)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_flags (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("SetFlag: %w", err)
	}
	return nil
}

// HasFlag reports whether key exists and has not expired. Expired rows
// are treated as absent even before the sweep removes them.
func (s *Store) HasFlag(ctx context.Context, key string) (bool, error) {
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT expires_at FROM kv_flags WHERE key = ?`, key).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("HasFlag: %w", err)
	}
	if !expires.Valid {
		return true, nil
	}
	exp, err := time.Parse(tsFormat, expires.String)
	if err != nil {
		return false, fmt.Errorf("HasFlag: parsing expires_at: %w", err)
	}
	return time.Now().Before(exp), nil
}

// SweepExpiredFlags removes flags past their expiry and returns the
// number removed. Permanent flags are never swept.
func (s *Store) SweepExpiredFlags(ctx context.Context) (int64, error) {
	n, err := execRows(ctx, s.db, `
		DELETE FROM kv_flags WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UTC().Format(tsFormat))
	if err != nil {
		return 0, fmt.Errorf("SweepExpiredFlags: %w", err)
	}
	return n, nil
}
