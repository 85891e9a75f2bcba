// Package dedup fingerprints incoming messages and tracks which ones
// have already been processed, so the same notification delivered twice
// does not produce two ledger rows.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Key prefixes in the flag store. "dup:" marks a processed fingerprint,
// "seen:" marks a recently seen content hash regardless of timestamp.
const (
	processedPrefix = "dup:"
	contentPrefix   = "seen:"
)

// FlagStore is the persistence needed by the deduper. *store.Store
// satisfies it.
type FlagStore interface {
	SetFlag(ctx context.Context, key, value string, ttl time.Duration) error
	HasFlag(ctx context.Context, key string) (bool, error)
	SweepExpiredFlags(ctx context.Context) (int64, error)
}

// Deduper answers "have we handled this message before" using two
// signals: an exact fingerprint bucketed by time, and a content hash
// that catches re-deliveries with a shifted timestamp.
type Deduper struct {
	flags      FlagStore
	bucket     time.Duration
	flagTTL    time.Duration
	contentTTL time.Duration
}

// New builds a Deduper. bucket is the timestamp rounding window for
// fingerprints, flagTTL is how long processed marks live (zero means
// forever), contentTTL bounds the timestamp-independent content hash.
func New(flags FlagStore, bucket, flagTTL, contentTTL time.Duration) *Deduper {
	return &Deduper{flags: flags, bucket: bucket, flagTTL: flagTTL, contentTTL: contentTTL}
}

// Fingerprint derives a stable identifier from the message source, its
// normalized body, and its timestamp truncated to the bucket. Messages
// that differ only by delivery jitter within one bucket collide on
// purpose.
func (d *Deduper) Fingerprint(source, body string, ts time.Time) string {
	bucketed := ts.UTC().Truncate(d.bucket)
	sum := sha256.Sum256([]byte(source + "\x00" + normalizeBody(body) + "\x00" + bucketed.Format(time.RFC3339)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ContentHash identifies the message body alone, ignoring timestamps.
func (d *Deduper) ContentHash(source, body string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + normalizeBody(body)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// IsDuplicate reports whether this message was already processed, by
// fingerprint or by recent content hash.
func (d *Deduper) IsDuplicate(ctx context.Context, source, body string, ts time.Time) (bool, error) {
	fp := d.Fingerprint(source, body, ts)
	ok, err := d.flags.HasFlag(ctx, processedPrefix+fp)
	if err != nil {
		return false, fmt.Errorf("IsDuplicate: %w", err)
	}
	if ok {
		return true, nil
	}
	ok, err = d.flags.HasFlag(ctx, contentPrefix+d.ContentHash(source, body))
	if err != nil {
		return false, fmt.Errorf("IsDuplicate: %w", err)
	}
	return ok, nil
}

// MarkProcessed records both signals after a message has been fully
// handled. Call it only once the cascade committed.
func (d *Deduper) MarkProcessed(ctx context.Context, source, body string, ts time.Time) error {
	fp := d.Fingerprint(source, body, ts)
	if err := d.flags.SetFlag(ctx, processedPrefix+fp, "1", d.flagTTL); err != nil {
		return fmt.Errorf("MarkProcessed: %w", err)
	}
	if err := d.flags.SetFlag(ctx, contentPrefix+d.ContentHash(source, body), "1", d.contentTTL); err != nil {
		return fmt.Errorf("MarkProcessed: %w", err)
	}
	return nil
}

// Sweep drops expired flags.
func (d *Deduper) Sweep(ctx context.Context) (int64, error) {
	return d.flags.SweepExpiredFlags(ctx)
}

// normalizeBody lowercases the text and collapses runs of whitespace so
// cosmetic re-formatting by the carrier does not defeat matching.
func normalizeBody(body string) string {
	return strings.Join(strings.Fields(strings.ToLower(body)), " ")
}
