// Package ingress is the front door for raw messages: it decides per
// message whether to process synchronously, drop it as a duplicate, or
// defer it to the queue.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/sms-ledger/internal/cascade"
	"github.com/dvloznov/sms-ledger/internal/classify"
	"github.com/dvloznov/sms-ledger/internal/dedup"
	"github.com/dvloznov/sms-ledger/internal/notify"
	"github.com/rs/zerolog"
)

// Flow is the classify-insert-notify pipeline for one message. It is
// shared by the synchronous gateway path and the queue processor so
// both paths behave identically.
type Flow struct {
	classifier classify.Classifier
	engine     *cascade.Engine
	deduper    *dedup.Deduper
	notifier   notify.Notifier
	log        zerolog.Logger
}

// NewFlow wires the pipeline.
func NewFlow(c classify.Classifier, e *cascade.Engine, d *dedup.Deduper, n notify.Notifier, log zerolog.Logger) *Flow {
	return &Flow{
		classifier: c,
		engine:     e,
		deduper:    d,
		notifier:   n,
		log:        log.With().Str("component", "flow").Logger(),
	}
}

// Run processes one raw message end to end. On success the dedup flags
// are set and a notification is sent; notification failures are logged
// only. Validation errors carry cascade.ErrValidation and must not be
// retried.
func (f *Flow) Run(ctx context.Context, source, body string, ts time.Time) (*cascade.InsertResult, error) {
	cand, err := f.classifier.Classify(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("Run: classify: %w", err)
	}
	if cand == nil {
		return nil, fmt.Errorf("Run: classifier returned no candidate: %w", cascade.ErrValidation)
	}

	result, err := f.engine.Insert(ctx, cand, source, body)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}

	if err := f.deduper.MarkProcessed(ctx, source, body, ts); err != nil {
		f.log.Error().Err(err).Str("id", result.ID).Msg("marking processed failed")
	}

	if err := f.notifier.Notify(ctx, Summary(result)); err != nil {
		f.log.Warn().Err(err).Str("id", result.ID).Msg("notification failed")
	}

	return result, nil
}

// IsRetryable reports whether a flow error may succeed on a later
// attempt. Validation errors never do.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, cascade.ErrValidation)
}

// Summary renders the one-line human preview of an insert.
func Summary(res *cascade.InsertResult) string {
	switch {
	case res.IsInternal:
		return fmt.Sprintf("internal transfer recorded (%s)", res.Merchant)
	case res.DebtBalance != nil:
		return fmt.Sprintf("%s: debt balance now %s", res.Merchant, res.DebtBalance)
	case res.BudgetRemaining != nil:
		return fmt.Sprintf("%s (%s): %s left in budget", res.Merchant, res.Category, res.BudgetRemaining)
	default:
		return fmt.Sprintf("%s (%s) recorded", res.Merchant, res.Category)
	}
}
