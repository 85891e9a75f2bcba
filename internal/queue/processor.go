// Package queue drains deferred ingress messages in batches, with
// bounded in-run retries, scheduled re-queues, and a dead-letter path
// for messages that keep failing.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/sms-ledger/internal/dedup"
	"github.com/dvloznov/sms-ledger/internal/ingress"
	"github.com/dvloznov/sms-ledger/internal/lock"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/rs/zerolog"
)

// Options tunes one processor.
type Options struct {
	BatchSize     int           // max items per run
	BatchTimeout  time.Duration // wall-clock budget per run
	LockWait      time.Duration // wait budget for the processing lock
	BaseDelay     time.Duration // first in-run retry delay, doubles per attempt
	MaxAttempts   int           // in-run attempts per item
	DLQThreshold  int           // cross-run failures before dead-lettering
	CleanupAfter  time.Duration // age before terminal rows are purged
	RequeueFactor time.Duration // re-queue delay per accumulated retry
}

// BatchStats summarizes one batch run.
type BatchStats struct {
	Selected     int  `json:"selected"`
	Processed    int  `json:"processed"`
	SkippedDup   int  `json:"skipped_dup"`
	Retried      int  `json:"retried"`
	DeadLettered int  `json:"dead_lettered"`
	Failed       int  `json:"failed"`
	Aborted      bool `json:"aborted"` // wall-clock budget hit before the batch drained
}

// Processor owns the queue state machine:
// NEW -> RUNNING -> {OK | SKIP_DUP | RETRY_n -> NEW | DLQ | ERR}.
type Processor struct {
	store   *store.Store
	flow    *ingress.Flow
	deduper *dedup.Deduper
	locks   *lock.Manager
	opts    Options
	log     zerolog.Logger
}

// New wires a processor.
func New(st *store.Store, flow *ingress.Flow, d *dedup.Deduper, locks *lock.Manager, opts Options, log zerolog.Logger) *Processor {
	return &Processor{
		store:   st,
		flow:    flow,
		deduper: d,
		locks:   locks,
		opts:    opts,
		log:     log.With().Str("component", "queue").Logger(),
	}
}

// RunBatch drains up to BatchSize NEW items under the processing lock.
// A concurrent run (or a synchronous ingress attempt holding the lock)
// makes this a no-op returning lock.ErrBusy.
func (p *Processor) RunBatch(ctx context.Context) (*BatchStats, error) {
	stats := &BatchStats{}
	err := p.locks.WithLock(ctx, lock.QueueProcessing, p.opts.LockWait, func() error {
		return p.runLocked(ctx, stats)
	})
	if err != nil {
		return nil, fmt.Errorf("RunBatch: %w", err)
	}
	return stats, nil
}

func (p *Processor) runLocked(ctx context.Context, stats *BatchStats) error {
	deadline := time.Now().Add(p.opts.BatchTimeout)

	items, err := p.store.SelectNewItems(ctx, p.opts.BatchSize)
	if err != nil {
		return err
	}
	stats.Selected = len(items)

	for _, item := range items {
		if time.Now().After(deadline) {
			// Remaining items stay NEW for the next run.
			stats.Aborted = true
			p.log.Warn().Int("remaining", stats.Selected-stats.Processed-stats.SkippedDup-stats.Retried-stats.DeadLettered-stats.Failed).
				Msg("batch budget exhausted")
			break
		}
		p.processItem(ctx, item, deadline, stats)
	}
	return nil
}

func (p *Processor) processItem(ctx context.Context, item *store.QueueItem, deadline time.Time, stats *BatchStats) {
	if err := p.store.UpdateItemStatus(ctx, item.ID, store.StatusRunning); err != nil {
		p.log.Error().Err(err).Int64("id", item.ID).Msg("marking RUNNING failed")
		stats.Failed++
		return
	}

	dup, err := p.deduper.IsDuplicate(ctx, item.Source, item.Text, item.Timestamp)
	if err == nil && dup {
		p.finish(ctx, item, store.StatusSkipDup)
		stats.SkippedDup++
		return
	}

	flowErr := p.attempt(ctx, item, deadline)
	if flowErr == nil {
		p.finish(ctx, item, store.StatusOK)
		stats.Processed++
		return
	}

	if !ingress.IsRetryable(flowErr) {
		item.Meta.LastError = flowErr.Error()
		item.Status = store.StatusErr
		p.update(ctx, item)
		stats.Failed++
		p.log.Warn().Err(flowErr).Int64("id", item.ID).Msg("queue item rejected")
		return
	}

	item.Meta.RetryCount++
	item.Meta.LastError = flowErr.Error()

	if item.Meta.RetryCount >= p.opts.DLQThreshold {
		dl := &store.DeadLetter{
			QueuedTS:   item.Timestamp,
			Source:     item.Source,
			Text:       item.Text,
			FinalError: flowErr.Error(),
			RetryCount: item.Meta.RetryCount,
		}
		if err := p.store.InsertDeadLetter(ctx, dl); err != nil {
			p.log.Error().Err(err).Int64("id", item.ID).Msg("dead-letter write failed")
		}
		item.Status = store.StatusDLQ
		p.update(ctx, item)
		stats.DeadLettered++
		p.log.Error().Err(flowErr).Int64("id", item.ID).Int("retries", item.Meta.RetryCount).
			Msg("queue item dead-lettered")
		return
	}

	item.Status = store.RetryStatus(item.Meta.RetryCount)
	p.update(ctx, item)
	stats.Retried++
	p.scheduleRequeue(item.ID, item.Meta.RetryCount)
}

// attempt runs the flow with bounded in-run retries. Delays double per
// attempt and respect both the batch deadline and ctx.
func (p *Processor) attempt(ctx context.Context, item *store.QueueItem, deadline time.Time) error {
	delay := p.opts.BaseDelay
	var lastErr error
	for i := 0; i < p.opts.MaxAttempts; i++ {
		if i > 0 {
			if time.Now().Add(delay).After(deadline) {
				return lastErr
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return lastErr
			}
			delay *= 2
		}
		_, lastErr = p.flow.Run(ctx, item.Source, item.Text, item.Timestamp)
		if lastErr == nil || !ingress.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// scheduleRequeue flips the item back to NEW after a delay proportional
// to how often it has failed. Fire-and-forget; a lost timer only means
// the item waits for a manual or restart-time reset.
func (p *Processor) scheduleRequeue(id int64, retryCount int) {
	delay := time.Duration(retryCount) * p.opts.RequeueFactor
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.store.UpdateItemStatus(ctx, id, store.StatusNew); err != nil {
			p.log.Error().Err(err).Int64("id", id).Msg("requeue failed")
		}
	})
}

func (p *Processor) finish(ctx context.Context, item *store.QueueItem, status string) {
	if err := p.store.UpdateItemStatus(ctx, item.ID, status); err != nil {
		p.log.Error().Err(err).Int64("id", item.ID).Str("status", status).Msg("status update failed")
	}
}

func (p *Processor) update(ctx context.Context, item *store.QueueItem) {
	if err := p.store.UpdateItem(ctx, item); err != nil {
		p.log.Error().Err(err).Int64("id", item.ID).Msg("item update failed")
	}
}

// Start runs batches on a fixed interval until ctx is cancelled,
// purging aged terminal rows after each run.
func (p *Processor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", interval).Msg("queue processor started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("queue processor stopped")
			return
		case <-ticker.C:
			stats, err := p.RunBatch(ctx)
			if err != nil {
				p.log.Warn().Err(err).Msg("batch run skipped")
				continue
			}
			if stats.Selected > 0 {
				p.log.Info().Interface("stats", stats).Msg("batch complete")
			}
			if n, err := p.store.CleanupTerminal(ctx, time.Now().Add(-p.opts.CleanupAfter)); err != nil {
				p.log.Error().Err(err).Msg("terminal cleanup failed")
			} else if n > 0 {
				p.log.Info().Int64("removed", n).Msg("terminal queue rows purged")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
