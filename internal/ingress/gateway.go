package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/sms-ledger/internal/cascade"
	"github.com/dvloznov/sms-ledger/internal/dedup"
	"github.com/dvloznov/sms-ledger/internal/lock"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/rs/zerolog"
)

// Receipt statuses returned to the webhook caller.
const (
	StatusProcessed = "processed"
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
)

// Envelope is one raw incoming message.
type Envelope struct {
	Body         string    `json:"body"`
	Source       string    `json:"source"`
	FromIdentity string    `json:"from_identity,omitempty"`
	ReceivedAt   time.Time `json:"received_at,omitempty"`
}

// Receipt tells the caller what happened to their message. OK is false
// only for validation failures; duplicates and deferrals are successes.
type Receipt struct {
	OK         bool                  `json:"ok"`
	Status     string                `json:"status,omitempty"`
	FlowResult *cascade.InsertResult `json:"flow_result,omitempty"`
	FlowError  string                `json:"flow_error,omitempty"`
	Preview    string                `json:"preview,omitempty"`
	QueueID    int64                 `json:"queue_id,omitempty"`
}

// Gateway accepts envelopes, short-circuits duplicates, and falls back
// to the queue when the synchronous path is contended or fails
// transiently.
type Gateway struct {
	flow     *Flow
	deduper  *dedup.Deduper
	store    *store.Store
	locks    *lock.Manager
	lockWait time.Duration
	log      zerolog.Logger
}

// NewGateway wires the ingress front door. lockWait is the short budget
// for the synchronous attempt; contention routes to the queue instead
// of blocking the webhook.
func NewGateway(flow *Flow, d *dedup.Deduper, st *store.Store, locks *lock.Manager, lockWait time.Duration, log zerolog.Logger) *Gateway {
	return &Gateway{
		flow:     flow,
		deduper:  d,
		store:    st,
		locks:    locks,
		lockWait: lockWait,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

// Handle runs one envelope through dedup, the synchronous flow, and the
// queue fallback. It returns an error only for malformed envelopes.
func (g *Gateway) Handle(ctx context.Context, env Envelope) (*Receipt, error) {
	if strings.TrimSpace(env.Body) == "" {
		return nil, fmt.Errorf("Handle: empty body: %w", cascade.ErrValidation)
	}
	if env.Source == "" {
		env.Source = env.FromIdentity
	}
	if env.Source == "" {
		return nil, fmt.Errorf("Handle: no source identity: %w", cascade.ErrValidation)
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}

	dup, err := g.deduper.IsDuplicate(ctx, env.Source, env.Body, env.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("Handle: dedup check: %w", err)
	}
	if dup {
		g.log.Info().Str("source", env.Source).Msg("duplicate message dropped")
		return &Receipt{OK: true, Status: StatusDuplicate}, nil
	}

	var result *cascade.InsertResult
	var flowErr error
	lockErr := g.locks.WithLock(ctx, lock.QueueProcessing, g.lockWait, func() error {
		result, flowErr = g.flow.Run(ctx, env.Source, env.Body, env.ReceivedAt)
		return nil
	})

	switch {
	case lockErr == nil && flowErr == nil:
		return &Receipt{
			OK:         true,
			Status:     StatusProcessed,
			FlowResult: result,
			Preview:    Summary(result),
		}, nil

	case flowErr != nil && !IsRetryable(flowErr):
		// Bad input stays bad; never park it in the queue.
		return &Receipt{OK: false, FlowError: flowErr.Error()}, nil

	case errors.Is(lockErr, lock.ErrBusy) || flowErr != nil:
		item := &store.QueueItem{
			Timestamp:   env.ReceivedAt,
			Source:      env.Source,
			Text:        env.Body,
			Fingerprint: g.deduper.Fingerprint(env.Source, env.Body, env.ReceivedAt),
		}
		if flowErr != nil {
			item.Meta.LastError = flowErr.Error()
		}
		if err := g.store.EnqueueItem(ctx, item); err != nil {
			return nil, fmt.Errorf("Handle: enqueue: %w", err)
		}
		g.log.Info().Int64("queue_id", item.ID).Str("source", env.Source).Msg("message deferred to queue")
		return &Receipt{OK: true, Status: StatusQueued, QueueID: item.ID}, nil

	default:
		return nil, fmt.Errorf("Handle: %w", lockErr)
	}
}
