// Package notify delivers short human-facing summaries after a message
// has been processed. Delivery is best effort; a failed notification
// never fails the flow that produced it.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier pushes a one-line summary somewhere a human will see it.
type Notifier interface {
	Notify(ctx context.Context, summary string) error
}

// Nop discards every notification. Used when no channel is configured.
type Nop struct{}

var _ Notifier = Nop{}

func (Nop) Notify(context.Context, string) error { return nil }

// Log writes notifications to the structured log. The default channel
// for development and for deployments without a messaging hookup.
type Log struct {
	log zerolog.Logger
}

var _ Notifier = (*Log)(nil)

// NewLog returns a log-backed notifier.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, summary string) error {
	l.log.Info().Str("summary", summary).Msg("notification")
	return nil
}
