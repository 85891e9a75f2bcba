// Package lock provides named, time-bounded advisory locks. Every mutation
// of a budget aggregate row and every queue batch run must hold the
// appropriate named lock; everything else is single-writer by design.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Well-known lock names.
const (
	// BudgetUpdate guards every read-modify-write of budget aggregate rows.
	BudgetUpdate = "budget_update"
	// QueueProcessing guards queue batch runs and the ingress sync path so
	// two triggers cannot double-process the same window.
	QueueProcessing = "queue_processing"
)

// ErrBusy is returned when a lock could not be acquired within the wait
// budget. The protected function has not run.
var ErrBusy = errors.New("lock: busy")

// Manager hands out named mutual-exclusion tokens. Locks are created
// lazily on first use and are held for the duration of the protected
// function only.
type Manager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]chan struct{})}
}

func (m *Manager) token(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[name] = ch
	}
	return ch
}

// WithLock runs fn while holding the named lock. It waits up to maxWait
// for the token; on timeout it returns ErrBusy without running fn. It
// never blocks indefinitely. A context cancellation during the wait wins
// over the timeout.
func (m *Manager) WithLock(ctx context.Context, name string, maxWait time.Duration, fn func() error) error {
	ch := m.token(name)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}

	defer func() { <-ch }()
	return fn()
}
