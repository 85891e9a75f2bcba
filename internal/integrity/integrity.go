// Package integrity detects and repairs drift between the ledger and
// its derived stores. Drift is expected: budget deltas are skipped under
// lock contention and derived writes may fail after the ledger commit.
// The checker walks everything; the repairer restores the invariant
// that every derived row is a function of the live ledger.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/lock"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Issue types.
const (
	IssueOrphanMirror        = "orphan_mirror"
	IssueOrphanDebt          = "orphan_debt"
	IssueOrphanLink          = "orphan_link"
	IssueMissingContribution = "missing_contribution"
)

// Issue is one detected inconsistency. RowLocator identifies the
// affected row within its store; repairs run in descending locator
// order so deletions never shift rows still pending repair.
type Issue struct {
	Type       string `json:"type"`
	Store      string `json:"store"`
	RowLocator string `json:"row_locator"`
	ID         string `json:"id"`
	Category   string `json:"category,omitempty"`
	Message    string `json:"message"`
}

// Report is the outcome of one full check.
type Report struct {
	Healthy   bool           `json:"healthy"`
	Issues    []Issue        `json:"issues"`
	Stats     map[string]int `json:"stats"`
	Timestamp time.Time      `json:"timestamp"`
}

// RepairResult counts what Repair managed to fix.
type RepairResult struct {
	Repaired int      `json:"repaired"`
	Errors   []string `json:"errors,omitempty"`
}

// Checker scans the derived stores against the ledger and repairs
// drift. It keeps the latest report for the monitoring surface.
type Checker struct {
	store      *store.Store
	locks      *lock.Manager
	budgetWait time.Duration
	log        zerolog.Logger

	mu   sync.RWMutex
	last *Report
}

// New wires a checker.
func New(st *store.Store, locks *lock.Manager, budgetWait time.Duration, log zerolog.Logger) *Checker {
	return &Checker{
		store:      st,
		locks:      locks,
		budgetWait: budgetWait,
		log:        log.With().Str("component", "integrity").Logger(),
	}
}

// LastReport returns the most recent report, or nil before the first
// check.
func (c *Checker) LastReport() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Check scans every derived store for rows that no longer correspond to
// a live ledger transaction, and for external ledger rows whose budget
// contribution is missing.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	live, err := c.store.ListTransactionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("Check: %w", err)
	}

	var issues []Issue

	mirrors, err := c.store.ListMirrorRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("Check: %w", err)
	}
	for _, m := range mirrors {
		if !live[m.ID] {
			issues = append(issues, Issue{
				Type:       IssueOrphanMirror,
				Store:      "dashboard_mirror",
				RowLocator: m.ID,
				ID:         m.ID,
				Message:    fmt.Sprintf("mirror row %s has no ledger transaction", m.ID),
			})
		}
	}

	debts, err := c.store.ListDebts(ctx)
	if err != nil {
		return nil, fmt.Errorf("Check: %w", err)
	}
	for _, d := range debts {
		if d.ParentID != "" && !live[d.ParentID] {
			issues = append(issues, Issue{
				Type:       IssueOrphanDebt,
				Store:      "debt_ledger",
				RowLocator: d.ID,
				ID:         d.ParentID,
				Message:    fmt.Sprintf("debt row %s references missing transaction %s", d.ID, d.ParentID),
			})
		}
	}

	budgets, err := c.store.ListBudgets(ctx)
	if err != nil {
		return nil, fmt.Errorf("Check: %w", err)
	}
	linked := make(map[string]map[string]bool, len(budgets))
	for _, b := range budgets {
		set := make(map[string]bool, len(b.LinkedIDs))
		for _, id := range b.LinkedIDs {
			set[id] = true
			if !live[id] {
				issues = append(issues, Issue{
					Type:       IssueOrphanLink,
					Store:      "budget_aggregate",
					RowLocator: b.Category,
					ID:         id,
					Category:   b.Category,
					Message:    fmt.Sprintf("budget %s links missing transaction %s", b.Category, id),
				})
			}
		}
		linked[b.Category] = set
	}

	txs, err := c.store.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("Check: %w", err)
	}
	for _, tx := range txs {
		if tx.Category == domain.CategoryTransfer {
			continue
		}
		if !linked[tx.Category][tx.ID] {
			issues = append(issues, Issue{
				Type:       IssueMissingContribution,
				Store:      "budget_aggregate",
				RowLocator: tx.Category,
				ID:         tx.ID,
				Category:   tx.Category,
				Message:    fmt.Sprintf("transaction %s missing from budget %s", tx.ID, tx.Category),
			})
		}
	}

	report := &Report{
		Healthy:   len(issues) == 0,
		Issues:    issues,
		Stats:     statsByType(issues),
		Timestamp: time.Now().UTC(),
	}
	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report, nil
}

// Repair fixes the given issues. Orphan mirror and debt rows are
// deleted (debt deletions trigger a running-balance recompute); budget
// issues are fixed by recomputing the affected categories' spent totals
// and link sets straight from the live ledger, under the budget lock.
func (c *Checker) Repair(ctx context.Context, issues []Issue) (*RepairResult, error) {
	result := &RepairResult{}
	sorted := make([]Issue, len(issues))
	copy(sorted, issues)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RowLocator > sorted[j].RowLocator })

	categories := make(map[string]bool)
	debtDeleted := false

	for _, issue := range sorted {
		switch issue.Type {
		case IssueOrphanMirror:
			if _, err := c.store.DeleteMirror(ctx, issue.RowLocator); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", issue.Type, issue.RowLocator, err))
				continue
			}
			result.Repaired++

		case IssueOrphanDebt:
			if err := c.store.DeleteDebtRow(ctx, issue.RowLocator); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", issue.Type, issue.RowLocator, err))
				continue
			}
			debtDeleted = true
			result.Repaired++

		case IssueOrphanLink, IssueMissingContribution:
			categories[issue.Category] = true

		default:
			result.Errors = append(result.Errors, fmt.Sprintf("unknown issue type %q", issue.Type))
		}
	}

	if debtDeleted {
		if err := c.store.RecomputeDebtBalances(ctx); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("debt recompute: %v", err))
		}
	}

	for category := range categories {
		if err := c.rebuildCategory(ctx, category); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("budget %s: %v", category, err))
			continue
		}
		result.Repaired++
	}

	c.log.Info().Int("repaired", result.Repaired).Int("errors", len(result.Errors)).Msg("repair pass complete")
	return result, nil
}

// rebuildCategory recomputes one budget row's spent total and link set
// from the live ledger. The stored limit is preserved.
func (c *Checker) rebuildCategory(ctx context.Context, category string) error {
	return c.locks.WithLock(ctx, lock.BudgetUpdate, c.budgetWait, func() error {
		txs, err := c.store.ListTransactions(ctx)
		if err != nil {
			return err
		}

		row, err := c.store.GetBudget(ctx, category)
		if errors.Is(err, store.ErrNotFound) {
			row = &store.BudgetRow{Category: category, Limit: decimal.Zero}
		} else if err != nil {
			return err
		}

		row.Spent = decimal.Zero
		row.LinkedIDs = nil
		for _, tx := range txs {
			if tx.Category != category {
				continue
			}
			if tx.IsIncoming {
				row.Spent = row.Spent.Sub(tx.Amount)
			} else {
				row.Spent = row.Spent.Add(tx.Amount)
			}
			row.LinkedIDs = append(row.LinkedIDs, tx.ID)
		}
		return c.store.UpsertBudget(ctx, row)
	})
}

// Run performs check-and-repair on a fixed interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", interval).Msg("integrity checker started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("integrity checker stopped")
			return
		case <-ticker.C:
			report, err := c.Check(ctx)
			if err != nil {
				c.log.Error().Err(err).Msg("integrity check failed")
				continue
			}
			if report.Healthy {
				continue
			}
			c.log.Warn().Int("issues", len(report.Issues)).Msg("integrity drift detected")
			if _, err := c.Repair(ctx, report.Issues); err != nil {
				c.log.Error().Err(err).Msg("integrity repair failed")
			}
		}
	}
}

func statsByType(issues []Issue) map[string]int {
	stats := make(map[string]int)
	for _, i := range issues {
		stats[i.Type]++
	}
	return stats
}
