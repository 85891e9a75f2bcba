// Package cascade applies one logical change (insert, delete, category
// move) across the ledger and every derived store. The ledger row is
// the source of truth; derived-store failures are logged and left for
// the integrity checker, never rolled back into the ledger.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/lock"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrValidation marks inputs the engine refuses to persist. Callers
// must not retry these.
var ErrValidation = errors.New("validation failed")

// AccountResolver decides whether a destination account or card belongs
// to the user. Self-owned destinations make a transfer internal, so no
// debt row is written for it.
type AccountResolver interface {
	IsOwnAccount(accountNumber, cardNumber string) bool
}

// StaticResolver matches against a fixed list of account and card
// suffixes from configuration.
type StaticResolver struct {
	suffixes []string
}

var _ AccountResolver = (*StaticResolver)(nil)

// NewStaticResolver builds a resolver from own-account suffixes, e.g.
// ["1234", "5678"]. Empty suffixes are dropped.
func NewStaticResolver(suffixes []string) *StaticResolver {
	var kept []string
	for _, s := range suffixes {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return &StaticResolver{suffixes: kept}
}

func (r *StaticResolver) IsOwnAccount(accountNumber, cardNumber string) bool {
	for _, suf := range r.suffixes {
		if accountNumber != "" && strings.HasSuffix(accountNumber, suf) {
			return true
		}
		if cardNumber != "" && strings.HasSuffix(cardNumber, suf) {
			return true
		}
	}
	return false
}

// Engine runs cascades against one store under the shared lock manager.
type Engine struct {
	store    *store.Store
	locks    *lock.Manager
	resolver AccountResolver
	log      zerolog.Logger

	budgetWait time.Duration
	ceiling    decimal.Decimal
}

// New wires a cascade engine. budgetWait bounds how long a cascade
// waits for the budget lock; ceiling rejects implausible amounts.
func New(st *store.Store, locks *lock.Manager, resolver AccountResolver, log zerolog.Logger, budgetWait time.Duration, ceiling decimal.Decimal) *Engine {
	return &Engine{
		store:      st,
		locks:      locks,
		resolver:   resolver,
		log:        log.With().Str("component", "cascade").Logger(),
		budgetWait: budgetWait,
		ceiling:    ceiling,
	}
}

// InsertResult summarizes one completed insert cascade.
type InsertResult struct {
	ID              string           `json:"id"`
	Merchant        string           `json:"merchant"`
	Category        string           `json:"category"`
	IsInternal      bool             `json:"is_internal"`
	BudgetRemaining *decimal.Decimal `json:"budget_remaining,omitempty"`
	DebtBalance     *decimal.Decimal `json:"debt_balance,omitempty"`
	BudgetDeferred  bool             `json:"budget_deferred,omitempty"`
}

// DeleteResult lists the stores a delete actually touched.
type DeleteResult struct {
	ID          string   `json:"id"`
	DeletedFrom []string `json:"deleted_from"`
	Errors      []string `json:"errors,omitempty"`
}

// ChangeResult reports a category move.
type ChangeResult struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Insert validates the candidate, writes the ledger row, then fans out
// to the budget aggregate, debt ledger and dashboard mirror. The ledger
// write is the commit point; everything after it degrades to log
// entries and a later integrity repair.
func (e *Engine) Insert(ctx context.Context, cand *domain.Candidate, source, rawText string) (*InsertResult, error) {
	if cand == nil {
		return nil, fmt.Errorf("Insert: nil candidate: %w", ErrValidation)
	}
	if cand.Amount.IsNegative() {
		return nil, fmt.Errorf("Insert: negative amount %s: %w", cand.Amount, ErrValidation)
	}
	if cand.Amount.GreaterThan(e.ceiling) {
		return nil, fmt.Errorf("Insert: amount %s above ceiling %s: %w", cand.Amount, e.ceiling, ErrValidation)
	}

	category := domain.AlignCategory(cand.Category, cand.OperationType)
	isTransfer := category == domain.CategoryTransfer
	isInternal := isTransfer && e.resolver.IsOwnAccount(cand.AccountNumber, cand.CardNumber)

	tx := &domain.Transaction{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Amount:        cand.Amount,
		Merchant:      cand.Merchant,
		Category:      category,
		OperationType: cand.OperationType,
		IsIncoming:    cand.IsIncoming,
		AccountNumber: cand.AccountNumber,
		CardNumber:    cand.CardNumber,
		RawText:       domain.TruncateRawText(rawText),
		CreatedTS:     time.Now().UTC(),
	}
	if err := e.store.InsertTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("Insert: ledger write: %w", err)
	}

	result := &InsertResult{ID: tx.ID, Merchant: tx.Merchant, Category: category, IsInternal: isInternal}

	if !isTransfer {
		delta := signedDelta(tx.Amount, tx.IsIncoming)
		remaining, err := e.applyBudgetDelta(ctx, category, delta, tx.ID, false)
		switch {
		case errors.Is(err, lock.ErrBusy):
			// Ledger row stands; the checker re-applies the delta later.
			result.BudgetDeferred = true
			e.log.Warn().Str("id", tx.ID).Str("category", category).
				Msg("budget lock busy, contribution deferred")
		case err != nil:
			e.log.Error().Err(err).Str("id", tx.ID).Msg("budget update failed")
		default:
			result.BudgetRemaining = &remaining
		}
	}

	if isTransfer && !isInternal {
		balance, err := e.appendDebt(ctx, tx)
		if err != nil {
			e.log.Error().Err(err).Str("id", tx.ID).Msg("debt append failed")
		} else {
			result.DebtBalance = &balance
		}
	}

	mirror := &store.MirrorRow{
		ID:        tx.ID,
		Timestamp: tx.Timestamp,
		Merchant:  tx.Merchant,
		Amount:    tx.Amount,
		Category:  tx.Category,
		Source:    tx.Source,
	}
	if err := e.store.InsertMirror(ctx, mirror); err != nil {
		e.log.Error().Err(err).Str("id", tx.ID).Msg("dashboard mirror write failed")
	}

	return result, nil
}

// Delete removes a transaction and reverses its traces in every derived
// store. Deleting an unknown id succeeds with an empty DeletedFrom.
func (e *Engine) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	result := &DeleteResult{ID: id}

	tx, err := e.store.GetTransaction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Delete: %w", err)
	}

	found, err := e.store.DeleteTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Delete: ledger: %w", err)
	}
	if !found {
		return result, nil
	}
	result.DeletedFrom = append(result.DeletedFrom, "ledger")

	if tx.Category != domain.CategoryTransfer {
		delta := signedDelta(tx.Amount, tx.IsIncoming).Neg()
		if _, err := e.applyBudgetDelta(ctx, tx.Category, delta, id, true); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("budget: %v", err))
			e.log.Error().Err(err).Str("id", id).Msg("budget reversal failed")
		} else {
			result.DeletedFrom = append(result.DeletedFrom, "budget_aggregate")
		}
	}

	if ok, err := e.store.DeleteMirror(ctx, id); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("dashboard: %v", err))
	} else if ok {
		result.DeletedFrom = append(result.DeletedFrom, "dashboard_mirror")
	}

	n, err := e.store.DeleteDebtsForTransaction(ctx, id)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("debt: %v", err))
	} else if n > 0 {
		result.DeletedFrom = append(result.DeletedFrom, "debt_ledger")
		if err := e.store.RecomputeDebtBalances(ctx); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("debt recompute: %v", err))
			e.log.Error().Err(err).Str("id", id).Msg("debt balance recompute failed")
		}
	}

	return result, nil
}

// ChangeCategory moves a transaction's budget contribution from its
// current category to a new one inside a single locked section.
func (e *Engine) ChangeCategory(ctx context.Context, id, newCategory string) (*ChangeResult, error) {
	newCategory = domain.AlignCategory(newCategory, "")

	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ChangeCategory: %w", err)
	}
	old := tx.Category
	if old == newCategory {
		return &ChangeResult{ID: id, From: old, To: newCategory}, nil
	}

	err = e.locks.WithLock(ctx, lock.BudgetUpdate, e.budgetWait, func() error {
		delta := signedDelta(tx.Amount, tx.IsIncoming)

		if old != domain.CategoryTransfer {
			oldRow, err := e.getOrCreateBudget(ctx, old)
			if err != nil {
				return err
			}
			oldRow.Spent = oldRow.Spent.Sub(delta)
			oldRow.Unlink(id)
			if err := e.store.UpsertBudget(ctx, oldRow); err != nil {
				return err
			}
		}
		if newCategory != domain.CategoryTransfer {
			newRow, err := e.getOrCreateBudget(ctx, newCategory)
			if err != nil {
				return err
			}
			newRow.Spent = newRow.Spent.Add(delta)
			if !newRow.HasLink(id) {
				newRow.LinkedIDs = append(newRow.LinkedIDs, id)
			}
			if err := e.store.UpsertBudget(ctx, newRow); err != nil {
				return err
			}
		}

		if err := e.store.UpdateTransactionCategory(ctx, id, newCategory); err != nil {
			return err
		}
		return e.store.UpdateMirrorCategory(ctx, id, newCategory)
	})
	if err != nil {
		return nil, fmt.Errorf("ChangeCategory: %w", err)
	}

	return &ChangeResult{ID: id, From: old, To: newCategory}, nil
}

// applyBudgetDelta adjusts one category's spent total and link set under
// the budget lock. unlink reverses a prior contribution.
func (e *Engine) applyBudgetDelta(ctx context.Context, category string, delta decimal.Decimal, id string, unlink bool) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := e.locks.WithLock(ctx, lock.BudgetUpdate, e.budgetWait, func() error {
		row, err := e.getOrCreateBudget(ctx, category)
		if err != nil {
			return err
		}
		row.Spent = row.Spent.Add(delta)
		if unlink {
			row.Unlink(id)
		} else if !row.HasLink(id) {
			row.LinkedIDs = append(row.LinkedIDs, id)
		}
		if err := e.store.UpsertBudget(ctx, row); err != nil {
			return err
		}
		remaining = row.Remaining()
		return nil
	})
	return remaining, err
}

func (e *Engine) getOrCreateBudget(ctx context.Context, category string) (*store.BudgetRow, error) {
	row, err := e.store.GetBudget(ctx, category)
	if errors.Is(err, store.ErrNotFound) {
		return &store.BudgetRow{Category: category, Limit: decimal.Zero, Spent: decimal.Zero}, nil
	}
	return row, err
}

// appendDebt records a transfer to another party. Outgoing money is a
// debit (they owe us), incoming a credit.
func (e *Engine) appendDebt(ctx context.Context, tx *domain.Transaction) (decimal.Decimal, error) {
	prev, err := e.store.LastDebtBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	debit, credit := tx.Amount, decimal.Zero
	if tx.IsIncoming {
		debit, credit = decimal.Zero, tx.Amount
	}
	balance := prev.Add(debit).Sub(credit)

	row := &store.DebtRow{
		ID:             uuid.NewString(),
		ParentID:       tx.ID,
		Party:          tx.Merchant,
		Debit:          debit,
		Credit:         credit,
		RunningBalance: balance,
		Description:    tx.RawText,
	}
	if err := e.store.AppendDebt(ctx, row); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// signedDelta maps a transaction amount onto the budget's spent axis:
// outgoing money increases spent, incoming reduces it.
func signedDelta(amount decimal.Decimal, incoming bool) decimal.Decimal {
	if incoming {
		return amount.Neg()
	}
	return amount
}
