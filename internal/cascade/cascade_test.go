package cascade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/lock"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e := New(st, lock.NewManager(), NewStaticResolver([]string{"1234"}),
		zerolog.Nop(), 2*time.Second, decimal.NewFromInt(10_000_000))
	return e, st
}

func purchase(amount string, category string) *domain.Candidate {
	return &domain.Candidate{
		Merchant:      "Corner Shop",
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		Category:      category,
		OperationType: "purchase",
	}
}

func TestInsertExternalPurchase(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Insert(ctx, purchase("42.50", domain.CategoryFood), "TestBank", "Purchase 42.50 at Corner Shop")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if res.IsInternal {
		t.Error("Purchase must not be internal")
	}
	if res.BudgetRemaining == nil || !res.BudgetRemaining.Equal(decimal.RequireFromString("-42.50")) {
		t.Errorf("BudgetRemaining = %v, want -42.50 against a zero limit", res.BudgetRemaining)
	}

	// All three derived stores reflect the ledger row.
	b, err := st.GetBudget(ctx, domain.CategoryFood)
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	if !b.Spent.Equal(decimal.RequireFromString("42.50")) || !b.HasLink(res.ID) {
		t.Errorf("budget row = %+v, want spent 42.50 linked to %s", b, res.ID)
	}

	mirrors, _ := st.ListMirrorRows(ctx)
	if len(mirrors) != 1 || mirrors[0].ID != res.ID {
		t.Errorf("mirror rows = %v, want one for %s", mirrors, res.ID)
	}

	debts, _ := st.ListDebts(ctx)
	if len(debts) != 0 {
		t.Errorf("Purchase must not create debt rows, got %d", len(debts))
	}
}

func TestInsertIncomingReducesSpent(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Insert(ctx, purchase("100", domain.CategoryFood), "b", "t"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	refund := purchase("30", domain.CategoryFood)
	refund.IsIncoming = true
	if _, err := e.Insert(ctx, refund, "b", "t"); err != nil {
		t.Fatalf("Insert refund: %v", err)
	}

	b, _ := st.GetBudget(ctx, domain.CategoryFood)
	if !b.Spent.Equal(decimal.NewFromInt(70)) {
		t.Errorf("spent = %s, want 70", b.Spent)
	}
}

func TestInsertInternalTransferExcluded(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	cand := &domain.Candidate{
		Merchant:      "Self",
		Amount:        decimal.NewFromInt(500),
		Category:      "transfer",
		OperationType: "transfer",
		AccountNumber: "*1234",
	}
	res, err := e.Insert(ctx, cand, "TestBank", "Transfer 500 to own account *1234")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !res.IsInternal {
		t.Fatal("Transfer to own account must be internal")
	}

	// Internal transfers touch neither budgets nor debts.
	if _, err := st.GetBudget(ctx, domain.CategoryTransfer); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected no transfer budget row, got err = %v", err)
	}
	debts, _ := st.ListDebts(ctx)
	if len(debts) != 0 {
		t.Errorf("Internal transfer must not create debt rows, got %d", len(debts))
	}
	mirrors, _ := st.ListMirrorRows(ctx)
	if len(mirrors) != 1 {
		t.Errorf("Internal transfer still shows on the dashboard, got %d rows", len(mirrors))
	}
}

func TestInsertExternalTransferCreatesDebt(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	out := &domain.Candidate{
		Merchant:      "alice",
		Amount:        decimal.NewFromInt(100),
		Category:      "transfer",
		OperationType: "p2p",
		AccountNumber: "*9999",
	}
	res, err := e.Insert(ctx, out, "TestBank", "Sent 100 to alice")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if res.DebtBalance == nil || !res.DebtBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("DebtBalance = %v, want 100", res.DebtBalance)
	}

	in := &domain.Candidate{
		Merchant:      "alice",
		Amount:        decimal.NewFromInt(40),
		Category:      "transfer",
		OperationType: "p2p",
		IsIncoming:    true,
		AccountNumber: "*9999",
	}
	res, err = e.Insert(ctx, in, "TestBank", "Received 40 from alice")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if res.DebtBalance == nil || !res.DebtBalance.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("DebtBalance = %v, want 60", res.DebtBalance)
	}

	debts, _ := st.ListDebts(ctx)
	if len(debts) != 2 {
		t.Fatalf("len(debts) = %d, want 2", len(debts))
	}
	if debts[0].ParentID == "" || debts[1].ParentID == "" {
		t.Error("Debt rows must reference their ledger transaction")
	}
}

func TestInsertValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cand *domain.Candidate
	}{
		{"nil candidate", nil},
		{"negative amount", purchase("-5", domain.CategoryFood)},
		{"above ceiling", purchase("10000001", domain.CategoryFood)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Insert(ctx, tt.cand, "b", "t")
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestDeleteReversesCascade(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Insert(ctx, purchase("42.50", domain.CategoryFood), "b", "t")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	del, err := e.Delete(ctx, res.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	want := map[string]bool{"ledger": true, "budget_aggregate": true, "dashboard_mirror": true}
	if len(del.DeletedFrom) != len(want) {
		t.Fatalf("DeletedFrom = %v, want ledger, budget, dashboard", del.DeletedFrom)
	}
	for _, s := range del.DeletedFrom {
		if !want[s] {
			t.Errorf("Unexpected store %q in DeletedFrom", s)
		}
	}

	// Spent and links return to their pre-insert state.
	b, _ := st.GetBudget(ctx, domain.CategoryFood)
	if !b.Spent.IsZero() || b.HasLink(res.ID) {
		t.Errorf("budget after delete = %+v, want zero spent and no link", b)
	}
}

func TestDeleteUnknownIDIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)

	del, err := e.Delete(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(del.DeletedFrom) != 0 {
		t.Errorf("DeletedFrom = %v, want empty", del.DeletedFrom)
	}
}

func TestDeleteTransferRecomputesDebt(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mk := func(amount int64, incoming bool) string {
		c := &domain.Candidate{
			Merchant: "alice", Amount: decimal.NewFromInt(amount),
			Category: "transfer", OperationType: "p2p", IsIncoming: incoming,
			AccountNumber: "*9999",
		}
		res, err := e.Insert(ctx, c, "b", "t")
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		return res.ID
	}

	mk(100, false)
	mid := mk(40, true)
	mk(25, false)

	if _, err := e.Delete(ctx, mid); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	debts, _ := st.ListDebts(ctx)
	if len(debts) != 2 {
		t.Fatalf("len(debts) = %d, want 2", len(debts))
	}
	if !debts[1].RunningBalance.Equal(decimal.NewFromInt(125)) {
		t.Errorf("final balance = %s, want 125 after recompute", debts[1].RunningBalance)
	}
}

func TestChangeCategoryMovesContribution(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Insert(ctx, purchase("50", domain.CategoryFood), "b", "t")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ch, err := e.ChangeCategory(ctx, res.ID, domain.CategoryShopping)
	if err != nil {
		t.Fatalf("ChangeCategory: %v", err)
	}
	if ch.From != domain.CategoryFood || ch.To != domain.CategoryShopping {
		t.Errorf("ChangeResult = %+v", ch)
	}

	food, _ := st.GetBudget(ctx, domain.CategoryFood)
	if !food.Spent.IsZero() || food.HasLink(res.ID) {
		t.Errorf("old category row = %+v, want emptied", food)
	}
	shopping, _ := st.GetBudget(ctx, domain.CategoryShopping)
	if !shopping.Spent.Equal(decimal.NewFromInt(50)) || !shopping.HasLink(res.ID) {
		t.Errorf("new category row = %+v, want spent 50 and link", shopping)
	}

	tx, _ := st.GetTransaction(ctx, res.ID)
	if tx.Category != domain.CategoryShopping {
		t.Errorf("ledger category = %q, want shopping", tx.Category)
	}
}

func TestChangeCategoryUnknownID(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.ChangeCategory(context.Background(), "nope", domain.CategoryFood)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentChangeCategorySerializes(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		res, err := e.Insert(ctx, purchase("10", domain.CategoryFood), "b", "t")
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, res.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := e.ChangeCategory(ctx, id, domain.CategoryShopping); err != nil {
				t.Errorf("ChangeCategory(%s): %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	food, _ := st.GetBudget(ctx, domain.CategoryFood)
	if !food.Spent.IsZero() || len(food.LinkedIDs) != 0 {
		t.Errorf("food row = %+v, want drained", food)
	}
	shopping, _ := st.GetBudget(ctx, domain.CategoryShopping)
	if !shopping.Spent.Equal(decimal.NewFromInt(100)) || len(shopping.LinkedIDs) != 10 {
		t.Errorf("shopping row = %+v, want spent 100 with 10 links", shopping)
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver([]string{"1234", " 5678 ", ""})

	tests := []struct {
		account, card string
		own           bool
	}{
		{"*1234", "", true},
		{"", "****5678", true},
		{"*9999", "*0000", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := r.IsOwnAccount(tt.account, tt.card); got != tt.own {
			t.Errorf("IsOwnAccount(%q, %q) = %v, want %v", tt.account, tt.card, got, tt.own)
		}
	}
}
