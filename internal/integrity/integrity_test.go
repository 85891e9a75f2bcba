package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/dvloznov/sms-ledger/internal/cascade"
	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/lock"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newFixture(t *testing.T) (*Checker, *cascade.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	locks := lock.NewManager()
	log := zerolog.Nop()
	engine := cascade.New(st, locks, cascade.NewStaticResolver(nil), log,
		time.Second, decimal.NewFromInt(10_000_000))
	return New(st, locks, time.Second, log), engine, st
}

func insertPurchase(t *testing.T, e *cascade.Engine, amount string) string {
	t.Helper()
	res, err := e.Insert(context.Background(), &domain.Candidate{
		Merchant: "Shop", Amount: decimal.RequireFromString(amount),
		Category: domain.CategoryFood, OperationType: "purchase",
	}, "TestBank", "raw")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return res.ID
}

func TestCheckHealthyAfterCleanInserts(t *testing.T) {
	c, e, _ := newFixture(t)

	insertPurchase(t, e, "10")
	insertPurchase(t, e, "20")

	report, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.Healthy || len(report.Issues) != 0 {
		t.Errorf("report = %+v, want healthy", report)
	}
	if c.LastReport() != report {
		t.Error("LastReport should return the latest report")
	}
}

func TestCheckDetectsOrphans(t *testing.T) {
	c, e, st := newFixture(t)
	ctx := context.Background()

	id := insertPurchase(t, e, "10")

	// Simulate a partial delete: the ledger row vanishes, the derived
	// rows stay behind.
	if _, err := st.DeleteTransaction(ctx, id); err != nil {
		t.Fatalf("DeleteTransaction: %v", err)
	}
	// An orphan debt row on top.
	if err := st.AppendDebt(ctx, &store.DebtRow{
		ID: "debt-orphan", ParentID: "ghost-tx", Party: "alice",
		Debit: decimal.NewFromInt(5), Credit: decimal.Zero,
		RunningBalance: decimal.NewFromInt(5),
	}); err != nil {
		t.Fatalf("AppendDebt: %v", err)
	}

	report, err := c.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Healthy {
		t.Fatal("Expected drift to be detected")
	}
	want := map[string]int{IssueOrphanMirror: 1, IssueOrphanLink: 1, IssueOrphanDebt: 1}
	for typ, n := range want {
		if report.Stats[typ] != n {
			t.Errorf("stats[%s] = %d, want %d (issues: %+v)", typ, report.Stats[typ], n, report.Issues)
		}
	}
}

func TestCheckDetectsMissingContribution(t *testing.T) {
	c, e, st := newFixture(t)
	ctx := context.Background()

	id := insertPurchase(t, e, "30")

	// Drop the link as a contended insert would have.
	b, err := st.GetBudget(ctx, domain.CategoryFood)
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	b.Unlink(id)
	b.Spent = decimal.Zero
	if err := st.UpsertBudget(ctx, b); err != nil {
		t.Fatalf("UpsertBudget: %v", err)
	}

	report, err := c.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Stats[IssueMissingContribution] != 1 {
		t.Fatalf("stats = %v, want one missing contribution", report.Stats)
	}
}

func TestRepairRestoresConsistency(t *testing.T) {
	c, e, st := newFixture(t)
	ctx := context.Background()

	keep := insertPurchase(t, e, "50")
	gone := insertPurchase(t, e, "10")

	// Partial delete leaves mirror and budget traces of the second row.
	if _, err := st.DeleteTransaction(ctx, gone); err != nil {
		t.Fatalf("DeleteTransaction: %v", err)
	}

	report, err := c.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Healthy {
		t.Fatal("Expected issues before repair")
	}

	res, err := c.Repair(ctx, report.Issues)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("Repair errors: %v", res.Errors)
	}

	after, err := c.Check(ctx)
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if !after.Healthy {
		t.Fatalf("Still unhealthy after repair: %+v", after.Issues)
	}

	// The surviving transaction's budget state is canonical again.
	b, _ := st.GetBudget(ctx, domain.CategoryFood)
	if !b.Spent.Equal(decimal.NewFromInt(50)) || !b.HasLink(keep) || len(b.LinkedIDs) != 1 {
		t.Errorf("budget after repair = %+v, want spent 50 linked only to %s", b, keep)
	}

	mirrors, _ := st.ListMirrorRows(ctx)
	if len(mirrors) != 1 || mirrors[0].ID != keep {
		t.Errorf("mirrors after repair = %v, want only %s", mirrors, keep)
	}
}

func TestRepairReappliesMissingContribution(t *testing.T) {
	c, e, st := newFixture(t)
	ctx := context.Background()

	id := insertPurchase(t, e, "30")

	b, _ := st.GetBudget(ctx, domain.CategoryFood)
	b.Limit = decimal.NewFromInt(200)
	b.Spent = decimal.Zero
	b.LinkedIDs = nil
	if err := st.UpsertBudget(ctx, b); err != nil {
		t.Fatalf("UpsertBudget: %v", err)
	}

	report, _ := c.Check(ctx)
	if _, err := c.Repair(ctx, report.Issues); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	fixed, _ := st.GetBudget(ctx, domain.CategoryFood)
	if !fixed.Spent.Equal(decimal.NewFromInt(30)) || !fixed.HasLink(id) {
		t.Errorf("budget = %+v, want contribution re-applied", fixed)
	}
	if !fixed.Limit.Equal(decimal.NewFromInt(200)) {
		t.Errorf("limit = %s, repair must preserve the stored limit", fixed.Limit)
	}
}

func TestRepairOrphanDebtRecomputesBalances(t *testing.T) {
	c, _, st := newFixture(t)
	ctx := context.Background()

	rows := []*store.DebtRow{
		{ID: "d-1", ParentID: "ghost", Party: "alice", Debit: decimal.NewFromInt(100), Credit: decimal.Zero, RunningBalance: decimal.NewFromInt(100)},
		{ID: "d-2", ParentID: "", Party: "bob", Debit: decimal.NewFromInt(25), Credit: decimal.Zero, RunningBalance: decimal.NewFromInt(125)},
	}
	for _, d := range rows {
		if err := st.AppendDebt(ctx, d); err != nil {
			t.Fatalf("AppendDebt: %v", err)
		}
	}

	report, _ := c.Check(ctx)
	if report.Stats[IssueOrphanDebt] != 1 {
		t.Fatalf("stats = %v, want one orphan debt", report.Stats)
	}

	if _, err := c.Repair(ctx, report.Issues); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	debts, _ := st.ListDebts(ctx)
	if len(debts) != 1 {
		t.Fatalf("len(debts) = %d, want 1", len(debts))
	}
	if !debts[0].RunningBalance.Equal(decimal.NewFromInt(25)) {
		t.Errorf("running balance = %s, want 25 after recompute", debts[0].RunningBalance)
	}
}
