package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/metrics"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/pathutil"
)

func openTestLedger(t *testing.T) (*Ledger, *pathutil.PathResolver) {
	t.Helper()
	paths := pathutil.New(pathutil.Config{Root: t.TempDir()})

	l, err := Open(context.Background(), paths)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, paths
}

func testImport() events.TransactionImported {
	return events.TransactionImported{
		TransactionID:   "abc123",
		TransactionDate: "2025-10-15",
		SourceFile:      "chequing.csv",
		SourceAccount:   "chequing",
		RawDescription:  "Test Transaction",
		Amount:          decimal.RequireFromString("-10.31"),
		Currency:        "CAD",
	}
}

func testBudget() events.BudgetCreated {
	return events.BudgetCreated{
		BudgetID:   "groceries",
		Category:   "Food",
		PeriodType: events.PeriodMonthly,
		StartDate:  "2025-01-01",
		Amount:     decimal.NewFromInt(400),
		Currency:   "CAD",
	}
}

func TestRecordUpdatesProjections(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	seqs, err := l.Record(ctx,
		events.New(testImport()),
		events.New(testBudget(), events.WithTimestamp(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))),
	)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("Record() = %v, expected [1 2]", seqs)
	}

	txn, err := l.Transactions.Transaction(ctx, "abc123")
	if err != nil || txn == nil {
		t.Fatalf("Transaction() = %v, %v", txn, err)
	}
	if txn.Amount.String() != "-10.31" {
		t.Errorf("Amount = %s", txn.Amount)
	}

	budget, err := l.Budgets.Budget(ctx, "groceries")
	if err != nil || budget == nil {
		t.Fatalf("Budget() = %v, %v", budget, err)
	}

	status, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.LatestSequence != 2 || status.TransactionSequence != 2 || status.Behind() {
		t.Errorf("Status() = %+v, expected both projections at 2", status)
	}
	if status.EventCounts[events.TypeTransactionImported] != 1 || status.EventCounts[events.TypeBudgetCreated] != 1 {
		t.Errorf("EventCounts = %v", status.EventCounts)
	}
	if status.Transactions.Total != 1 || status.Budgets.Active != 1 {
		t.Errorf("stats = %+v / %+v", status.Transactions, status.Budgets)
	}
}

func TestRecordRejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	bad := testImport()
	bad.TransactionDate = "15/10/2025"
	if _, err := l.RecordPayloads(ctx, testBudget(), bad); err == nil {
		t.Fatal("RecordPayloads() error = nil")
	}

	if seq, _ := l.Events.LatestSequence(ctx); seq != 0 {
		t.Errorf("LatestSequence() = %d, expected nothing appended", seq)
	}
}

func TestRecordKeepsEventsWhenProjectionFails(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	l.Transactions.Close()
	if _, err := l.RecordPayloads(ctx, testImport()); err == nil {
		t.Fatal("RecordPayloads() error = nil with a closed projection")
	}

	if seq, _ := l.Events.LatestSequence(ctx); seq != 1 {
		t.Errorf("LatestSequence() = %d, expected the event to be durable", seq)
	}
}

func TestReopenCatchesUp(t *testing.T) {
	ctx := context.Background()
	l, paths := openTestLedger(t)

	if _, err := l.Events.Append(ctx, events.New(testImport())); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	l.Close()

	reopened, err := Open(ctx, paths)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reopened.Close()

	status, _ := reopened.Status(ctx)
	if !status.Behind() {
		t.Errorf("Status() = %+v, expected projection to be behind", status)
	}

	if err := reopened.Rebuild(ctx, false); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if txn, _ := reopened.Transactions.Transaction(ctx, "abc123"); txn == nil {
		t.Error("Transaction(abc123) = nil after catching up")
	}
}

func TestFullRebuild(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	if _, err := l.RecordPayloads(ctx, testImport(), testBudget()); err != nil {
		t.Fatalf("RecordPayloads() error = %v", err)
	}
	if err := l.Rebuild(ctx, true); err != nil {
		t.Fatalf("Rebuild(full) error = %v", err)
	}

	status, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Transactions.Total != 1 || status.Budgets.Active != 1 || status.BudgetLastEventID == "" {
		t.Errorf("Status() after full rebuild = %+v", status)
	}
}

func TestRecordUpdatesMetrics(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	appended := metrics.EventsAppended.WithLabelValues(string(events.TypeBudgetCreated))
	appendedBefore := testutil.ToFloat64(appended)
	rejectedBefore := testutil.ToFloat64(metrics.AppendsRejected)

	if _, err := l.RecordPayloads(ctx, testBudget()); err != nil {
		t.Fatalf("RecordPayloads() error = %v", err)
	}
	bad := testBudget()
	bad.Currency = ""
	if _, err := l.RecordPayloads(ctx, bad); err == nil {
		t.Fatal("RecordPayloads() error = nil for a budget without currency")
	}
	if _, err := l.Status(ctx); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if got := testutil.ToFloat64(appended) - appendedBefore; got != 1 {
		t.Errorf("appended delta = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(metrics.AppendsRejected) - rejectedBefore; got != 1 {
		t.Errorf("rejected delta = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(metrics.LatestSequence); got != 1 {
		t.Errorf("latest sequence gauge = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(metrics.ProjectionLag); got != 0 {
		t.Errorf("projection lag gauge = %v, expected 0", got)
	}
}

func TestReRecordIsNotCounted(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	appended := metrics.EventsAppended.WithLabelValues(string(events.TypeTransactionImported))
	before := testutil.ToFloat64(appended)

	evt := events.New(testImport())
	for i := 0; i < 2; i++ {
		if _, err := l.Record(ctx, evt); err != nil {
			t.Fatalf("Record() #%d error = %v", i+1, err)
		}
	}
	if _, err := l.Record(ctx, evt, evt); err != nil {
		t.Fatalf("Record() with a repeated event error = %v", err)
	}

	if got := testutil.ToFloat64(appended) - before; got != 1 {
		t.Errorf("appended delta = %v, expected 1", got)
	}
}
