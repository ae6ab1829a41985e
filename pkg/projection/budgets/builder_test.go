package budgets

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/eventstore"
)

type fixture struct {
	t       *testing.T
	store   *eventstore.Store
	builder *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := eventstore.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &fixture{t: t, store: store, builder: openTestBuilder(t, filepath.Join(dir, "budgets.db"))}
}

func openTestBuilder(t *testing.T, path string) *Builder {
	t.Helper()
	builder, err := Open(path)
	if err != nil {
		t.Fatalf("open budget projection: %v", err)
	}
	t.Cleanup(func() { builder.Close() })
	return builder
}

func day(s string) time.Time {
	t, err := time.Parse(events.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func (f *fixture) append(ts string, payload events.Payload) events.Event {
	f.t.Helper()
	evt := events.New(payload, events.WithTimestamp(day(ts)))
	if _, err := f.store.Append(context.Background(), evt); err != nil {
		f.t.Fatalf("append %s: %v", evt.Type, err)
	}
	return evt
}

func (f *fixture) sync() int {
	f.t.Helper()
	n, err := f.builder.RebuildIncremental(context.Background(), f.store, "")
	if err != nil {
		f.t.Fatalf("RebuildIncremental() error = %v", err)
	}
	return n
}

func (f *fixture) get(id string) *Budget {
	f.t.Helper()
	b, err := f.builder.Budget(context.Background(), id)
	if err != nil {
		f.t.Fatalf("Budget(%s) error = %v", id, err)
	}
	return b
}

func created(id, category, start, amount string) events.BudgetCreated {
	return events.BudgetCreated{
		BudgetID:   id,
		Category:   category,
		PeriodType: events.PeriodMonthly,
		StartDate:  start,
		Amount:     decimal.RequireFromString(amount),
		Currency:   "CAD",
	}
}

func amountUpdate(id, start, amount string) events.BudgetUpdated {
	return events.BudgetUpdated{
		BudgetID:     id,
		Category:     "Groceries",
		NewAmount:    events.Amount(decimal.RequireFromString(amount)),
		NewStartDate: events.String(start),
		Currency:     "CAD",
	}
}

func deleted(id, start, amount string) events.BudgetDeleted {
	return events.BudgetDeleted{
		BudgetID:        id,
		Category:        "Groceries",
		FinalAmount:     decimal.RequireFromString(amount),
		FinalPeriodType: events.PeriodMonthly,
		FinalStartDate:  start,
		Currency:        "CAD",
		Rationale:       events.String("moved to shared account"),
	}
}

func amounts(budgets []Budget) []string {
	var out []string
	for _, b := range budgets {
		out = append(out, b.BudgetID+"="+b.Amount.String())
	}
	return out
}

func timeTravelFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.append("2025-01-01", created("groceries", "Groceries", "2025-01-01", "400"))
	f.append("2025-02-01", amountUpdate("groceries", "2025-02-01", "450"))
	f.append("2025-03-01", deleted("groceries", "2025-02-01", "450"))
	f.sync()
	return f
}

func TestBudgetsAtDate(t *testing.T) {
	f := timeTravelFixture(t)

	tests := []struct {
		name     string
		date     string
		expected []string
	}{
		{name: "before start", date: "2024-12-31"},
		{name: "first interval", date: "2025-01-15", expected: []string{"groceries=400"}},
		{name: "update day", date: "2025-02-01", expected: []string{"groceries=450"}},
		{name: "second interval", date: "2025-02-15", expected: []string{"groceries=450"}},
		{name: "delete day", date: "2025-03-01"},
		{name: "after delete", date: "2025-03-15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.builder.BudgetsAt(context.Background(), day(tt.date), "")
			if err != nil {
				t.Fatalf("BudgetsAt() error = %v", err)
			}
			if !reflect.DeepEqual(amounts(got), tt.expected) {
				t.Errorf("BudgetsAt(%s) = %v, expected %v", tt.date, amounts(got), tt.expected)
			}
		})
	}
}

func TestHistoryIsKeptAfterDelete(t *testing.T) {
	ctx := context.Background()
	f := timeTravelFixture(t)

	budget := f.get("groceries")
	if budget == nil || !budget.IsDeleted {
		t.Fatalf("Budget(groceries) = %+v, expected deleted row", budget)
	}

	history, err := f.builder.History(ctx, "groceries")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("History() returned %d entries, expected 3", len(history))
	}

	expectedTypes := []events.Type{events.TypeBudgetCreated, events.TypeBudgetUpdated, events.TypeBudgetDeleted}
	for i, h := range history {
		if h.EventType != expectedTypes[i] {
			t.Errorf("history[%d].EventType = %s, expected %s", i, h.EventType, expectedTypes[i])
		}
		if !h.EndDate.Valid {
			t.Errorf("history[%d] is still open", i)
		}
	}
	if !history[0].EndDate.Time.Equal(day("2025-02-01")) {
		t.Errorf("created entry ends %v, expected 2025-02-01", history[0].EndDate.Time)
	}
	terminal := history[2]
	if !terminal.EndDate.Time.Equal(terminal.RecordedAt) {
		t.Errorf("terminal entry spans %v..%v, expected zero width", terminal.RecordedAt, terminal.EndDate.Time)
	}
	if terminal.Rationale.String != "moved to shared account" {
		t.Errorf("terminal rationale = %q", terminal.Rationale.String)
	}

	active, err := f.builder.ActiveBudgets(ctx, Filter{})
	if err != nil {
		t.Fatalf("ActiveBudgets() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ActiveBudgets() = %v, expected none", amounts(active))
	}
}

func TestCreatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.append("2025-01-01", created("rent", "Housing", "2025-01-01", "1800"))
	f.append("2025-01-02", created("rent", "Housing", "2025-01-01", "9999"))
	f.sync()

	if b := f.get("rent"); !b.Amount.Equal(decimal.NewFromInt(1800)) {
		t.Errorf("Amount = %s, expected the first create to win", b.Amount)
	}
	history, _ := f.builder.History(ctx, "rent")
	if len(history) != 1 || history[0].EndDate.Valid {
		t.Errorf("History() = %+v, expected one open entry", history)
	}
}

func TestUpdateMergesSuppliedFields(t *testing.T) {
	f := newFixture(t)
	f.append("2025-01-01", events.BudgetCreated{
		BudgetID:    "coffee",
		Category:    "Food",
		Subcategory: events.String("Coffee"),
		PeriodType:  events.PeriodWeekly,
		StartDate:   "2025-01-06",
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "CAD",
	})
	update := f.append("2025-01-10", events.BudgetUpdated{
		BudgetID:       "coffee",
		Category:       "Food",
		NewAmount:      events.Amount(decimal.RequireFromString("30.50")),
		PreviousAmount: events.Amount(decimal.RequireFromString("25.00")),
	})
	f.sync()

	b := f.get("coffee")
	if b.Amount.String() != "30.5" {
		t.Errorf("Amount = %s, expected 30.5", b.Amount)
	}
	if b.PeriodType != events.PeriodWeekly || b.StartDate != "2025-01-06" || b.Currency != "CAD" {
		t.Errorf("unset fields changed: %+v", b)
	}
	if b.Subcategory.String != "Coffee" {
		t.Errorf("Subcategory = %q, expected Coffee", b.Subcategory.String)
	}
	if b.LastEventID != update.ID || !b.UpdatedAt.Equal(update.Timestamp) {
		t.Errorf("LastEventID/UpdatedAt = %s/%v, expected %s/%v", b.LastEventID, b.UpdatedAt, update.ID, update.Timestamp)
	}
}

func TestUpdateOfUnknownBudgetIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.append("2025-01-01", amountUpdate("ghost", "2025-01-01", "10"))
	f.append("2025-01-02", deleted("ghost", "2025-01-01", "10"))

	if n := f.sync(); n != 2 {
		t.Errorf("RebuildIncremental() = %d, expected 2", n)
	}
	if b := f.get("ghost"); b != nil {
		t.Errorf("Budget(ghost) = %+v, expected nil", b)
	}
	history, _ := f.builder.History(ctx, "ghost")
	if len(history) != 0 {
		t.Errorf("History(ghost) = %+v, expected empty", history)
	}
}

func TestEventsAfterDeleteAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := timeTravelFixture(t)
	f.append("2025-04-01", amountUpdate("groceries", "2025-04-01", "999"))
	f.sync()

	b := f.get("groceries")
	if !b.IsDeleted || b.Amount.String() != "450" {
		t.Errorf("Budget(groceries) = deleted %v amount %s, expected deleted at 450", b.IsDeleted, b.Amount)
	}
	history, _ := f.builder.History(ctx, "groceries")
	if len(history) != 3 {
		t.Errorf("History() has %d entries, expected 3", len(history))
	}
}

func TestActiveBudgets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.append("2025-01-01", created("groceries", "Food", "2025-01-01", "400"))
	f.append("2025-01-01", created("dining", "Food", "2025-01-01", "150"))
	f.append("2025-01-01", created("transit", "Transport", "2025-01-01", "120"))
	f.append("2025-06-01", amountUpdate("groceries", "2025-06-01", "500"))
	f.sync()

	tests := []struct {
		name     string
		filter   Filter
		expected []string
	}{
		{name: "all current", filter: Filter{}, expected: []string{"dining=150", "groceries=500", "transit=120"}},
		{name: "category", filter: Filter{Category: "Food"}, expected: []string{"dining=150", "groceries=500"}},
		{name: "as of", filter: Filter{AsOf: day("2025-03-01")}, expected: []string{"dining=150", "groceries=400", "transit=120"}},
		{name: "as of with category", filter: Filter{Category: "Transport", AsOf: day("2025-03-01")}, expected: []string{"transit=120"}},
		{name: "unknown category", filter: Filter{Category: "Travel"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.builder.ActiveBudgets(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ActiveBudgets() error = %v", err)
			}
			if !reflect.DeepEqual(amounts(got), tt.expected) {
				t.Errorf("ActiveBudgets(%+v) = %v, expected %v", tt.filter, amounts(got), tt.expected)
			}
		})
	}
}

func TestOverlappingEntriesPreferLatest(t *testing.T) {
	f := newFixture(t)
	f.append("2025-01-01", created("fun", "Leisure", "2025-01-01", "100"))
	f.append("2025-01-20", events.BudgetUpdated{BudgetID: "fun", NewAmount: events.Amount(decimal.NewFromInt(80))})
	f.sync()

	got, err := f.builder.BudgetsAt(context.Background(), day("2025-01-25"), "")
	if err != nil {
		t.Fatalf("BudgetsAt() error = %v", err)
	}
	if !reflect.DeepEqual(amounts(got), []string{"fun=80"}) {
		t.Errorf("BudgetsAt() = %v, expected [fun=80]", amounts(got))
	}

	// Both entries start on 2025-01-01; the later one wins for earlier dates too.
	got, _ = f.builder.BudgetsAt(context.Background(), day("2025-01-10"), "")
	if !reflect.DeepEqual(amounts(got), []string{"fun=80"}) {
		t.Errorf("BudgetsAt(2025-01-10) = %v, expected [fun=80]", amounts(got))
	}
}

func TestReplayOrdersByTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// Appended out of order: the update carries the later timestamp.
	f.append("2025-02-01", amountUpdate("groceries", "2025-02-01", "450"))
	f.append("2025-01-01", created("groceries", "Groceries", "2025-01-01", "400"))

	if _, err := f.builder.RebuildFromScratch(ctx, f.store); err != nil {
		t.Fatalf("RebuildFromScratch() error = %v", err)
	}
	if b := f.get("groceries"); b.Amount.String() != "450" {
		t.Errorf("Amount = %s, expected 450", b.Amount)
	}
}

func TestIncrementalResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.append("2025-01-01", created("groceries", "Groceries", "2025-01-01", "400"))

	if n := f.sync(); n != 1 {
		t.Errorf("first sync = %d, expected 1", n)
	}
	if last, _ := f.builder.LastEventID(ctx); last != first.ID {
		t.Errorf("LastEventID() = %q, expected %q", last, first.ID)
	}
	if n := f.sync(); n != 0 {
		t.Errorf("sync when current = %d, expected 0", n)
	}

	second := f.append("2025-02-01", amountUpdate("groceries", "2025-02-01", "450"))
	if n := f.sync(); n != 1 {
		t.Errorf("second sync = %d, expected 1", n)
	}
	if last, _ := f.builder.LastEventID(ctx); last != second.ID {
		t.Errorf("LastEventID() = %q, expected %q", last, second.ID)
	}

	t.Run("explicit id", func(t *testing.T) {
		n, err := f.builder.RebuildIncremental(ctx, f.store, first.ID)
		if err != nil {
			t.Fatalf("RebuildIncremental() error = %v", err)
		}
		if n != 1 {
			t.Errorf("RebuildIncremental(first) = %d, expected 1", n)
		}
	})

	t.Run("unknown id replays idempotently", func(t *testing.T) {
		n, err := f.builder.RebuildIncremental(ctx, f.store, "not-an-event")
		if err != nil {
			t.Fatalf("RebuildIncremental() error = %v", err)
		}
		if n != 2 {
			t.Errorf("RebuildIncremental(unknown) = %d, expected 2", n)
		}
		history, _ := f.builder.History(ctx, "groceries")
		if len(history) != 2 {
			t.Errorf("History() has %d entries after replay, expected 2", len(history))
		}
		if b := f.get("groceries"); b.Amount.String() != "450" {
			t.Errorf("Amount = %s, expected 450", b.Amount)
		}
	})
}

func TestFullAndIncrementalRebuildsAgree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	incremental := openTestBuilder(t, filepath.Join(t.TempDir(), "incremental.db"))

	steps := []struct {
		ts      string
		payload events.Payload
	}{
		{"2025-01-01", created("groceries", "Groceries", "2025-01-01", "400")},
		{"2025-01-01", created("transit", "Transport", "2025-01-01", "120")},
		{"2025-02-01", amountUpdate("groceries", "2025-02-01", "450")},
		{"2025-02-10", events.BudgetUpdated{BudgetID: "transit", NewPeriodType: events.Period(events.PeriodQuarterly)}},
		{"2025-03-01", deleted("groceries", "2025-02-01", "450")},
	}
	for _, step := range steps {
		f.append(step.ts, step.payload)
		if _, err := incremental.RebuildIncremental(ctx, f.store, ""); err != nil {
			t.Fatalf("RebuildIncremental() error = %v", err)
		}
	}
	if _, err := f.builder.RebuildFromScratch(ctx, f.store); err != nil {
		t.Fatalf("RebuildFromScratch() error = %v", err)
	}

	full, _ := f.builder.AllBudgets(ctx)
	inc, _ := incremental.AllBudgets(ctx)
	if !reflect.DeepEqual(full, inc) {
		t.Errorf("current state differs:\nfull: %+v\ninc:  %+v", full, inc)
	}

	for _, id := range []string{"groceries", "transit"} {
		fullHistory, _ := f.builder.History(ctx, id)
		incHistory, _ := incremental.History(ctx, id)
		if !reflect.DeepEqual(fullHistory, incHistory) {
			t.Errorf("history of %s differs:\nfull: %+v\ninc:  %+v", id, fullHistory, incHistory)
		}
	}

	stats, err := f.builder.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if *stats != (Stats{Active: 1, Deleted: 1, HistoryEntries: 5}) {
		t.Errorf("Stats() = %+v", *stats)
	}
}

type failingSource struct{ err error }

func (s failingSource) EventsOfTypes(context.Context, ...events.Type) ([]eventstore.Record, error) {
	return nil, s.err
}

func TestSourceFailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	f := timeTravelFixture(t)
	before, _ := f.builder.LastEventID(ctx)

	boom := errors.New("read failed")
	if _, err := f.builder.RebuildFromScratch(ctx, failingSource{err: boom}); !errors.Is(err, boom) {
		t.Errorf("RebuildFromScratch() error = %v, expected wrapped source error", err)
	}
	if _, err := f.builder.RebuildIncremental(ctx, failingSource{err: boom}, ""); !errors.Is(err, boom) {
		t.Errorf("RebuildIncremental() error = %v, expected wrapped source error", err)
	}

	if after, _ := f.builder.LastEventID(ctx); after != before {
		t.Errorf("LastEventID() = %q after failure, expected %q", after, before)
	}
	if f.get("groceries") == nil {
		t.Error("failed rebuild removed existing rows")
	}
}

func TestIncrementalPicksUpBackdatedEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		f := newFixture(t)
		f.append("2025-03-01", created("rent", "Housing", "2025-03-01", "1800"))
		f.sync()

		f.append("2025-01-01", created("groceries", "Groceries", "2025-01-01", "400"))
		if n := f.sync(); n == 0 {
			t.Error("RebuildIncremental() = 0, expected the backdated event to be examined")
		}
		if b := f.get("groceries"); b == nil || b.Amount.String() != "400" {
			t.Errorf("Budget(groceries) = %+v, expected amount 400", b)
		}
		if b := f.get("rent"); b == nil {
			t.Error("Budget(rent) = nil after the replay")
		}
		if n := f.sync(); n != 0 {
			t.Errorf("sync when current = %d, expected 0", n)
		}
	})

	t.Run("update matches full rebuild", func(t *testing.T) {
		f := newFixture(t)
		full := openTestBuilder(t, filepath.Join(t.TempDir(), "full.db"))

		f.append("2025-01-01", created("groceries", "Groceries", "2025-01-01", "400"))
		f.append("2025-03-01", amountUpdate("groceries", "2025-03-01", "450"))
		f.sync()
		f.append("2025-02-01", amountUpdate("groceries", "2025-02-01", "420"))
		f.sync()

		if _, err := full.RebuildFromScratch(ctx, f.store); err != nil {
			t.Fatalf("RebuildFromScratch() error = %v", err)
		}

		expected, _ := full.AllBudgets(ctx)
		got, _ := f.builder.AllBudgets(ctx)
		if !reflect.DeepEqual(got, expected) {
			t.Errorf("current state differs:\nincremental: %+v\nfull:        %+v", got, expected)
		}
		expectedHistory, _ := full.History(ctx, "groceries")
		history, _ := f.builder.History(ctx, "groceries")
		if !reflect.DeepEqual(history, expectedHistory) {
			t.Errorf("history differs:\nincremental: %+v\nfull:        %+v", history, expectedHistory)
		}
		if b := f.get("groceries"); b.Amount.String() != "450" {
			t.Errorf("Amount = %s, expected 450", b.Amount)
		}
	})

	t.Run("create after skipped update", func(t *testing.T) {
		f := newFixture(t)
		f.append("2025-02-01", amountUpdate("groceries", "2025-02-01", "450"))
		f.sync()
		f.append("2025-01-01", created("groceries", "Groceries", "2025-01-01", "400"))
		f.sync()

		if b := f.get("groceries"); b == nil || b.Amount.String() != "450" {
			t.Errorf("Budget(groceries) = %+v, expected the update to apply after its create", b)
		}
	})
}

// gatedSource holds the first read until release is closed.
type gatedSource struct {
	src     Source
	fetched chan struct{}
	release chan struct{}
}

func (s *gatedSource) EventsOfTypes(ctx context.Context, types ...events.Type) ([]eventstore.Record, error) {
	records, err := s.src.EventsOfTypes(ctx, types...)
	close(s.fetched)
	<-s.release
	return records, err
}

func TestConcurrentIncrementalRebuilds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.append("2025-01-01", created("groceries", "Groceries", "2025-01-01", "400"))

	gated := &gatedSource{src: f.store, fetched: make(chan struct{}), release: make(chan struct{})}
	errs := make(chan error, 2)
	go func() {
		_, err := f.builder.RebuildIncremental(ctx, gated, "")
		errs <- err
	}()
	<-gated.fetched

	update := f.append("2025-02-01", amountUpdate("groceries", "2025-02-01", "450"))
	go func() {
		_, err := f.builder.RebuildIncremental(ctx, f.store, "")
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(gated.release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("RebuildIncremental() error = %v", err)
		}
	}

	if last, _ := f.builder.LastEventID(ctx); last != update.ID {
		t.Errorf("LastEventID() = %q, expected %q", last, update.ID)
	}
	if b := f.get("groceries"); b.Amount.String() != "450" {
		t.Errorf("Amount = %s, expected 450", b.Amount)
	}
}

func TestApplyFailureRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.append("2025-01-01", created("groceries", "Groceries", "2025-01-01", "400"))
	f.append("2025-01-02", created("transit", "Transport", "2025-01-01", "120"))

	if _, err := f.builder.conn.ExecContext(ctx, `DROP TABLE budget_history`); err != nil {
		t.Fatal(err)
	}
	if _, err := f.builder.RebuildIncremental(ctx, f.store, ""); err == nil {
		t.Fatal("RebuildIncremental() error = nil without a history table")
	}

	if b := f.get("groceries"); b != nil {
		t.Errorf("Budget(groceries) = %+v, expected the failed batch to be rolled back", b)
	}
	if last, _ := f.builder.LastEventID(ctx); last != "" {
		t.Errorf("LastEventID() = %q, expected unset", last)
	}
}
