// Package ledger wires the event log and both projections together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/eventstore"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/metrics"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/pathutil"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/projection/budgets"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/projection/transactions"
)

// Ledger holds open handles to the event log and its projections.
type Ledger struct {
	Events       *eventstore.Store
	Transactions *transactions.Builder
	Budgets      *budgets.Builder

	logger *slog.Logger
}

// Status reports how far each projection has caught up with the log.
type Status struct {
	LatestSequence      int64
	TransactionSequence int64
	BudgetLastEventID   string
	EventCounts         map[events.Type]int
	Transactions        *transactions.Stats
	Budgets             *budgets.Stats
}

// Behind reports whether the transaction projection is missing events.
func (s Status) Behind() bool {
	return s.TransactionSequence < s.LatestSequence
}

// Open opens the three datastores named by paths.
func Open(ctx context.Context, paths *pathutil.PathResolver) (*Ledger, error) {
	store, err := eventstore.Open(paths.GetEventsDBPath())
	if err != nil {
		return nil, err
	}

	txns, err := transactions.Open(paths.GetTransactionsDBPath())
	if err != nil {
		store.Close()
		return nil, err
	}

	bdgts, err := budgets.Open(paths.GetBudgetsDBPath())
	if err != nil {
		store.Close()
		txns.Close()
		return nil, err
	}

	l := &Ledger{Events: store, Transactions: txns, Budgets: bdgts, logger: slog.Default()}
	l.logger.DebugContext(ctx, "Opened ledger",
		"events", paths.GetEventsDBPath(),
		"transactions", paths.GetTransactionsDBPath(),
		"budgets", paths.GetBudgetsDBPath(),
	)
	return l, nil
}

// SetLogger replaces the logger of the ledger and every component.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	l.logger = logger
	l.Events.SetLogger(logger)
	l.Transactions.SetLogger(logger)
	l.Budgets.SetLogger(logger)
}

// Close closes all datastores.
func (l *Ledger) Close() error {
	return errors.Join(l.Events.Close(), l.Transactions.Close(), l.Budgets.Close())
}

// Record appends evts to the log and brings both projections up to date.
// The events are durable once Record gets past the append. A projection
// error after that is returned, and the following rebuild applies the events.
func (l *Ledger) Record(ctx context.Context, evts ...events.Event) ([]int64, error) {
	before, err := l.Events.LatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	seqs, err := l.Events.AppendAll(ctx, evts)
	if err != nil {
		metrics.AppendsRejected.Inc()
		return nil, err
	}
	// Re-appended events return their existing sequence.
	counted := make(map[int64]bool, len(seqs))
	for i, evt := range evts {
		if seqs[i] > before && !counted[seqs[i]] {
			counted[seqs[i]] = true
			metrics.EventsAppended.WithLabelValues(string(evt.Type)).Inc()
		}
	}

	if err := l.catchUp(ctx); err != nil {
		return seqs, fmt.Errorf("events recorded but projections are behind: %w", err)
	}
	return seqs, nil
}

// RecordPayloads wraps each payload into a new event and records them.
func (l *Ledger) RecordPayloads(ctx context.Context, payloads ...events.Payload) ([]events.Event, error) {
	evts := make([]events.Event, len(payloads))
	for i, p := range payloads {
		evts[i] = events.New(p)
	}
	if _, err := l.Record(ctx, evts...); err != nil {
		return nil, err
	}
	return evts, nil
}

// Rebuild updates both projections. With full set they are rebuilt from an
// empty state.
func (l *Ledger) Rebuild(ctx context.Context, full bool) error {
	if !full {
		return l.catchUp(ctx)
	}

	started := time.Now()
	n, err := l.Transactions.RebuildFromScratch(ctx, l.Events)
	metrics.ObserveRebuild(metrics.ProjectionTransactions, true, started, n, err)
	if err != nil {
		return fmt.Errorf("failed to rebuild transactions: %w", err)
	}

	started = time.Now()
	n, err = l.Budgets.RebuildFromScratch(ctx, l.Events)
	metrics.ObserveRebuild(metrics.ProjectionBudgets, true, started, n, err)
	if err != nil {
		return fmt.Errorf("failed to rebuild budgets: %w", err)
	}
	return nil
}

func (l *Ledger) catchUp(ctx context.Context) error {
	started := time.Now()
	n, err := l.Transactions.RebuildIncremental(ctx, l.Events)
	metrics.ObserveRebuild(metrics.ProjectionTransactions, false, started, n, err)
	if err != nil {
		return fmt.Errorf("failed to update transactions: %w", err)
	}

	started = time.Now()
	n, err = l.Budgets.RebuildIncremental(ctx, l.Events, "")
	metrics.ObserveRebuild(metrics.ProjectionBudgets, false, started, n, err)
	if err != nil {
		return fmt.Errorf("failed to update budgets: %w", err)
	}
	return nil
}

// Status returns the watermarks and row counts of the ledger.
func (l *Ledger) Status(ctx context.Context) (*Status, error) {
	var s Status
	var err error

	if s.LatestSequence, err = l.Events.LatestSequence(ctx); err != nil {
		return nil, err
	}
	if s.EventCounts, err = l.Events.CountByType(ctx); err != nil {
		return nil, err
	}
	if s.TransactionSequence, err = l.Transactions.CurrentSequence(ctx); err != nil {
		return nil, err
	}
	if s.BudgetLastEventID, err = l.Budgets.LastEventID(ctx); err != nil {
		return nil, err
	}
	if s.Transactions, err = l.Transactions.Stats(ctx); err != nil {
		return nil, err
	}
	if s.Budgets, err = l.Budgets.Stats(ctx); err != nil {
		return nil, err
	}

	metrics.LatestSequence.Set(float64(s.LatestSequence))
	metrics.ProjectionLag.Set(float64(s.LatestSequence - s.TransactionSequence))
	return &s, nil
}
