package budgets

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/eventstore"
)

// Source is the part of the event log the builder replays from.
type Source interface {
	EventsOfTypes(ctx context.Context, types ...events.Type) ([]eventstore.Record, error)
}

// Builder maintains the budget projection. Rebuilds are serialized.
type Builder struct {
	conn   *db.Connection
	mu     sync.Mutex
	logger *slog.Logger
}

// Open opens (or creates) the budget projection datastore at dbPath.
func Open(dbPath string) (*Builder, error) {
	conn, err := db.Open(dbPath, Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to open budget projection: %w", err)
	}
	return New(conn), nil
}

// New wraps a connection opened with Schema.
func New(conn *db.Connection) *Builder {
	return &Builder{conn: conn, logger: slog.Default()}
}

// SetLogger replaces the builder logger.
func (b *Builder) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Close closes the projection datastore.
func (b *Builder) Close() error {
	return b.conn.Close()
}

// RebuildFromScratch clears the projection and replays every budget event.
// It returns the number of events examined.
func (b *Builder) RebuildFromScratch(ctx context.Context, src Source) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := loadOrdered(ctx, src)
	if err != nil {
		return 0, err
	}

	err = b.conn.Transaction(ctx, func(tx *sql.Tx) error {
		if err := reset(ctx, tx); err != nil {
			return err
		}
		if len(records) == 0 {
			return db.DeleteMetadata(ctx, tx, watermarkKey)
		}
		return b.applyAll(ctx, tx, records, records[len(records)-1].Event.ID)
	})
	if err != nil {
		return 0, err
	}

	b.logger.Info("Rebuilt budget projection", "events", len(records))
	return len(records), nil
}

// RebuildIncremental applies the budget events ordered after lastEventID,
// together with any earlier event that was never examined. An empty
// lastEventID resumes from the last event this builder applied. When the id
// is unknown every budget event is considered again; applying an event twice
// has no effect.
//
// An unexamined event ordered before an applied one was appended with an
// earlier timestamp. The projection is then replayed from scratch within the
// same transaction, so the result matches RebuildFromScratch.
func (b *Builder) RebuildIncremental(ctx context.Context, src Source, lastEventID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastEventID == "" {
		last, err := b.LastEventID(ctx)
		if err != nil {
			return 0, err
		}
		lastEventID = last
	}

	records, err := loadOrdered(ctx, src)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	start := 0
	if lastEventID != "" {
		if i := slices.IndexFunc(records, func(r eventstore.Record) bool { return r.Event.ID == lastEventID }); i >= 0 {
			start = i + 1
		} else {
			b.logger.Warn("Resume event not found, replaying all budget events", "last_event_id", lastEventID)
		}
	}

	var examined int
	err = b.conn.Transaction(ctx, func(tx *sql.Tx) error {
		seen, err := examinedEvents(ctx, tx)
		if err != nil {
			return err
		}
		last := records[len(records)-1].Event.ID

		pending, backdated := pendingEvents(records, start, seen)
		if backdated {
			b.logger.Info("Backdated budget event found, replaying all budget events", "events", len(records))
			if err := reset(ctx, tx); err != nil {
				return err
			}
			examined = len(records)
			return b.applyAll(ctx, tx, records, last)
		}

		examined = len(pending)
		if examined == 0 {
			return nil
		}
		return b.applyAll(ctx, tx, pending, last)
	})
	if err != nil {
		return 0, err
	}

	if examined > 0 {
		b.logger.Debug("Updated budget projection", "events", examined, "last_event_id", records[len(records)-1].Event.ID)
	}
	return examined, nil
}

// pendingEvents returns the records ordered from start on and the earlier
// records that were never examined. backdated reports an unexamined record
// ordered before an examined one.
func pendingEvents(records []eventstore.Record, start int, seen map[string]bool) (pending []eventstore.Record, backdated bool) {
	unexamined := false
	for i, rec := range records {
		done := seen[rec.Event.ID]
		if done && unexamined {
			backdated = true
		}
		if !done {
			unexamined = true
		}
		if i >= start || !done {
			pending = append(pending, rec)
		}
	}
	return pending, backdated
}

func examinedEvents(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT event_id FROM budget_examined_events`)
	if err != nil {
		return nil, fmt.Errorf("failed to load examined budget events: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan examined budget event: %w", err)
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// reset empties every projection table. History ids restart at 1.
func reset(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{
		`DELETE FROM budget_history`,
		`DELETE FROM budgets`,
		`DELETE FROM budget_examined_events`,
		`DELETE FROM sqlite_sequence WHERE name = 'budget_history'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear budget projection: %w", err)
		}
	}
	return nil
}

// LastEventID returns the id of the last budget event applied, or "" if none.
func (b *Builder) LastEventID(ctx context.Context) (string, error) {
	return db.GetMetadata(ctx, b.conn, watermarkKey)
}

// loadOrdered returns the budget events ordered by timestamp, then sequence.
func loadOrdered(ctx context.Context, src Source) ([]eventstore.Record, error) {
	records, err := src.EventsOfTypes(ctx, events.BudgetTypes...)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget events: %w", err)
	}
	slices.SortStableFunc(records, func(a, b eventstore.Record) int {
		if c := a.Event.Timestamp.Compare(b.Event.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	return records, nil
}

func (b *Builder) applyAll(ctx context.Context, tx *sql.Tx, records []eventstore.Record, watermark string) error {
	for _, rec := range records {
		if err := b.apply(ctx, tx, rec.Event); err != nil {
			return fmt.Errorf("failed to apply event %s at sequence %d: %w", rec.Event.ID, rec.Sequence, err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO budget_examined_events (event_id) VALUES (?) ON CONFLICT(event_id) DO NOTHING`, rec.Event.ID)
		if err != nil {
			return fmt.Errorf("failed to mark event %s as examined: %w", rec.Event.ID, err)
		}
	}
	return db.SetMetadata(ctx, tx, watermarkKey, watermark)
}

func (b *Builder) apply(ctx context.Context, tx *sql.Tx, evt events.Event) error {
	switch p := evt.Payload.(type) {
	case events.BudgetCreated:
		return b.applyCreated(ctx, tx, evt, p)
	case events.BudgetUpdated:
		return b.applyUpdated(ctx, tx, evt, p)
	case events.BudgetDeleted:
		return b.applyDeleted(ctx, tx, evt, p)
	default:
		b.logger.Debug("Skipping non-budget event", "event_id", evt.ID, "event_type", evt.Type)
		return nil
	}
}

// applyCreated inserts the budget and its first open history entry. A known
// budget id is a no-op.
func (b *Builder) applyCreated(ctx context.Context, tx *sql.Tx, evt events.Event, p events.BudgetCreated) error {
	existing, err := b.load(ctx, tx, p.BudgetID)
	if err != nil {
		return err
	}
	if existing != nil {
		b.logger.Debug("Skipping create of existing budget", "event_id", evt.ID, "budget_id", p.BudgetID)
		return nil
	}

	ts := db.FormatTimestamp(evt.Timestamp)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO budgets (
			budget_id, category, subcategory, period_type, start_date, amount, currency,
			is_deleted, last_event_id, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, p.BudgetID, p.Category, nullString(p.Subcategory), string(p.PeriodType), p.StartDate,
		p.Amount.String(), p.Currency, evt.ID, ts)
	if err != nil {
		return fmt.Errorf("failed to insert budget %s: %w", p.BudgetID, err)
	}

	return insertHistory(ctx, tx, evt, Budget{
		BudgetID:    p.BudgetID,
		Category:    p.Category,
		Subcategory: nullString(p.Subcategory),
		PeriodType:  p.PeriodType,
		StartDate:   p.StartDate,
		Amount:      p.Amount,
		Currency:    p.Currency,
	}, sql.NullString{}, false)
}

// applyUpdated merges the supplied fields over the current state, closes the
// open history entry and opens a new one.
func (b *Builder) applyUpdated(ctx context.Context, tx *sql.Tx, evt events.Event, p events.BudgetUpdated) error {
	current, err := b.applicable(ctx, tx, evt, p.BudgetID)
	if err != nil || current == nil {
		return err
	}

	merged := *current
	if p.NewAmount.Valid {
		merged.Amount = p.NewAmount.Decimal
	}
	if p.NewPeriodType != nil {
		merged.PeriodType = *p.NewPeriodType
	}
	if p.NewStartDate != nil {
		merged.StartDate = *p.NewStartDate
	}
	if p.Currency != "" {
		merged.Currency = p.Currency
	}

	ts := db.FormatTimestamp(evt.Timestamp)
	_, err = tx.ExecContext(ctx, `
		UPDATE budgets
		SET period_type = ?, start_date = ?, amount = ?, currency = ?, last_event_id = ?, updated_at = ?
		WHERE budget_id = ?
	`, string(merged.PeriodType), merged.StartDate, merged.Amount.String(), merged.Currency, evt.ID, ts, p.BudgetID)
	if err != nil {
		return fmt.Errorf("failed to update budget %s: %w", p.BudgetID, err)
	}

	if err := closeOpen(ctx, tx, p.BudgetID, ts); err != nil {
		return err
	}
	return insertHistory(ctx, tx, evt, merged, nullString(p.Rationale), false)
}

// applyDeleted soft-deletes the budget and records a terminal history entry
// with a zero-width interval.
func (b *Builder) applyDeleted(ctx context.Context, tx *sql.Tx, evt events.Event, p events.BudgetDeleted) error {
	current, err := b.applicable(ctx, tx, evt, p.BudgetID)
	if err != nil || current == nil {
		return err
	}

	ts := db.FormatTimestamp(evt.Timestamp)
	_, err = tx.ExecContext(ctx, `
		UPDATE budgets SET is_deleted = 1, last_event_id = ?, updated_at = ?
		WHERE budget_id = ?
	`, evt.ID, ts, p.BudgetID)
	if err != nil {
		return fmt.Errorf("failed to delete budget %s: %w", p.BudgetID, err)
	}

	if err := closeOpen(ctx, tx, p.BudgetID, ts); err != nil {
		return err
	}

	final := *current
	final.PeriodType = p.FinalPeriodType
	final.StartDate = p.FinalStartDate
	final.Amount = p.FinalAmount
	if p.Currency != "" {
		final.Currency = p.Currency
	}
	return insertHistory(ctx, tx, evt, final, nullString(p.Rationale), true)
}

// applicable returns the current state of budgetID when evt may still be
// applied to it, or nil when evt has to be skipped.
func (b *Builder) applicable(ctx context.Context, tx *sql.Tx, evt events.Event, budgetID string) (*Budget, error) {
	current, err := b.load(ctx, tx, budgetID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		b.logger.Debug("Skipping event for unknown budget", "event_id", evt.ID, "event_type", evt.Type, "budget_id", budgetID)
		return nil, nil
	}
	if current.IsDeleted {
		b.logger.Debug("Skipping event for deleted budget", "event_id", evt.ID, "event_type", evt.Type, "budget_id", budgetID)
		return nil, nil
	}

	var seen int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM budget_history WHERE event_id = ?`, evt.ID).Scan(&seen)
	if err != nil {
		return nil, fmt.Errorf("failed to check history for event %s: %w", evt.ID, err)
	}
	if seen > 0 {
		b.logger.Debug("Skipping already applied budget event", "event_id", evt.ID, "budget_id", budgetID)
		return nil, nil
	}
	return current, nil
}

func closeOpen(ctx context.Context, tx *sql.Tx, budgetID, ts string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE budget_history SET end_date = ?
		WHERE budget_id = ? AND end_date IS NULL
	`, ts, budgetID)
	if err != nil {
		return fmt.Errorf("failed to close history of budget %s: %w", budgetID, err)
	}
	return nil
}

// insertHistory appends the state produced by evt. Terminal entries end at
// the event timestamp.
func insertHistory(ctx context.Context, tx *sql.Tx, evt events.Event, state Budget, rationale sql.NullString, terminal bool) error {
	ts := db.FormatTimestamp(evt.Timestamp)
	var endDate sql.NullString
	if terminal {
		endDate = sql.NullString{String: ts, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO budget_history (
			budget_id, event_id, event_type, category, subcategory, period_type,
			start_date, amount, currency, rationale, recorded_at, end_date
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, state.BudgetID, evt.ID, string(evt.Type), state.Category, state.Subcategory,
		string(state.PeriodType), state.StartDate, state.Amount.String(), state.Currency,
		rationale, ts, endDate)
	if err != nil {
		return fmt.Errorf("failed to record history of budget %s: %w", state.BudgetID, err)
	}
	return nil
}

func (b *Builder) load(ctx context.Context, q db.Querier, id string) (*Budget, error) {
	row := q.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE budget_id = ?`, id)
	budget, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget %s: %w", id, err)
	}
	return budget, nil
}
