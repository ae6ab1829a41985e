package budgets

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
)

// Budget is the state of one budget, either current or as of a date.
type Budget struct {
	BudgetID    string
	Category    string
	Subcategory sql.NullString
	PeriodType  events.PeriodType
	StartDate   string
	Amount      decimal.Decimal
	Currency    string
	IsDeleted   bool
	LastEventID string
	UpdatedAt   time.Time
}

// HistoryEntry is the budget state produced by one event. EndDate is unset
// while the entry is in force.
type HistoryEntry struct {
	ID          int64
	BudgetID    string
	EventID     string
	EventType   events.Type
	Category    string
	Subcategory sql.NullString
	PeriodType  events.PeriodType
	StartDate   string
	Amount      decimal.Decimal
	Currency    string
	Rationale   sql.NullString
	RecordedAt  time.Time
	EndDate     sql.NullTime
}

// Budget returns the state recorded by the entry.
func (h HistoryEntry) Budget() Budget {
	return Budget{
		BudgetID:    h.BudgetID,
		Category:    h.Category,
		Subcategory: h.Subcategory,
		PeriodType:  h.PeriodType,
		StartDate:   h.StartDate,
		Amount:      h.Amount,
		Currency:    h.Currency,
		IsDeleted:   h.EventType == events.TypeBudgetDeleted,
		LastEventID: h.EventID,
		UpdatedAt:   h.RecordedAt,
	}
}

// Filter narrows ActiveBudgets. A zero AsOf means the current state.
type Filter struct {
	Category string
	AsOf     time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBudget(s rowScanner) (*Budget, error) {
	var b Budget
	var period, updatedAt string

	err := s.Scan(
		&b.BudgetID,
		&b.Category,
		&b.Subcategory,
		&period,
		&b.StartDate,
		&b.Amount,
		&b.Currency,
		&b.IsDeleted,
		&b.LastEventID,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.PeriodType = events.PeriodType(period)
	if b.UpdatedAt, err = db.ParseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of budget %s: %w", b.BudgetID, err)
	}
	return &b, nil
}

func scanHistory(s rowScanner) (*HistoryEntry, error) {
	var h HistoryEntry
	var eventType, period, recordedAt string
	var endDate sql.NullString

	err := s.Scan(
		&h.ID,
		&h.BudgetID,
		&h.EventID,
		&eventType,
		&h.Category,
		&h.Subcategory,
		&period,
		&h.StartDate,
		&h.Amount,
		&h.Currency,
		&h.Rationale,
		&recordedAt,
		&endDate,
	)
	if err != nil {
		return nil, err
	}

	h.EventType = events.Type(eventType)
	h.PeriodType = events.PeriodType(period)
	if h.RecordedAt, err = db.ParseTimestamp(recordedAt); err != nil {
		return nil, fmt.Errorf("failed to parse recorded_at of history %d: %w", h.ID, err)
	}
	if endDate.Valid {
		end, err := db.ParseTimestamp(endDate.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_date of history %d: %w", h.ID, err)
		}
		h.EndDate = sql.NullTime{Time: end, Valid: true}
	}
	return &h, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
