package budgets

import (
	"context"
	"fmt"
	"time"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
)

// Stats summarizes the projection.
type Stats struct {
	Active         int
	Deleted        int
	HistoryEntries int
}

// Budget returns the current state of id, deleted or not, or nil if the
// budget was never created.
func (b *Builder) Budget(ctx context.Context, id string) (*Budget, error) {
	return b.load(ctx, b.conn, id)
}

// AllBudgets returns every budget including deleted ones.
func (b *Builder) AllBudgets(ctx context.Context) ([]Budget, error) {
	return b.listBudgets(ctx, `
		SELECT `+budgetColumns+` FROM budgets
		ORDER BY category, subcategory, budget_id
	`)
}

// ActiveBudgets returns the budgets that are not deleted. With f.AsOf set it
// answers for that date instead of now.
func (b *Builder) ActiveBudgets(ctx context.Context, f Filter) ([]Budget, error) {
	if !f.AsOf.IsZero() {
		return b.BudgetsAt(ctx, f.AsOf, f.Category)
	}

	query := `SELECT ` + budgetColumns + ` FROM budgets WHERE is_deleted = 0`
	var args []any
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	query += ` ORDER BY category, subcategory, budget_id`

	return b.listBudgets(ctx, query, args...)
}

// BudgetsAt returns the budgets in force on target's calendar date, taken at
// midnight UTC. When several history entries of one budget cover the date,
// the most recently recorded one is returned.
func (b *Builder) BudgetsAt(ctx context.Context, target time.Time, category string) ([]Budget, error) {
	y, m, d := target.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	query := `
		SELECT ` + historyColumns + ` FROM budget_history
		WHERE event_type != ?
		  AND start_date <= ?
		  AND (end_date IS NULL OR end_date > ?)
	`
	args := []any{string(events.TypeBudgetDeleted), midnight.Format(events.DateLayout), db.FormatTimestamp(midnight)}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY category, subcategory, budget_id, history_id DESC`

	entries, err := b.listHistory(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var result []Budget
	seen := make(map[string]bool)
	for _, h := range entries {
		if seen[h.BudgetID] {
			continue
		}
		seen[h.BudgetID] = true
		result = append(result, h.Budget())
	}
	return result, nil
}

// History returns every history entry of id in the order it was recorded.
// Entries are kept after deletion.
func (b *Builder) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	return b.listHistory(ctx, `
		SELECT `+historyColumns+` FROM budget_history
		WHERE budget_id = ?
		ORDER BY recorded_at ASC, history_id ASC
	`, id)
}

// Stats returns row counts for the projection.
func (b *Builder) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats

	err := b.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(is_deleted), 0),
			(SELECT COUNT(*) FROM budget_history)
		FROM budgets
	`).Scan(&stats.Active, &stats.Deleted, &stats.HistoryEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to get budget stats: %w", err)
	}

	return &stats, nil
}

func (b *Builder) listBudgets(ctx context.Context, query string, args ...any) ([]Budget, error) {
	rows, err := b.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer rows.Close()

	var result []Budget
	for rows.Next() {
		budget, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		result = append(result, *budget)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read budgets: %w", err)
	}

	return result, nil
}

func (b *Builder) listHistory(ctx context.Context, query string, args ...any) ([]HistoryEntry, error) {
	rows, err := b.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget history: %w", err)
	}
	defer rows.Close()

	var result []HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget history: %w", err)
		}
		result = append(result, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read budget history: %w", err)
	}

	return result, nil
}
