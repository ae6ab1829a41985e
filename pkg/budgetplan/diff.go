package budgetplan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/projection/budgets"
)

// ErrDeletedBudget is returned when a plan names a budget that was deleted.
// Deletion is terminal, so the plan has to use a new id.
var ErrDeletedBudget = errors.New("budget was deleted")

// Options control Diff.
type Options struct {
	// Prune deletes active budgets that are missing from the plan.
	Prune bool
	// DefaultCurrency is used when neither the entry nor the plan sets one.
	DefaultCurrency string
}

// Diff returns the budget payloads that move current to plan, in plan order
// followed by deletions ordered by id.
func Diff(plan *Plan, current []budgets.Budget, opts Options) ([]events.Payload, error) {
	byID := make(map[string]budgets.Budget, len(current))
	for _, b := range current {
		byID[b.BudgetID] = b
	}

	var payloads []events.Payload
	inPlan := make(map[string]bool, len(plan.Budgets))

	for _, e := range plan.Budgets {
		inPlan[e.ID] = true
		currency := plan.currency(e, opts.DefaultCurrency)
		if currency == "" {
			return nil, fmt.Errorf("budget %q: currency is required", e.ID)
		}

		cur, ok := byID[e.ID]
		if !ok {
			payloads = append(payloads, events.BudgetCreated{
				BudgetID:    e.ID,
				Category:    e.Category,
				Subcategory: events.String(e.Subcategory),
				PeriodType:  e.Period,
				StartDate:   e.Start,
				Amount:      e.Amount.Decimal,
				Currency:    currency,
			})
			continue
		}

		if cur.IsDeleted {
			return nil, fmt.Errorf("budget %q: %w", e.ID, ErrDeletedBudget)
		}
		if cur.Category != e.Category || cur.Subcategory.String != e.Subcategory {
			return nil, fmt.Errorf("budget %q: category cannot change from %s to %s", e.ID, label(cur.Category, cur.Subcategory.String), label(e.Category, e.Subcategory))
		}

		if update, changed := updateFor(cur, e, currency); changed {
			payloads = append(payloads, update)
		}
	}

	if opts.Prune {
		var stale []budgets.Budget
		for _, b := range current {
			if !b.IsDeleted && !inPlan[b.BudgetID] {
				stale = append(stale, b)
			}
		}
		sort.Slice(stale, func(i, j int) bool { return stale[i].BudgetID < stale[j].BudgetID })

		for _, b := range stale {
			payloads = append(payloads, events.BudgetDeleted{
				BudgetID:        b.BudgetID,
				Category:        b.Category,
				Subcategory:     nullable(b.Subcategory.String, b.Subcategory.Valid),
				FinalAmount:     b.Amount,
				FinalPeriodType: b.PeriodType,
				FinalStartDate:  b.StartDate,
				Currency:        b.Currency,
				Rationale:       events.String("removed from budget plan"),
			})
		}
	}

	return payloads, nil
}

// updateFor builds an update carrying only the fields that differ.
func updateFor(cur budgets.Budget, e Entry, currency string) (events.BudgetUpdated, bool) {
	update := events.BudgetUpdated{
		BudgetID:    cur.BudgetID,
		Category:    cur.Category,
		Subcategory: nullable(cur.Subcategory.String, cur.Subcategory.Valid),
		Currency:    currency,
		Rationale:   events.String(e.Rationale),
	}
	changed := false

	if !cur.Amount.Equal(e.Amount.Decimal) {
		update.NewAmount = events.Amount(e.Amount.Decimal)
		update.PreviousAmount = events.Amount(cur.Amount)
		changed = true
	}
	if cur.PeriodType != e.Period {
		update.NewPeriodType = events.Period(e.Period)
		update.PreviousPeriodType = events.Period(cur.PeriodType)
		changed = true
	}
	if cur.StartDate != e.Start {
		update.NewStartDate = &e.Start
		update.PreviousStartDate = &cur.StartDate
		changed = true
	}
	return update, changed
}

func nullable(s string, valid bool) *string {
	if !valid {
		return nil
	}
	return &s
}

func label(category, subcategory string) string {
	if subcategory == "" {
		return category
	}
	return category + "/" + subcategory
}
