package budgetplan

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/projection/budgets"
)

const samplePlan = `
currency: CAD
budgets:
  - id: groceries
    category: Food
    subcategory: Groceries
    period: monthly
    start: 2025-01-01
    amount: 400.10
  - id: transit
    category: Transport
    period: monthly
    start: 2025-01-01
    amount: "120"
    currency: USD
    rationale: commuting pass
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budgets.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if plan.Currency != "CAD" || len(plan.Budgets) != 2 {
		t.Fatalf("Load() = %+v", plan)
	}

	groceries := plan.Budgets[0]
	if groceries.Amount.String() != "400.1" || groceries.Subcategory != "Groceries" || groceries.Period != events.PeriodMonthly {
		t.Errorf("groceries = %+v", groceries)
	}
	if got := plan.currency(plan.Budgets[1], "EUR"); got != "USD" {
		t.Errorf("currency(transit) = %s, expected USD", got)
	}
	if got := plan.currency(groceries, "EUR"); got != "CAD" {
		t.Errorf("currency(groceries) = %s, expected CAD", got)
	}
}

func TestParseRejectsInvalidPlans(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing id", "budgets:\n  - category: Food\n    period: monthly\n    start: 2025-01-01\n    amount: 1\n", "id is required"},
		{"duplicate id", "budgets:\n  - {id: a, category: F, period: monthly, start: 2025-01-01, amount: 1}\n  - {id: a, category: F, period: monthly, start: 2025-01-01, amount: 1}\n", "duplicate id"},
		{"missing category", "budgets:\n  - {id: a, period: monthly, start: 2025-01-01, amount: 1}\n", "category is required"},
		{"bad period", "budgets:\n  - {id: a, category: F, period: daily, start: 2025-01-01, amount: 1}\n", "unsupported period"},
		{"bad start", "budgets:\n  - {id: a, category: F, period: monthly, start: 2025-13-01, amount: 1}\n", "start must be"},
		{"negative amount", "budgets:\n  - {id: a, category: F, period: monthly, start: 2025-01-01, amount: -5}\n", "must not be negative"},
		{"bad amount", "budgets:\n  - {id: a, category: F, period: monthly, start: 2025-01-01, amount: lots}\n", "invalid amount"},
		{"not yaml", "budgets: [", "failed to parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, expected it to contain %q", err, tt.want)
			}
		})
	}
}

func budget(id, category, amount string, deleted bool) budgets.Budget {
	return budgets.Budget{
		BudgetID:   id,
		Category:   category,
		PeriodType: events.PeriodMonthly,
		StartDate:  "2025-01-01",
		Amount:     decimal.RequireFromString(amount),
		Currency:   "CAD",
		IsDeleted:  deleted,
	}
}

func mustParse(t *testing.T, data string) *Plan {
	t.Helper()
	plan, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return plan
}

func TestDiff(t *testing.T) {
	plan := mustParse(t, samplePlan)

	groceries := budget("groceries", "Food", "400.10", false)
	groceries.Subcategory = sql.NullString{String: "Groceries", Valid: true}

	t.Run("creates missing budgets", func(t *testing.T) {
		payloads, err := Diff(plan, nil, Options{})
		if err != nil {
			t.Fatalf("Diff() error = %v", err)
		}
		if len(payloads) != 2 {
			t.Fatalf("Diff() returned %d payloads, expected 2", len(payloads))
		}
		c, ok := payloads[1].(events.BudgetCreated)
		if !ok {
			t.Fatalf("payloads[1] = %T, expected BudgetCreated", payloads[1])
		}
		if c.BudgetID != "transit" || c.Currency != "USD" || !c.Amount.Equal(decimal.NewFromInt(120)) || c.Subcategory != nil {
			t.Errorf("created = %+v", c)
		}
	})

	t.Run("unchanged budgets produce nothing", func(t *testing.T) {
		transit := budget("transit", "Transport", "120", false)
		payloads, err := Diff(plan, []budgets.Budget{groceries, transit}, Options{})
		if err != nil {
			t.Fatalf("Diff() error = %v", err)
		}
		if len(payloads) != 0 {
			t.Errorf("Diff() = %+v, expected no payloads", payloads)
		}
	})

	t.Run("updates only changed fields", func(t *testing.T) {
		transit := budget("transit", "Transport", "100", false)
		payloads, err := Diff(plan, []budgets.Budget{groceries, transit}, Options{})
		if err != nil {
			t.Fatalf("Diff() error = %v", err)
		}
		if len(payloads) != 1 {
			t.Fatalf("Diff() returned %d payloads, expected 1", len(payloads))
		}
		u, ok := payloads[0].(events.BudgetUpdated)
		if !ok {
			t.Fatalf("payloads[0] = %T, expected BudgetUpdated", payloads[0])
		}
		if u.NewAmount.Decimal.String() != "120" || u.PreviousAmount.Decimal.String() != "100" {
			t.Errorf("amounts = %s <- %s", u.NewAmount.Decimal, u.PreviousAmount.Decimal)
		}
		if u.NewPeriodType != nil || u.NewStartDate != nil {
			t.Errorf("unchanged fields set: %+v", u)
		}
		if u.Rationale == nil || *u.Rationale != "commuting pass" {
			t.Errorf("Rationale = %v", u.Rationale)
		}
	})

	t.Run("prune deletes missing budgets", func(t *testing.T) {
		transit := budget("transit", "Transport", "120", false)
		old := budget("old", "Misc", "10", false)
		gone := budget("gone", "Misc", "10", true)
		payloads, err := Diff(plan, []budgets.Budget{groceries, transit, old, gone}, Options{Prune: true})
		if err != nil {
			t.Fatalf("Diff() error = %v", err)
		}
		if len(payloads) != 1 {
			t.Fatalf("Diff() returned %d payloads, expected 1", len(payloads))
		}
		d, ok := payloads[0].(events.BudgetDeleted)
		if !ok || d.BudgetID != "old" || !d.FinalAmount.Equal(decimal.NewFromInt(10)) {
			t.Errorf("payloads[0] = %+v", payloads[0])
		}

		without, _ := Diff(plan, []budgets.Budget{groceries, transit, old}, Options{})
		if len(without) != 0 {
			t.Errorf("Diff() without prune = %+v, expected none", without)
		}
	})

	t.Run("deleted budget cannot come back", func(t *testing.T) {
		_, err := Diff(plan, []budgets.Budget{budget("transit", "Transport", "120", true)}, Options{})
		if !errors.Is(err, ErrDeletedBudget) {
			t.Errorf("Diff() error = %v, expected ErrDeletedBudget", err)
		}
	})

	t.Run("category cannot change", func(t *testing.T) {
		_, err := Diff(plan, []budgets.Budget{budget("transit", "Travel", "120", false)}, Options{})
		if err == nil || !strings.Contains(err.Error(), "category cannot change") {
			t.Errorf("Diff() error = %v", err)
		}
	})

	t.Run("falls back to default currency", func(t *testing.T) {
		bare := mustParse(t, "budgets:\n  - {id: a, category: F, period: weekly, start: 2025-01-06, amount: 5}\n")
		payloads, err := Diff(bare, nil, Options{DefaultCurrency: "CAD"})
		if err != nil {
			t.Fatalf("Diff() error = %v", err)
		}
		if c := payloads[0].(events.BudgetCreated); c.Currency != "CAD" {
			t.Errorf("Currency = %q, expected CAD", c.Currency)
		}
		if _, err := Diff(bare, nil, Options{}); err == nil {
			t.Error("Diff() without any currency error = nil")
		}
	})
}
