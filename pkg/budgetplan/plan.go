// Package budgetplan reads a desired set of budgets from YAML and works out
// the budget events that bring the budget projection in line with it.
package budgetplan

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"gopkg.in/yaml.v3"
)

// Plan is the desired budget configuration.
type Plan struct {
	Currency string  `yaml:"currency"`
	Budgets  []Entry `yaml:"budgets"`
}

// Entry is one desired budget.
type Entry struct {
	ID          string            `yaml:"id"`
	Category    string            `yaml:"category"`
	Subcategory string            `yaml:"subcategory"`
	Period      events.PeriodType `yaml:"period"`
	Start       string            `yaml:"start"`
	Amount      Amount            `yaml:"amount"`
	Currency    string            `yaml:"currency"`
	Rationale   string            `yaml:"rationale"`
}

// Amount is an exact decimal read from a YAML scalar. Both `amount: 400.50`
// and `amount: "400.50"` are accepted without going through float64.
type Amount struct {
	decimal.Decimal
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a number", node.Line)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid amount %q: %w", node.Line, node.Value, err)
	}
	a.Decimal = d
	return nil
}

// Load reads and validates the plan at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read budget plan: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML plan.
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks every entry of the plan.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Budgets))
	for i, e := range p.Budgets {
		label := fmt.Sprintf("budget %d", i+1)
		if e.ID != "" {
			label = fmt.Sprintf("budget %q", e.ID)
		}

		switch {
		case strings.TrimSpace(e.ID) == "":
			return fmt.Errorf("%s: id is required", label)
		case seen[e.ID]:
			return fmt.Errorf("%s: duplicate id", label)
		case strings.TrimSpace(e.Category) == "":
			return fmt.Errorf("%s: category is required", label)
		case !e.Period.Valid():
			return fmt.Errorf("%s: unsupported period %q", label, e.Period)
		case e.Amount.IsNegative():
			return fmt.Errorf("%s: amount must not be negative", label)
		}
		if _, err := events.ParseDate(e.Start); err != nil {
			return fmt.Errorf("%s: start must be YYYY-MM-DD, got %q", label, e.Start)
		}
		seen[e.ID] = true
	}
	return nil
}

// currency returns the entry currency, falling back to the plan currency and
// then to fallback.
func (p *Plan) currency(e Entry, fallback string) string {
	switch {
	case e.Currency != "":
		return e.Currency
	case p.Currency != "":
		return p.Currency
	}
	return fallback
}
