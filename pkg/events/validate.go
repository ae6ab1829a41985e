package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the layout of transaction and budget dates.
const DateLayout = "2006-01-02"

// ValidationError reports a malformed event. Events failing validation are
// never persisted.
type ValidationError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s event: %s %s", e.Type, e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks the envelope and payload of e.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return invalid("event_id", "is required")
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return invalid("event_type", "is required")
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Type: e.Type, Field: "event_timestamp", Reason: "is required"}
	}
	if strings.TrimSpace(e.AggregateType) == "" {
		return &ValidationError{Type: e.Type, Field: "aggregate_type", Reason: "is required"}
	}
	if strings.TrimSpace(e.AggregateID) == "" {
		return &ValidationError{Type: e.Type, Field: "aggregate_id", Reason: "is required"}
	}
	if e.Payload == nil {
		return &ValidationError{Type: e.Type, Field: "payload", Reason: "is required"}
	}
	if e.Payload.EventType() != e.Type {
		return &ValidationError{Type: e.Type, Field: "event_type", Reason: fmt.Sprintf("does not match payload type %s", e.Payload.EventType())}
	}
	if err := e.Payload.validate(); err != nil {
		if verr, ok := err.(*ValidationError); ok {
			verr.Type = e.Type
		}
		return err
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(field, "is required")
	}
	return nil
}

func validDate(field, value string) error {
	if err := required(field, value); err != nil {
		return err
	}
	if _, err := ParseDate(value); err != nil {
		return invalid(field, fmt.Sprintf("must be YYYY-MM-DD, got %q", value))
	}
	return nil
}

func validRatio(field string, v *float64) error {
	if v == nil {
		return nil
	}
	if *v < 0 || *v > 1 {
		return invalid(field, fmt.Sprintf("must be between 0 and 1, got %v", *v))
	}
	return nil
}

func distinct(fieldA, a, fieldB, b string) error {
	if err := required(fieldA, a); err != nil {
		return err
	}
	if err := required(fieldB, b); err != nil {
		return err
	}
	if a == b {
		return invalid(fieldB, fmt.Sprintf("must differ from %s", fieldA))
	}
	return nil
}

func nonNegative(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return invalid(field, "must not be negative")
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p TransactionImported) validate() error {
	return firstError(
		required("transaction_id", p.TransactionID),
		validDate("transaction_date", p.TransactionDate),
		required("currency", p.Currency),
	)
}

func (p TransactionDescriptionObserved) validate() error {
	return firstError(
		distinct("original_transaction_id", p.OriginalTransactionID, "new_transaction_id", p.NewTransactionID),
		validDate("transaction_date", p.TransactionDate),
		required("new_description", p.NewDescription),
	)
}

func (p TransactionCategorized) validate() error {
	if err := required("transaction_id", p.TransactionID); err != nil {
		return err
	}
	if err := required("category", p.Category); err != nil {
		return err
	}
	switch p.Source {
	case SourceUser, SourceLLM, SourceRule:
	default:
		return invalid("source", fmt.Sprintf("must be user, llm or rule, got %q", p.Source))
	}
	return validRatio("confidence", p.Confidence)
}

func (p TransactionEnriched) validate() error {
	return firstError(
		required("transaction_id", p.TransactionID),
		required("vendor", p.Vendor),
		required("enrichment_source", p.EnrichmentSource),
		validRatio("match_confidence", p.MatchConfidence),
	)
}

func (p DuplicateSuggested) validate() error {
	c := p.Confidence
	return firstError(
		distinct("transaction_id_1", p.TransactionID1, "transaction_id_2", p.TransactionID2),
		validRatio("confidence", &c),
	)
}

func (p DuplicateConfirmed) validate() error {
	return firstError(
		distinct("primary_transaction_id", p.PrimaryTransactionID, "duplicate_transaction_id", p.DuplicateTransactionID),
		required("canonical_description", p.CanonicalDescription),
	)
}

func (p DuplicateRejected) validate() error {
	return distinct("transaction_id_1", p.TransactionID1, "transaction_id_2", p.TransactionID2)
}

func (p BudgetCreated) validate() error {
	if err := firstError(
		required("budget_id", p.BudgetID),
		required("category", p.Category),
		validDate("start_date", p.StartDate),
		nonNegative("amount", p.Amount),
		required("currency", p.Currency),
	); err != nil {
		return err
	}
	if !p.PeriodType.Valid() {
		return invalid("period_type", fmt.Sprintf("unsupported period %q", p.PeriodType))
	}
	return nil
}

func (p BudgetUpdated) validate() error {
	if err := required("budget_id", p.BudgetID); err != nil {
		return err
	}
	if !p.NewAmount.Valid && p.NewPeriodType == nil && p.NewStartDate == nil {
		return invalid("new_amount", "or new_period_type or new_start_date is required")
	}
	if p.NewAmount.Valid {
		if err := nonNegative("new_amount", p.NewAmount.Decimal); err != nil {
			return err
		}
	}
	if p.NewPeriodType != nil && !p.NewPeriodType.Valid() {
		return invalid("new_period_type", fmt.Sprintf("unsupported period %q", *p.NewPeriodType))
	}
	if p.NewStartDate != nil {
		if err := validDate("new_start_date", *p.NewStartDate); err != nil {
			return err
		}
	}
	return nil
}

func (p BudgetDeleted) validate() error {
	if err := firstError(
		required("budget_id", p.BudgetID),
		validDate("final_start_date", p.FinalStartDate),
	); err != nil {
		return err
	}
	if !p.FinalPeriodType.Valid() {
		return invalid("final_period_type", fmt.Sprintf("unsupported period %q", p.FinalPeriodType))
	}
	return nil
}

func (p Opaque) validate() error {
	if p.Kind.IsKnown() {
		return invalid("event_type", "is modeled and cannot be stored as an opaque payload")
	}
	return nil
}
