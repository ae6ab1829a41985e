package events

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Payload is the type-specific body of an event. The set of implementations
// is closed to this package.
type Payload interface {
	EventType() Type
	aggregate() (aggregateType, aggregateID string)
	validate() error
}

// CategorizationSource identifies who assigned a category.
type CategorizationSource string

const (
	SourceUser CategorizationSource = "user"
	SourceLLM  CategorizationSource = "llm"
	SourceRule CategorizationSource = "rule"
)

// PeriodType is the recurrence of a budget.
type PeriodType string

const (
	PeriodWeekly    PeriodType = "weekly"
	PeriodMonthly   PeriodType = "monthly"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodYearly    PeriodType = "yearly"
)

// Valid reports whether p is a supported period.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodWeekly, PeriodMonthly, PeriodQuarterly, PeriodYearly:
		return true
	}
	return false
}

// TransactionImported records the first sighting of a bank transaction.
// TransactionID is a deterministic hash of account, date, amount and
// description computed by the importer.
type TransactionImported struct {
	TransactionID   string            `json:"transaction_id"`
	TransactionDate string            `json:"transaction_date"`
	SourceFile      string            `json:"source_file"`
	SourceAccount   string            `json:"source_account"`
	RawDescription  string            `json:"raw_description"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	RawData         map[string]string `json:"raw_data,omitempty"`
}

func (TransactionImported) EventType() Type { return TypeTransactionImported }
func (p TransactionImported) aggregate() (string, string) {
	return AggregateTransaction, p.TransactionID
}

// TransactionDescriptionObserved records that a known transaction reappeared
// in a later statement under a different description, and therefore a
// different deterministic id.
type TransactionDescriptionObserved struct {
	OriginalTransactionID string          `json:"original_transaction_id"`
	NewTransactionID      string          `json:"new_transaction_id"`
	TransactionDate       string          `json:"transaction_date"`
	OriginalDescription   string          `json:"original_description"`
	NewDescription        string          `json:"new_description"`
	SourceFile            string          `json:"source_file"`
	SourceAccount         string          `json:"source_account"`
	Amount                decimal.Decimal `json:"amount"`
}

func (TransactionDescriptionObserved) EventType() Type { return TypeTransactionDescriptionObserved }
func (p TransactionDescriptionObserved) aggregate() (string, string) {
	return AggregateTransaction, p.OriginalTransactionID
}

// TransactionCategorized assigns a category to a transaction.
type TransactionCategorized struct {
	TransactionID       string               `json:"transaction_id"`
	Category            string               `json:"category"`
	Subcategory         *string              `json:"subcategory"`
	Source              CategorizationSource `json:"source"`
	Confidence          *float64             `json:"confidence"`
	PreviousCategory    *string              `json:"previous_category"`
	PreviousSubcategory *string              `json:"previous_subcategory"`
	Rationale           *string              `json:"rationale"`
}

func (TransactionCategorized) EventType() Type { return TypeTransactionCategorized }
func (p TransactionCategorized) aggregate() (string, string) {
	return AggregateTransaction, p.TransactionID
}

// TransactionEnriched attaches receipt or invoice details to a transaction.
// A later enrichment replaces every field of an earlier one.
type TransactionEnriched struct {
	TransactionID    string              `json:"transaction_id"`
	Vendor           string              `json:"vendor"`
	Service          *string             `json:"service"`
	InvoiceNumber    *string             `json:"invoice_number"`
	TaxAmount        decimal.NullDecimal `json:"tax_amount"`
	TaxType          *string             `json:"tax_type"`
	Currency         string              `json:"currency"`
	ReceiptFile      *string             `json:"receipt_file"`
	EnrichmentSource string              `json:"enrichment_source"`
	SourceEmail      *string             `json:"source_email"`
	MatchConfidence  *float64            `json:"match_confidence"`
}

func (TransactionEnriched) EventType() Type { return TypeTransactionEnriched }
func (p TransactionEnriched) aggregate() (string, string) {
	return AggregateTransaction, p.TransactionID
}

// DuplicateSuggested is a classifier's opinion about a pair. It never
// changes a projection.
type DuplicateSuggested struct {
	TransactionID1 string  `json:"transaction_id_1"`
	TransactionID2 string  `json:"transaction_id_2"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	Model          string  `json:"model"`
	PromptVersion  string  `json:"prompt_version"`
	Assessment     string  `json:"assessment"`
}

func (DuplicateSuggested) EventType() Type { return TypeDuplicateSuggested }
func (p DuplicateSuggested) aggregate() (string, string) {
	return AggregateDuplicatePair, PairKey(p.TransactionID1, p.TransactionID2)
}

// DuplicateConfirmed is a user decision that DuplicateTransactionID is the
// same economic transaction as PrimaryTransactionID.
type DuplicateConfirmed struct {
	SuggestionEventID      string  `json:"suggestion_event_id"`
	PrimaryTransactionID   string  `json:"primary_transaction_id"`
	DuplicateTransactionID string  `json:"duplicate_transaction_id"`
	CanonicalDescription   string  `json:"canonical_description"`
	UserRationale          *string `json:"user_rationale"`
	LLMWasCorrect          bool    `json:"llm_was_correct"`
}

func (DuplicateConfirmed) EventType() Type { return TypeDuplicateConfirmed }
func (p DuplicateConfirmed) aggregate() (string, string) {
	return AggregateDuplicatePair, PairKey(p.PrimaryTransactionID, p.DuplicateTransactionID)
}

// DuplicateRejected is a user decision that two transactions are distinct.
type DuplicateRejected struct {
	SuggestionEventID string  `json:"suggestion_event_id"`
	TransactionID1    string  `json:"transaction_id_1"`
	TransactionID2    string  `json:"transaction_id_2"`
	UserRationale     *string `json:"user_rationale"`
	LLMWasCorrect     bool    `json:"llm_was_correct"`
}

func (DuplicateRejected) EventType() Type { return TypeDuplicateRejected }
func (p DuplicateRejected) aggregate() (string, string) {
	return AggregateDuplicatePair, PairKey(p.TransactionID1, p.TransactionID2)
}

// BudgetCreated starts a budget.
type BudgetCreated struct {
	BudgetID    string          `json:"budget_id"`
	Category    string          `json:"category"`
	Subcategory *string         `json:"subcategory"`
	PeriodType  PeriodType      `json:"period_type"`
	StartDate   string          `json:"start_date"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

func (BudgetCreated) EventType() Type { return TypeBudgetCreated }
func (p BudgetCreated) aggregate() (string, string) {
	return AggregateBudget, p.BudgetID
}

// BudgetUpdated changes some of amount, period and start date. Unset New*
// fields keep their current value.
type BudgetUpdated struct {
	BudgetID           string              `json:"budget_id"`
	Category           string              `json:"category"`
	Subcategory        *string             `json:"subcategory"`
	NewAmount          decimal.NullDecimal `json:"new_amount"`
	PreviousAmount     decimal.NullDecimal `json:"previous_amount"`
	NewPeriodType      *PeriodType         `json:"new_period_type"`
	PreviousPeriodType *PeriodType         `json:"previous_period_type"`
	NewStartDate       *string             `json:"new_start_date"`
	PreviousStartDate  *string             `json:"previous_start_date"`
	Currency           string              `json:"currency"`
	Rationale          *string             `json:"rationale"`
}

func (BudgetUpdated) EventType() Type { return TypeBudgetUpdated }
func (p BudgetUpdated) aggregate() (string, string) {
	return AggregateBudget, p.BudgetID
}

// BudgetDeleted ends a budget. Deletion is terminal; history is kept.
type BudgetDeleted struct {
	BudgetID        string          `json:"budget_id"`
	Category        string          `json:"category"`
	Subcategory     *string         `json:"subcategory"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
	FinalPeriodType PeriodType      `json:"final_period_type"`
	FinalStartDate  string          `json:"final_start_date"`
	Currency        string          `json:"currency"`
	Rationale       *string         `json:"rationale"`
}

func (BudgetDeleted) EventType() Type { return TypeBudgetDeleted }
func (p BudgetDeleted) aggregate() (string, string) {
	return AggregateBudget, p.BudgetID
}

// Opaque carries an event type this package does not model, such as the
// prompt bookkeeping written by classifier tooling. Projections skip it.
type Opaque struct {
	Kind   Type
	Fields map[string]json.RawMessage
}

func (p Opaque) EventType() Type { return p.Kind }
func (p Opaque) aggregate() (string, string) {
	return "opaque", string(p.Kind)
}

// String returns s as a pointer, or nil when s is empty.
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Float returns f as a pointer.
func Float(f float64) *float64 {
	return &f
}

// Period returns p as a pointer.
func Period(p PeriodType) *PeriodType {
	return &p
}

// Amount returns d as a set decimal.NullDecimal.
func Amount(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NewNullDecimal(d)
}
