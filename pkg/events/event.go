// Package events defines the immutable facts stored in the ledger event log.
package events

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Type is the discriminant stored with every event.
type Type string

const (
	TypeTransactionImported            Type = "TransactionImported"
	TypeTransactionDescriptionObserved Type = "TransactionDescriptionObserved"
	TypeTransactionCategorized         Type = "TransactionCategorized"
	TypeTransactionEnriched            Type = "TransactionEnriched"
	TypeDuplicateSuggested             Type = "DuplicateSuggested"
	TypeDuplicateConfirmed             Type = "DuplicateConfirmed"
	TypeDuplicateRejected              Type = "DuplicateRejected"
	TypeBudgetCreated                  Type = "BudgetCreated"
	TypeBudgetUpdated                  Type = "BudgetUpdated"
	TypeBudgetDeleted                  Type = "BudgetDeleted"
)

// Aggregate types.
const (
	AggregateTransaction   = "transaction"
	AggregateBudget        = "budget"
	AggregateDuplicatePair = "duplicate_pair"
)

// KnownTypes lists every event type with a modeled payload.
var KnownTypes = []Type{
	TypeTransactionImported,
	TypeTransactionDescriptionObserved,
	TypeTransactionCategorized,
	TypeTransactionEnriched,
	TypeDuplicateSuggested,
	TypeDuplicateConfirmed,
	TypeDuplicateRejected,
	TypeBudgetCreated,
	TypeBudgetUpdated,
	TypeBudgetDeleted,
}

// BudgetTypes lists the event types consumed by the budget projection.
var BudgetTypes = []Type{TypeBudgetCreated, TypeBudgetUpdated, TypeBudgetDeleted}

// IsKnown reports whether t has a modeled payload.
func (t Type) IsKnown() bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event is one immutable fact. Once appended it is never mutated.
type Event struct {
	ID            string
	Type          Type
	Timestamp     time.Time
	AggregateType string
	AggregateID   string
	Metadata      map[string]string
	Payload       Payload
}

// Option customizes an event built by New.
type Option func(*Event)

// WithID overrides the generated event id.
func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// WithTimestamp overrides the event timestamp. It is stored in UTC.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) { e.Timestamp = ts.UTC() }
}

// WithMetadata merges key/value pairs into the event metadata.
func WithMetadata(md map[string]string) Option {
	return func(e *Event) {
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// WithAggregate overrides the default aggregate derived from the payload.
func WithAggregate(aggregateType, aggregateID string) Option {
	return func(e *Event) {
		e.AggregateType = aggregateType
		e.AggregateID = aggregateID
	}
}

// New builds an event around payload with a fresh id, the current time and
// the payload's natural aggregate.
func New(payload Payload, opts ...Option) Event {
	aggType, aggID := payload.aggregate()
	e := Event{
		ID:            uuid.NewString(),
		Type:          payload.EventType(),
		Timestamp:     time.Now().UTC(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Metadata:      map[string]string{},
		Payload:       payload,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// PairKey returns an order-independent key for two transaction ids.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}
