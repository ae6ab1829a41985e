package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a stored record cannot be decoded.
var ErrMalformed = errors.New("malformed event record")

// envelope holds the fields shared by every wire record.
type envelope struct {
	EventID        string            `json:"event_id"`
	EventType      Type              `json:"event_type"`
	EventTimestamp time.Time         `json:"event_timestamp"`
	AggregateType  string            `json:"aggregate_type"`
	AggregateID    string            `json:"aggregate_id"`
	Metadata       map[string]string `json:"metadata"`
}

var envelopeKeys = []string{"event_id", "event_type", "event_timestamp", "aggregate_type", "aggregate_id", "metadata"}

// Marshal encodes e as one flat JSON object: the envelope keys plus the
// payload's own fields. Amounts are written as decimal strings.
func Marshal(e Event) ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	switch p := e.Payload.(type) {
	case nil:
		return nil, fmt.Errorf("failed to marshal event %s: payload is nil", e.ID)
	case Opaque:
		for k, v := range p.Fields {
			fields[k] = v
		}
	default:
		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("failed to flatten %s payload: %w", e.Type, err)
		}
	}

	md := e.Metadata
	if md == nil {
		md = map[string]string{}
	}
	env := map[string]any{
		"event_id":        e.ID,
		"event_type":      e.Type,
		"event_timestamp": e.Timestamp.UTC(),
		"aggregate_type":  e.AggregateType,
		"aggregate_id":    e.AggregateID,
		"metadata":        md,
	}
	for k, v := range env {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", k, err)
		}
		fields[k] = raw
	}

	return json.Marshal(fields)
}

// Unmarshal decodes a record written by Marshal. Event types without a
// modeled payload decode into Opaque.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.EventType == "" {
		return Event{}, fmt.Errorf("%w: missing event_type", ErrMalformed)
	}

	payload, err := decodePayload(env.EventType, data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.EventType, err)
	}

	md := env.Metadata
	if md == nil {
		md = map[string]string{}
	}
	return Event{
		ID:            env.EventID,
		Type:          env.EventType,
		Timestamp:     env.EventTimestamp.UTC(),
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		Metadata:      md,
		Payload:       payload,
	}, nil
}

func decodePayload(t Type, data []byte) (Payload, error) {
	switch t {
	case TypeTransactionImported:
		return decodeAs[TransactionImported](data)
	case TypeTransactionDescriptionObserved:
		return decodeAs[TransactionDescriptionObserved](data)
	case TypeTransactionCategorized:
		return decodeAs[TransactionCategorized](data)
	case TypeTransactionEnriched:
		return decodeAs[TransactionEnriched](data)
	case TypeDuplicateSuggested:
		return decodeAs[DuplicateSuggested](data)
	case TypeDuplicateConfirmed:
		return decodeAs[DuplicateConfirmed](data)
	case TypeDuplicateRejected:
		return decodeAs[DuplicateRejected](data)
	case TypeBudgetCreated:
		return decodeAs[BudgetCreated](data)
	case TypeBudgetUpdated:
		return decodeAs[BudgetUpdated](data)
	case TypeBudgetDeleted:
		return decodeAs[BudgetDeleted](data)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, k := range envelopeKeys {
		delete(fields, k)
	}
	return Opaque{Kind: t, Fields: fields}, nil
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
