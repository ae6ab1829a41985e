// Package eventstore provides the durable, sequence-numbered, append-only
// event log.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
)

// Schema defines the event log table.
const Schema = `
-- Append-only event log. Rows are never updated or deleted.
CREATE TABLE IF NOT EXISTS events (
    sequence_number INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    event_timestamp TEXT NOT NULL,     -- fixed-width UTC, see db.TimestampLayout
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    event_data TEXT NOT NULL,          -- full wire record
    recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_type
    ON events(event_type, sequence_number);

CREATE INDEX IF NOT EXISTS idx_events_aggregate
    ON events(aggregate_type, aggregate_id, sequence_number);
`

// Record is a stored event and its position in the log.
type Record struct {
	Sequence int64
	Event    events.Event
}

// Store is the event log. Appends are serialized within the process; the
// log assumes a single writer process.
type Store struct {
	conn   *db.Connection
	mu     sync.Mutex
	logger *slog.Logger
}

// Open opens (or creates) the event log at dbPath.
func Open(dbPath string) (*Store, error) {
	conn, err := db.Open(dbPath, Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	return New(conn), nil
}

// New wraps an already opened connection. The connection must have been
// opened with Schema.
func New(conn *db.Connection) *Store {
	return &Store{conn: conn, logger: slog.Default()}
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.conn.GetPath()
}

// Append validates evt and persists it, returning its sequence number.
// Malformed events fail with *events.ValidationError and are not written.
// Appending an event id that is already stored returns the existing
// sequence number without writing.
func (s *Store) Append(ctx context.Context, evt events.Event) (int64, error) {
	seqs, err := s.AppendAll(ctx, []events.Event{evt})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendAll validates every event, then appends them in order within one
// transaction. Either all events are durable on return or none are.
func (s *Store) AppendAll(ctx context.Context, evts []events.Event) ([]int64, error) {
	if len(evts) == 0 {
		return nil, nil
	}

	encoded := make([][]byte, len(evts))
	for i, evt := range evts {
		if err := evt.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		data, err := events.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		encoded[i] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]int64, len(evts))
	err := s.conn.Transaction(ctx, func(tx *sql.Tx) error {
		for i, evt := range evts {
			seq, err := insertEvent(ctx, tx, evt, encoded[i])
			if err != nil {
				return err
			}
			seqs[i] = seq
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Appended events", "count", len(evts), "last_sequence", seqs[len(seqs)-1])
	return seqs, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt events.Event, data []byte) (int64, error) {
	query := `
		INSERT INTO events (event_id, event_type, event_timestamp, aggregate_type, aggregate_id, event_data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	result, err := tx.ExecContext(ctx, query,
		evt.ID,
		string(evt.Type),
		db.FormatTimestamp(evt.Timestamp),
		evt.AggregateType,
		evt.AggregateID,
		string(data),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event %s: %w", evt.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		var seq int64
		err := tx.QueryRowContext(ctx, `SELECT sequence_number FROM events WHERE event_id = ?`, evt.ID).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("failed to look up existing event %s: %w", evt.ID, err)
		}
		return seq, nil
	}

	return result.LastInsertId()
}

// EventsByType returns every event of type t in ascending sequence order.
func (s *Store) EventsByType(ctx context.Context, t events.Type) ([]Record, error) {
	return s.query(ctx, `
		SELECT sequence_number, event_data FROM events
		WHERE event_type = ?
		ORDER BY sequence_number ASC
	`, string(t))
}

// EventsOfTypes returns every event whose type is in types, ascending.
func (s *Store) EventsOfTypes(ctx context.Context, types ...events.Type) ([]Record, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = string(t)
	}
	return s.query(ctx, `
		SELECT sequence_number, event_data FROM events
		WHERE event_type IN (`+placeholders+`)
		ORDER BY sequence_number ASC
	`, args...)
}

// EventsSince returns every event with a sequence number greater than seq,
// in ascending order.
func (s *Store) EventsSince(ctx context.Context, seq int64) ([]Record, error) {
	return s.query(ctx, `
		SELECT sequence_number, event_data FROM events
		WHERE sequence_number > ?
		ORDER BY sequence_number ASC
	`, seq)
}

// EventsForAggregate returns the events of one aggregate, ascending.
func (s *Store) EventsForAggregate(ctx context.Context, aggregateType, aggregateID string) ([]Record, error) {
	return s.query(ctx, `
		SELECT sequence_number, event_data FROM events
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY sequence_number ASC
	`, aggregateType, aggregateID)
}

// Event returns the event with the given id, or nil if it is not stored.
func (s *Store) Event(ctx context.Context, eventID string) (*Record, error) {
	records, err := s.query(ctx, `
		SELECT sequence_number, event_data FROM events
		WHERE event_id = ?
	`, eventID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// LatestSequence returns the highest sequence number, or 0 for an empty log.
func (s *Store) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest sequence number: %w", err)
	}
	return seq.Int64, nil
}

// CountByType returns the number of stored events per type.
func (s *Store) CountByType(ctx context.Context) (map[events.Type]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[events.Type]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[events.Type(t)] = n
	}
	return counts, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var seq int64
		var data string
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		evt, err := events.Unmarshal([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode event at sequence %d: %w", seq, err)
		}
		records = append(records, Record{Sequence: seq, Event: evt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return records, nil
}

// IsValidationError reports whether err was caused by a malformed event.
func IsValidationError(err error) bool {
	var verr *events.ValidationError
	return errors.As(err, &verr)
}
