package transactions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/eventstore"
)

// Source is the part of the event log the builder replays from.
type Source interface {
	EventsSince(ctx context.Context, seq int64) ([]eventstore.Record, error)
}

// Builder maintains the transaction projection.
type Builder struct {
	conn *db.Connection
	// mu serializes rebuilds from the watermark read through the commit.
	mu     sync.Mutex
	logger *slog.Logger
}

// Open opens (or creates) the transaction projection datastore at dbPath.
func Open(dbPath string) (*Builder, error) {
	conn, err := db.Open(dbPath, Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction projection: %w", err)
	}
	return New(conn), nil
}

// New wraps a connection opened with Schema.
func New(conn *db.Connection) *Builder {
	return &Builder{conn: conn, logger: slog.Default()}
}

// SetLogger replaces the builder logger.
func (b *Builder) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Close closes the projection datastore.
func (b *Builder) Close() error {
	return b.conn.Close()
}

// RebuildFromScratch clears the projection and replays every event in the
// log. It returns the number of events examined, including skipped ones.
func (b *Builder) RebuildFromScratch(ctx context.Context, src Source) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := src.EventsSince(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load events: %w", err)
	}

	err = b.conn.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transaction_projections`); err != nil {
			return fmt.Errorf("failed to clear transaction projections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM duplicate_decisions`); err != nil {
			return fmt.Errorf("failed to clear duplicate decisions: %w", err)
		}
		return b.applyAll(ctx, tx, records, 0)
	})
	if err != nil {
		return 0, err
	}

	b.logger.Info("Rebuilt transaction projection", "events", len(records))
	return len(records), nil
}

// RebuildIncremental applies the events appended since the last processed
// sequence. It returns 0 when the projection is already current.
func (b *Builder) RebuildIncremental(ctx context.Context, src Source) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, err := b.CurrentSequence(ctx)
	if err != nil {
		return 0, err
	}

	records, err := src.EventsSince(ctx, last)
	if err != nil {
		return 0, fmt.Errorf("failed to load events since %d: %w", last, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	var applied int
	err = b.conn.Transaction(ctx, func(tx *sql.Tx) error {
		current, err := db.GetInt64Metadata(ctx, tx, watermarkKey)
		if err != nil {
			return err
		}
		pending := unprocessed(records, current)
		applied = len(pending)
		if applied == 0 {
			return nil
		}
		return b.applyAll(ctx, tx, pending, current)
	})
	if err != nil {
		return 0, err
	}

	if applied > 0 {
		b.logger.Debug("Updated transaction projection", "events", applied, "sequence", records[len(records)-1].Sequence)
	}
	return applied, nil
}

// unprocessed drops the records at or below the watermark.
func unprocessed(records []eventstore.Record, watermark int64) []eventstore.Record {
	for i, rec := range records {
		if rec.Sequence > watermark {
			return records[i:]
		}
	}
	return nil
}

// CurrentSequence returns the sequence number of the last processed event.
func (b *Builder) CurrentSequence(ctx context.Context) (int64, error) {
	return db.GetInt64Metadata(ctx, b.conn, watermarkKey)
}

func (b *Builder) applyAll(ctx context.Context, tx *sql.Tx, records []eventstore.Record, watermark int64) error {
	for _, rec := range records {
		if err := b.apply(ctx, tx, rec.Event); err != nil {
			return fmt.Errorf("failed to apply event %s at sequence %d: %w", rec.Event.ID, rec.Sequence, err)
		}
		watermark = rec.Sequence
	}
	return db.SetInt64Metadata(ctx, tx, watermarkKey, watermark)
}

func (b *Builder) apply(ctx context.Context, tx *sql.Tx, evt events.Event) error {
	switch p := evt.Payload.(type) {
	case events.TransactionImported:
		return b.applyImported(ctx, tx, evt, p)
	case events.TransactionDescriptionObserved:
		return b.applyDescriptionObserved(ctx, tx, evt, p)
	case events.DuplicateConfirmed:
		return b.applyDuplicateConfirmed(ctx, tx, evt, p)
	case events.DuplicateRejected:
		return b.applyDuplicateRejected(ctx, tx, evt, p)
	case events.TransactionCategorized:
		return b.applyCategorized(ctx, tx, evt, p)
	case events.TransactionEnriched:
		return b.applyEnriched(ctx, tx, evt, p)
	case events.DuplicateSuggested,
		events.BudgetCreated,
		events.BudgetUpdated,
		events.BudgetDeleted,
		events.Opaque:
		return nil
	default:
		b.logger.Debug("Skipping unsupported event", "event_id", evt.ID, "event_type", evt.Type)
		return nil
	}
}

// applyImported inserts a new row. Re-importing a known id is a no-op.
func (b *Builder) applyImported(ctx context.Context, tx *sql.Tx, evt events.Event, p events.TransactionImported) error {
	history, err := json.Marshal([]string{p.RawDescription})
	if err != nil {
		return err
	}
	var rawData sql.NullString
	if len(p.RawData) > 0 {
		data, err := json.Marshal(p.RawData)
		if err != nil {
			return err
		}
		rawData = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO transaction_projections (
			transaction_id, transaction_date, canonical_description, description_history,
			amount, currency, account_id, source_file, raw_data,
			is_duplicate, last_event_id, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`
	_, err = tx.ExecContext(ctx, query,
		p.TransactionID,
		p.TransactionDate,
		p.RawDescription,
		string(history),
		p.Amount.String(),
		p.Currency,
		p.SourceAccount,
		p.SourceFile,
		rawData,
		evt.ID,
		db.FormatTimestamp(evt.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", p.TransactionID, err)
	}
	return nil
}

// applyDescriptionObserved moves the canonical description of the original
// row and hides an independently imported copy under the new id.
func (b *Builder) applyDescriptionObserved(ctx context.Context, tx *sql.Tx, evt events.Event, p events.TransactionDescriptionObserved) error {
	original, err := b.load(ctx, tx, p.OriginalTransactionID)
	if err != nil {
		return err
	}
	if original == nil {
		b.skipDangling(evt, p.OriginalTransactionID)
		return nil
	}

	history, err := json.Marshal(appendDescription(original.DescriptionHistory, p.NewDescription))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE transaction_projections
		SET canonical_description = ?, description_history = ?, last_event_id = ?, updated_at = ?
		WHERE transaction_id = ?
	`, p.NewDescription, string(history), evt.ID, db.FormatTimestamp(evt.Timestamp), p.OriginalTransactionID)
	if err != nil {
		return fmt.Errorf("failed to update description of %s: %w", p.OriginalTransactionID, err)
	}

	return b.markDuplicate(ctx, tx, evt, p.NewTransactionID, p.OriginalTransactionID)
}

func (b *Builder) applyDuplicateConfirmed(ctx context.Context, tx *sql.Tx, evt events.Event, p events.DuplicateConfirmed) error {
	for _, id := range []string{p.PrimaryTransactionID, p.DuplicateTransactionID} {
		row, err := b.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			b.skipDangling(evt, id)
			return nil
		}
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE transaction_projections
		SET canonical_description = ?, is_duplicate = 0, primary_transaction_id = NULL,
			last_event_id = ?, updated_at = ?
		WHERE transaction_id = ?
	`, p.CanonicalDescription, evt.ID, db.FormatTimestamp(evt.Timestamp), p.PrimaryTransactionID)
	if err != nil {
		return fmt.Errorf("failed to update primary %s: %w", p.PrimaryTransactionID, err)
	}

	if err := b.markDuplicate(ctx, tx, evt, p.DuplicateTransactionID, p.PrimaryTransactionID); err != nil {
		return err
	}
	return b.recordDecision(ctx, tx, evt, p.PrimaryTransactionID, p.DuplicateTransactionID, DecisionConfirmed)
}

// applyDuplicateRejected only touches last_event_id; both rows stay
// independent.
func (b *Builder) applyDuplicateRejected(ctx context.Context, tx *sql.Tx, evt events.Event, p events.DuplicateRejected) error {
	for _, id := range []string{p.TransactionID1, p.TransactionID2} {
		result, err := tx.ExecContext(ctx, `
			UPDATE transaction_projections SET last_event_id = ?, updated_at = ?
			WHERE transaction_id = ?
		`, evt.ID, db.FormatTimestamp(evt.Timestamp), id)
		if err != nil {
			return fmt.Errorf("failed to touch %s: %w", id, err)
		}
		ok, err := touched(result)
		if err != nil {
			return err
		}
		if !ok {
			b.skipDangling(evt, id)
		}
	}
	return b.recordDecision(ctx, tx, evt, p.TransactionID1, p.TransactionID2, DecisionRejected)
}

func (b *Builder) applyCategorized(ctx context.Context, tx *sql.Tx, evt events.Event, p events.TransactionCategorized) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE transaction_projections
		SET category = ?, subcategory = ?, categorization_source = ?,
			categorization_confidence = ?, categorization_rationale = ?,
			last_event_id = ?, updated_at = ?
		WHERE transaction_id = ?
	`,
		p.Category,
		nullString(p.Subcategory),
		string(p.Source),
		nullFloat(p.Confidence),
		nullString(p.Rationale),
		evt.ID,
		db.FormatTimestamp(evt.Timestamp),
		p.TransactionID,
	)
	if err != nil {
		return fmt.Errorf("failed to categorize %s: %w", p.TransactionID, err)
	}
	ok, err := touched(result)
	if err != nil {
		return err
	}
	if !ok {
		b.skipDangling(evt, p.TransactionID)
	}
	return nil
}

// applyEnriched replaces every enrichment field; fields absent from the
// event become NULL.
func (b *Builder) applyEnriched(ctx context.Context, tx *sql.Tx, evt events.Event, p events.TransactionEnriched) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE transaction_projections
		SET vendor = ?, service = ?, invoice_number = ?, tax_amount = ?, tax_type = ?,
			enrichment_currency = ?, receipt_file = ?, enrichment_source = ?,
			source_email = ?, match_confidence = ?,
			last_event_id = ?, updated_at = ?
		WHERE transaction_id = ?
	`,
		p.Vendor,
		nullString(p.Service),
		nullString(p.InvoiceNumber),
		p.TaxAmount,
		nullString(p.TaxType),
		nullString(events.String(p.Currency)),
		nullString(p.ReceiptFile),
		p.EnrichmentSource,
		nullString(p.SourceEmail),
		nullFloat(p.MatchConfidence),
		evt.ID,
		db.FormatTimestamp(evt.Timestamp),
		p.TransactionID,
	)
	if err != nil {
		return fmt.Errorf("failed to enrich %s: %w", p.TransactionID, err)
	}
	ok, err := touched(result)
	if err != nil {
		return err
	}
	if !ok {
		b.skipDangling(evt, p.TransactionID)
	}
	return nil
}

// touched reports whether an UPDATE matched a row.
func touched(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// markDuplicate hides duplicateID behind primaryID when both rows exist.
func (b *Builder) markDuplicate(ctx context.Context, tx *sql.Tx, evt events.Event, duplicateID, primaryID string) error {
	if duplicateID == primaryID {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE transaction_projections
		SET is_duplicate = 1, primary_transaction_id = ?, last_event_id = ?, updated_at = ?
		WHERE transaction_id = ?
		  AND EXISTS (SELECT 1 FROM transaction_projections WHERE transaction_id = ?)
	`, primaryID, evt.ID, db.FormatTimestamp(evt.Timestamp), duplicateID, primaryID)
	if err != nil {
		return fmt.Errorf("failed to mark %s as duplicate of %s: %w", duplicateID, primaryID, err)
	}
	return nil
}

func (b *Builder) recordDecision(ctx context.Context, tx *sql.Tx, evt events.Event, id1, id2 string, decision Decision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO duplicate_decisions (pair_key, transaction_id_1, transaction_id_2, decision, event_id, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair_key) DO UPDATE SET
			transaction_id_1 = excluded.transaction_id_1,
			transaction_id_2 = excluded.transaction_id_2,
			decision = excluded.decision,
			event_id = excluded.event_id,
			decided_at = excluded.decided_at
	`, events.PairKey(id1, id2), id1, id2, string(decision), evt.ID, db.FormatTimestamp(evt.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record %s decision: %w", decision, err)
	}
	return nil
}

func (b *Builder) load(ctx context.Context, q db.Querier, id string) (*Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM transaction_projections WHERE transaction_id = ?`, id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
	}
	return txn, nil
}

func (b *Builder) skipDangling(evt events.Event, transactionID string) {
	b.logger.Debug("Skipping event for unknown transaction",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"transaction_id", transactionID,
	)
}
