package transactions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
)

// Transaction returns the projection row for id, or nil if there is none.
func (b *Builder) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return b.load(ctx, b.conn, id)
}

// AllTransactions returns every row ordered by date then id. Rows marked as
// duplicates are excluded unless includeDuplicates is set.
func (b *Builder) AllTransactions(ctx context.Context, includeDuplicates bool) ([]Transaction, error) {
	query := `SELECT ` + selectColumns + ` FROM transaction_projections`
	if !includeDuplicates {
		query += ` WHERE is_duplicate = 0`
	}
	query += ` ORDER BY transaction_date ASC, transaction_id ASC`

	return b.list(ctx, query)
}

// DuplicatesOf returns the rows hidden behind primaryID.
func (b *Builder) DuplicatesOf(ctx context.Context, primaryID string) ([]Transaction, error) {
	return b.list(ctx, `
		SELECT `+selectColumns+` FROM transaction_projections
		WHERE is_duplicate = 1 AND primary_transaction_id = ?
		ORDER BY transaction_date ASC, transaction_id ASC
	`, primaryID)
}

// PairDecision returns the latest duplicate review decision for the pair,
// or nil if the pair was never reviewed.
func (b *Builder) PairDecision(ctx context.Context, id1, id2 string) (*PairDecision, error) {
	var d PairDecision
	var decision, decidedAt string

	err := b.conn.QueryRowContext(ctx, `
		SELECT transaction_id_1, transaction_id_2, decision, event_id, decided_at
		FROM duplicate_decisions
		WHERE pair_key = ?
	`, events.PairKey(id1, id2)).Scan(&d.TransactionID1, &d.TransactionID2, &decision, &d.EventID, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pair decision: %w", err)
	}

	d.Decision = Decision(decision)
	if d.DecidedAt, err = db.ParseTimestamp(decidedAt); err != nil {
		return nil, fmt.Errorf("failed to parse decided_at: %w", err)
	}
	return &d, nil
}

// Stats returns row counts for the projection.
func (b *Builder) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats

	err := b.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(is_duplicate), 0),
			COALESCE(SUM(CASE WHEN category IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN vendor IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM transaction_projections
	`).Scan(&stats.Total, &stats.Duplicates, &stats.Categorized, &stats.Enriched)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction stats: %w", err)
	}

	return &stats, nil
}

func (b *Builder) list(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := b.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var result []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}

	return result, nil
}
