package transactions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/db"
)

// Transaction is one row of the transaction projection.
type Transaction struct {
	TransactionID        string
	TransactionDate      string
	CanonicalDescription string
	DescriptionHistory   []string
	Amount               decimal.Decimal
	Currency             string
	AccountID            string
	SourceFile           string
	RawData              map[string]string

	Category                 sql.NullString
	Subcategory              sql.NullString
	CategorizationSource     sql.NullString
	CategorizationConfidence sql.NullFloat64
	CategorizationRationale  sql.NullString
	Notes                    sql.NullString

	Vendor             sql.NullString
	Service            sql.NullString
	InvoiceNumber      sql.NullString
	TaxAmount          decimal.NullDecimal
	TaxType            sql.NullString
	EnrichmentCurrency sql.NullString
	ReceiptFile        sql.NullString
	EnrichmentSource   sql.NullString
	SourceEmail        sql.NullString
	MatchConfidence    sql.NullFloat64

	IsDuplicate          bool
	PrimaryTransactionID sql.NullString
	LastEventID          string
	UpdatedAt            time.Time
}

// Decision is the outcome of a duplicate review.
type Decision string

const (
	DecisionConfirmed Decision = "confirmed"
	DecisionRejected  Decision = "rejected"
)

// PairDecision is the latest review decision for a transaction pair.
type PairDecision struct {
	TransactionID1 string
	TransactionID2 string
	Decision       Decision
	EventID        string
	DecidedAt      time.Time
}

// Stats summarizes the projection.
type Stats struct {
	Total       int
	Duplicates  int
	Categorized int
	Enriched    int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s rowScanner) (*Transaction, error) {
	var txn Transaction
	var history string
	var rawData sql.NullString
	var updatedAt string

	err := s.Scan(
		&txn.TransactionID,
		&txn.TransactionDate,
		&txn.CanonicalDescription,
		&history,
		&txn.Amount,
		&txn.Currency,
		&txn.AccountID,
		&txn.SourceFile,
		&rawData,
		&txn.Category,
		&txn.Subcategory,
		&txn.CategorizationSource,
		&txn.CategorizationConfidence,
		&txn.CategorizationRationale,
		&txn.Notes,
		&txn.Vendor,
		&txn.Service,
		&txn.InvoiceNumber,
		&txn.TaxAmount,
		&txn.TaxType,
		&txn.EnrichmentCurrency,
		&txn.ReceiptFile,
		&txn.EnrichmentSource,
		&txn.SourceEmail,
		&txn.MatchConfidence,
		&txn.IsDuplicate,
		&txn.PrimaryTransactionID,
		&txn.LastEventID,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(history), &txn.DescriptionHistory); err != nil {
		return nil, fmt.Errorf("failed to decode description history of %s: %w", txn.TransactionID, err)
	}
	if rawData.Valid && rawData.String != "" {
		if err := json.Unmarshal([]byte(rawData.String), &txn.RawData); err != nil {
			return nil, fmt.Errorf("failed to decode raw data of %s: %w", txn.TransactionID, err)
		}
	}
	if txn.UpdatedAt, err = db.ParseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", txn.TransactionID, err)
	}

	return &txn, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func appendDescription(history []string, description string) []string {
	for _, d := range history {
		if d == description {
			return history
		}
	}
	return append(history, description)
}
