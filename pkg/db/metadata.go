package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// MetadataSchema is created in every datastore. It stores key/value
// bookkeeping such as projection watermarks.
const MetadataSchema = `
CREATE TABLE IF NOT EXISTS ledger_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// GetMetadata retrieves a metadata value. Returns "" when the key is unset.
func GetMetadata(ctx context.Context, q Querier, key string) (string, error) {
	query := `SELECT value FROM ledger_metadata WHERE key = ?`

	var value string
	err := q.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata %s: %w", key, err)
	}

	return value, nil
}

// SetMetadata sets a metadata value.
func SetMetadata(ctx context.Context, q Querier, key, value string) error {
	query := `
		INSERT INTO ledger_metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := q.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}

	return nil
}

// DeleteMetadata removes a metadata key.
func DeleteMetadata(ctx context.Context, q Querier, key string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM ledger_metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete metadata %s: %w", key, err)
	}
	return nil
}

// GetInt64Metadata retrieves an integer metadata value, 0 when unset.
func GetInt64Metadata(ctx context.Context, q Querier, key string) (int64, error) {
	value, err := GetMetadata(ctx, q, key)
	if err != nil || value == "" {
		return 0, err
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for metadata %s: %s", key, value)
	}
	return parsed, nil
}

// SetInt64Metadata stores an integer metadata value.
func SetInt64Metadata(ctx context.Context, q Querier, key string, value int64) error {
	return SetMetadata(ctx, q, key, strconv.FormatInt(value, 10))
}
