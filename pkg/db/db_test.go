package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestConnection(t *testing.T, schema string) *Connection {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"), schema)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := openTestConnection(t, "")

	value, err := GetMetadata(ctx, conn, "missing")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if value != "" {
		t.Errorf("GetMetadata(missing) = %q, expected empty", value)
	}

	if err := SetInt64Metadata(ctx, conn, "last_sequence", 41); err != nil {
		t.Fatalf("SetInt64Metadata() error = %v", err)
	}
	if err := SetInt64Metadata(ctx, conn, "last_sequence", 42); err != nil {
		t.Fatalf("SetInt64Metadata() error = %v", err)
	}
	got, err := GetInt64Metadata(ctx, conn, "last_sequence")
	if err != nil {
		t.Fatalf("GetInt64Metadata() error = %v", err)
	}
	if got != 42 {
		t.Errorf("GetInt64Metadata() = %d, expected 42", got)
	}

	if err := DeleteMetadata(ctx, conn, "last_sequence"); err != nil {
		t.Fatalf("DeleteMetadata() error = %v", err)
	}
	got, err = GetInt64Metadata(ctx, conn, "last_sequence")
	if err != nil || got != 0 {
		t.Errorf("GetInt64Metadata() after delete = %d, %v; expected 0, nil", got, err)
	}
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	conn := openTestConnection(t, `CREATE TABLE IF NOT EXISTS items (name TEXT PRIMARY KEY);`)

	boom := errors.New("boom")
	err := conn.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`); err != nil {
			return err
		}
		if err := SetMetadata(ctx, tx, "k", "v"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction() error = %v, expected boom", err)
	}

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("items after rollback = %d, expected 0", count)
	}
	if v, _ := GetMetadata(ctx, conn, "k"); v != "" {
		t.Errorf("metadata after rollback = %q, expected empty", v)
	}
}

func TestTimestampLayoutSortsLexically(t *testing.T) {
	earlier := FormatTimestamp(time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC))
	later := FormatTimestamp(time.Date(2025, 2, 1, 10, 0, 0, 5000, time.UTC))
	midnight := FormatTimestamp(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))

	if !(midnight < earlier && earlier < later) {
		t.Errorf("timestamps do not sort lexically: %s %s %s", midnight, earlier, later)
	}

	parsed, err := ParseTimestamp(later)
	if err != nil {
		t.Fatalf("ParseTimestamp() error = %v", err)
	}
	if !parsed.Equal(time.Date(2025, 2, 1, 10, 0, 0, 5000, time.UTC)) {
		t.Errorf("ParseTimestamp() = %v", parsed)
	}
}
