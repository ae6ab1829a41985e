// Package transactions replays transaction events into the per-transaction
// projection read by reporting and review tooling.
package transactions

// Schema defines the transaction projection tables.
const Schema = `
-- One row per transaction id. Rows are hidden as duplicates, never deleted.
CREATE TABLE IF NOT EXISTS transaction_projections (
    transaction_id TEXT PRIMARY KEY,
    transaction_date TEXT NOT NULL,           -- YYYY-MM-DD
    canonical_description TEXT NOT NULL,
    description_history TEXT NOT NULL,        -- JSON array of observed descriptions
    amount TEXT NOT NULL,                     -- exact decimal string
    currency TEXT NOT NULL,
    account_id TEXT NOT NULL,
    source_file TEXT NOT NULL,
    raw_data TEXT,                            -- JSON object of the source row
    category TEXT,
    subcategory TEXT,
    categorization_source TEXT,               -- 'user', 'llm' or 'rule'
    categorization_confidence REAL,
    categorization_rationale TEXT,
    notes TEXT,
    vendor TEXT,
    service TEXT,
    invoice_number TEXT,
    tax_amount TEXT,
    tax_type TEXT,
    enrichment_currency TEXT,
    receipt_file TEXT,
    enrichment_source TEXT,
    source_email TEXT,
    match_confidence REAL,
    is_duplicate INTEGER NOT NULL DEFAULT 0,
    primary_transaction_id TEXT,
    last_event_id TEXT NOT NULL,
    updated_at TEXT NOT NULL                  -- timestamp of last_event_id
);

CREATE INDEX IF NOT EXISTS idx_transaction_projections_date
    ON transaction_projections(transaction_date, transaction_id);

CREATE INDEX IF NOT EXISTS idx_transaction_projections_primary
    ON transaction_projections(primary_transaction_id);

-- Latest duplicate review decision per unordered transaction pair
CREATE TABLE IF NOT EXISTS duplicate_decisions (
    pair_key TEXT PRIMARY KEY,
    transaction_id_1 TEXT NOT NULL,
    transaction_id_2 TEXT NOT NULL,
    decision TEXT NOT NULL,                   -- 'confirmed' or 'rejected'
    event_id TEXT NOT NULL,
    decided_at TEXT NOT NULL
);
`

const watermarkKey = "transactions.last_sequence"

const selectColumns = `
	transaction_id, transaction_date, canonical_description, description_history,
	amount, currency, account_id, source_file, raw_data,
	category, subcategory, categorization_source, categorization_confidence, categorization_rationale,
	notes, vendor, service, invoice_number, tax_amount, tax_type, enrichment_currency,
	receipt_file, enrichment_source, source_email, match_confidence,
	is_duplicate, primary_transaction_id, last_event_id, updated_at
`
