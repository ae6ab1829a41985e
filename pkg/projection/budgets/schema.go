// Package budgets replays budget events into a current-state table and an
// interval history that answers "what was the budget on date D".
package budgets

// Schema defines the budget projection tables.
const Schema = `
-- Current state per budget. Deleted budgets are kept with is_deleted = 1.
CREATE TABLE IF NOT EXISTS budgets (
    budget_id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    subcategory TEXT,
    period_type TEXT NOT NULL,
    start_date TEXT NOT NULL,                 -- YYYY-MM-DD
    amount TEXT NOT NULL,                     -- exact decimal string
    currency TEXT NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    last_event_id TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_budgets_category ON budgets(category, subcategory);

-- One row per applied event. A row is open while end_date is NULL.
CREATE TABLE IF NOT EXISTS budget_history (
    history_id INTEGER PRIMARY KEY AUTOINCREMENT,
    budget_id TEXT NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    category TEXT NOT NULL,
    subcategory TEXT,
    period_type TEXT NOT NULL,
    start_date TEXT NOT NULL,                 -- YYYY-MM-DD
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    rationale TEXT,
    recorded_at TEXT NOT NULL,                -- event timestamp
    end_date TEXT                             -- timestamp of the closing event
);

-- Every budget event examined by a rebuild, applied or skipped
CREATE TABLE IF NOT EXISTS budget_examined_events (
    event_id TEXT PRIMARY KEY
);

CREATE INDEX IF NOT EXISTS idx_budget_history_budget ON budget_history(budget_id, history_id);
CREATE INDEX IF NOT EXISTS idx_budget_history_interval ON budget_history(start_date, end_date);
`

const watermarkKey = "budgets.last_event_id"

const budgetColumns = `
	budget_id, category, subcategory, period_type, start_date, amount, currency,
	is_deleted, last_event_id, updated_at
`

const historyColumns = `
	history_id, budget_id, event_id, event_type, category, subcategory, period_type,
	start_date, amount, currency, rationale, recorded_at, end_date
`
