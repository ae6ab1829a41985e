// Package pathutil provides centralized path management for the ledger datastores.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// PathResolver manages paths for the event log, the projection datastores
// and the budget plan.
type PathResolver struct {
	root           string
	eventsDB       string
	transactionsDB string
	budgetsDB      string
	budgetPlan     string
}

// Config represents the configuration for PathResolver.
type Config struct {
	// Root is the directory holding all ledger files (e.g., ~/finance/ledger)
	Root string
	// EventsDB is the SQLite file of the append-only event log
	EventsDB string
	// TransactionsDB is the SQLite file of the transaction projection
	TransactionsDB string
	// BudgetsDB is the SQLite file of the budget projection
	BudgetsDB string
	// BudgetPlan is the YAML budget plan
	BudgetPlan string
}

// New creates a new PathResolver with the given configuration.
// Empty paths default to:
//   - {Root}/events.db
//   - {Root}/projections/transactions.db
//   - {Root}/projections/budgets.db
//   - {Root}/budgets.yaml
func New(config Config) *PathResolver {
	return &PathResolver{
		root:           config.Root,
		eventsDB:       orDefault(config.EventsDB, filepath.Join(config.Root, "events.db")),
		transactionsDB: orDefault(config.TransactionsDB, filepath.Join(config.Root, "projections", "transactions.db")),
		budgetsDB:      orDefault(config.BudgetsDB, filepath.Join(config.Root, "projections", "budgets.db")),
		budgetPlan:     orDefault(config.BudgetPlan, filepath.Join(config.Root, "budgets.yaml")),
	}
}

// GetRoot returns the ledger root directory.
func (p *PathResolver) GetRoot() string {
	return p.root
}

// GetEventsDBPath returns the event log file path.
func (p *PathResolver) GetEventsDBPath() string {
	return p.eventsDB
}

// GetTransactionsDBPath returns the transaction projection file path.
func (p *PathResolver) GetTransactionsDBPath() string {
	return p.transactionsDB
}

// GetBudgetsDBPath returns the budget projection file path.
func (p *PathResolver) GetBudgetsDBPath() string {
	return p.budgetsDB
}

// GetBudgetPlanPath returns the budget plan path.
func (p *PathResolver) GetBudgetPlanPath() string {
	return p.budgetPlan
}

// EnsureDir creates a directory if it doesn't exist.
// It creates all parent directories as needed (like mkdir -p).
func (p *PathResolver) EnsureDir(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dirPath, err)
	}
	return nil
}

// EnsureParentDir ensures the parent directory of a file exists.
func (p *PathResolver) EnsureParentDir(filePath string) error {
	return p.EnsureDir(filepath.Dir(filePath))
}

// FileExists checks if a file exists.
func (p *PathResolver) FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
