// Package config provides configuration management for the ledger.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents the application configuration.
type Config struct {
	Ledger          LedgerConfig
	DefaultCurrency string
	MetricsFile     string
	Debug           bool
}

// LedgerConfig represents the locations of the ledger datastores.
// Empty paths are derived from Root by pathutil.
type LedgerConfig struct {
	Root           string
	EventsDB       string
	TransactionsDB string
	BudgetsDB      string
	BudgetPlan     string
}

// Load loads configuration from environment variables.
// It automatically loads .env file from the current directory if available.
// You can optionally specify a custom .env file path.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		// Try to load .env from current directory (ignore error if not found)
		_ = godotenv.Load()
	}

	currency := strings.ToUpper(getEnvOrDefault("LEDGER_DEFAULT_CURRENCY", "CAD"))
	if len(currency) != 3 {
		return nil, fmt.Errorf("invalid LEDGER_DEFAULT_CURRENCY: %q is not a 3-letter code", currency)
	}

	config := &Config{
		Ledger: LedgerConfig{
			Root:           getEnvOrDefault("LEDGER_ROOT", "./ledger"),
			EventsDB:       os.Getenv("LEDGER_EVENTS_DB"),
			TransactionsDB: os.Getenv("LEDGER_TRANSACTIONS_DB"),
			BudgetsDB:      os.Getenv("LEDGER_BUDGETS_DB"),
			BudgetPlan:     os.Getenv("LEDGER_BUDGET_PLAN"),
		},
		DefaultCurrency: currency,
		MetricsFile:     os.Getenv("LEDGER_METRICS_FILE"),
		Debug:           os.Getenv("DEBUG") == "true",
	}

	return config, nil
}

// Validate validates the configuration.
// It checks if all required fields are set.
func (c *Config) Validate(required ...[]string) error {
	var missing []string

	for _, path := range required {
		if len(path) == 0 {
			continue
		}

		var value string
		switch path[0] {
		case "ledger":
			if len(path) < 2 {
				continue
			}
			switch path[1] {
			case "root":
				value = c.Ledger.Root
			case "eventsDb":
				value = c.Ledger.EventsDB
			case "transactionsDb":
				value = c.Ledger.TransactionsDB
			case "budgetsDb":
				value = c.Ledger.BudgetsDB
			case "budgetPlan":
				value = c.Ledger.BudgetPlan
			}
		case "defaultCurrency":
			value = c.DefaultCurrency
		}

		if value == "" {
			missing = append(missing, strings.Join(path, "."))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v\nPlease check your .env file or environment variables", missing)
	}

	return nil
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
