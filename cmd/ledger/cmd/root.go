// Package cmd provides CLI commands for the ledger.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/config"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/ledger"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/metrics"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/pathutil"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	debug       bool
	metricsFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the event-sourced finance ledger",
	Long: `ledger operates on the local event log and the projections built
from it.

It supports:
- Rebuilding the transaction and budget projections
- Inspecting the event log as JSON lines
- Applying a YAML budget plan as budget events
- Time-travel budget queries

Example:
  ledger rebuild --full
  ledger budgets apply budgets.yaml --dry-run
  ledger budgets at 2025-02-15`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger(debug))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if metricsFile == "" {
			return
		}
		if err := metrics.WriteTextfile(metricsFile); err != nil {
			slog.Warn("Failed to write metrics", "path", metricsFile, "error", err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit (default is LEDGER_METRICS_FILE)")

	// Add subcommands
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(budgetsCmd)
	rootCmd.AddCommand(transactionsCmd)
}

// newLogger builds the stderr text logger, at debug level when verbose.
func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// Helper function to get config file path.
func getConfigFile() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "" // Will use default .env loading
}

// openLedger loads the configuration and opens every datastore.
func openLedger(ctx context.Context) (*ledger.Ledger, *config.Config, *pathutil.PathResolver) {
	cfg, err := config.Load(getConfigFile())
	exitOnError(err, "failed to load configuration")

	if err := cfg.Validate([]string{"ledger", "root"}); err != nil {
		exitOnError(err, "invalid configuration")
	}
	// DEBUG from the environment or .env enables debug logging like --debug.
	if cfg.Debug && !debug {
		slog.SetDefault(newLogger(true))
	}
	if metricsFile == "" {
		metricsFile = cfg.MetricsFile
	}

	pathResolver := pathutil.New(pathutil.Config{
		Root:           cfg.Ledger.Root,
		EventsDB:       cfg.Ledger.EventsDB,
		TransactionsDB: cfg.Ledger.TransactionsDB,
		BudgetsDB:      cfg.Ledger.BudgetsDB,
		BudgetPlan:     cfg.Ledger.BudgetPlan,
	})
	if metricsFile != "" {
		exitOnError(pathResolver.EnsureParentDir(metricsFile), "failed to create metrics directory")
	}

	l, err := ledger.Open(ctx, pathResolver)
	exitOnError(err, "failed to open ledger")
	l.SetLogger(slog.Default())

	return l, cfg, pathResolver
}

// Helper function to handle errors and exit.
func exitOnError(err error, msg string) {
	if err != nil {
		slog.Error(msg, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(1)
	}
}
