package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var fullRebuild bool

// rebuildCmd represents the rebuild command.
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Bring the projections up to date with the event log",
	Long: `Apply the events appended since the last rebuild to the transaction
and budget projections. With --full both projections are cleared and every
event is replayed.

Example:
  ledger rebuild
  ledger rebuild --full`,
	Run: runRebuild,
}

func init() {
	rebuildCmd.Flags().BoolVar(&fullRebuild, "full", false, "Clear the projections and replay the whole log")
}

func runRebuild(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	slog.Info("Starting rebuild", "full", fullRebuild)

	l, _, _ := openLedger(ctx)
	defer l.Close()

	exitOnError(l.Rebuild(ctx, fullRebuild), "failed to rebuild projections")

	status, err := l.Status(ctx)
	exitOnError(err, "failed to get ledger status")

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Transaction projection at sequence %d of %d\n", status.TransactionSequence, status.LatestSequence)
	fmt.Fprintf(out, "Budget projection at event %s\n", orNone(status.BudgetLastEventID))

	slog.Info("Rebuild completed", "sequence", status.TransactionSequence)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
