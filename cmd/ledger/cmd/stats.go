package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/ledger"
	"github.com/spf13/cobra"
)

// statsCmd represents the stats command.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display ledger statistics",
	Long: `Display statistics about the event log and its projections.

Shows:
- Latest sequence number and events per type
- How far the transaction projection has caught up
- Transaction and budget row counts

Example:
  ledger stats`,
	Run: runStats,
}

func runStats(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	l, _, pathResolver := openLedger(ctx)
	defer l.Close()

	slog.Debug("Reading ledger status", "root", pathResolver.GetRoot(), "events", pathResolver.GetEventsDBPath())
	status, err := l.Status(ctx)
	exitOnError(err, "failed to get statistics")

	printStatus(cmd.OutOrStdout(), status)
}

func printStatus(w io.Writer, status *ledger.Status) {
	fmt.Fprintln(w, "\n=== Event Log ===")
	fmt.Fprintf(w, "Latest sequence:       %d\n", status.LatestSequence)
	types := make([]string, 0, len(status.EventCounts))
	for t := range status.EventCounts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-30s %d\n", t, status.EventCounts[events.Type(t)])
	}

	fmt.Fprintln(w, "\n=== Transactions ===")
	fmt.Fprintf(w, "Projected sequence:    %d\n", status.TransactionSequence)
	fmt.Fprintf(w, "Total transactions:    %d\n", status.Transactions.Total)
	fmt.Fprintf(w, "Duplicates:            %d\n", status.Transactions.Duplicates)
	fmt.Fprintf(w, "Categorized:           %d\n", status.Transactions.Categorized)
	fmt.Fprintf(w, "Enriched:              %d\n", status.Transactions.Enriched)

	fmt.Fprintln(w, "\n=== Budgets ===")
	fmt.Fprintf(w, "Last applied event:    %s\n", orNone(status.BudgetLastEventID))
	fmt.Fprintf(w, "Active budgets:        %d\n", status.Budgets.Active)
	fmt.Fprintf(w, "Deleted budgets:       %d\n", status.Budgets.Deleted)
	fmt.Fprintf(w, "History entries:       %d\n", status.Budgets.HistoryEntries)

	if status.Behind() {
		fmt.Fprintf(w, "\nProjections are behind the log; run `ledger rebuild`.\n")
	}
	fmt.Fprintln(w)
}
