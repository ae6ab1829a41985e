package cmd

import (
	"bufio"
	"fmt"
	"io"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/eventstore"
	"github.com/spf13/cobra"
)

var (
	eventType string
	sinceSeq  int64
)

// eventsCmd represents the events command.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print stored events as JSON lines",
	Long: `Print events from the log in their wire format, one JSON object per
line, in sequence order.

Example:
  ledger events --since 120
  ledger events --type BudgetCreated`,
	Run: runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventType, "type", "", "Only print events of this type")
	eventsCmd.Flags().Int64Var(&sinceSeq, "since", 0, "Only print events after this sequence number")
}

func runEvents(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	l, _, _ := openLedger(ctx)
	defer l.Close()

	var records []eventstore.Record
	var err error
	if eventType != "" {
		records, err = l.Events.EventsByType(ctx, events.Type(eventType))
	} else {
		records, err = l.Events.EventsSince(ctx, sinceSeq)
	}
	exitOnError(err, "failed to read events")

	exitOnError(writeEventLines(cmd.OutOrStdout(), records, sinceSeq), "failed to write events")
}

// writeEventLines writes the records after since as JSON lines.
func writeEventLines(w io.Writer, records []eventstore.Record, since int64) error {
	out := bufio.NewWriter(w)
	for _, rec := range records {
		if rec.Sequence <= since {
			continue
		}
		data, err := events.Marshal(rec.Event)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", rec.Event.ID, err)
		}
		out.Write(data)
		out.WriteByte('\n')
	}
	return out.Flush()
}
