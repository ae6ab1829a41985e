package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/projection/transactions"
	"github.com/spf13/cobra"
)

var includeDuplicates bool

// transactionsCmd groups the transaction commands.
var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "Query the transaction projection",
}

var transactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions by date",
	Run:   runTransactionsList,
}

var transactionsShowCmd = &cobra.Command{
	Use:   "show <transaction-id>",
	Short: "Show every projected field of a transaction",
	Args:  cobra.ExactArgs(1),
	Run:   runTransactionsShow,
}

func init() {
	transactionsListCmd.Flags().BoolVar(&includeDuplicates, "include-duplicates", false, "Also list rows hidden as duplicates")

	transactionsCmd.AddCommand(transactionsListCmd)
	transactionsCmd.AddCommand(transactionsShowCmd)
}

func runTransactionsList(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	l, _, _ := openLedger(ctx)
	defer l.Close()

	list, err := l.Transactions.AllTransactions(ctx, includeDuplicates)
	exitOnError(err, "failed to list transactions")

	out := cmd.OutOrStdout()
	for _, txn := range list {
		marker := " "
		if txn.IsDuplicate {
			marker = "D"
		}
		fmt.Fprintf(out, "%s %s %12s %s  %s\n", marker, txn.TransactionDate, txn.Amount.StringFixed(2), txn.Currency, txn.CanonicalDescription)
	}
}

func runTransactionsShow(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	l, _, _ := openLedger(ctx)
	defer l.Close()

	txn, err := l.Transactions.Transaction(ctx, args[0])
	exitOnError(err, "failed to read transaction")
	if txn == nil {
		exitOnError(fmt.Errorf("transaction %s not found", args[0]), "failed to read transaction")
	}

	printTransaction(cmd.OutOrStdout(), txn)
}

func printTransaction(w io.Writer, txn *transactions.Transaction) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-22s %s\n", name+":", value)
		}
	}

	field("Transaction", txn.TransactionID)
	field("Date", txn.TransactionDate)
	field("Amount", txn.Amount.String()+" "+txn.Currency)
	field("Description", txn.CanonicalDescription)
	field("Description history", strings.Join(txn.DescriptionHistory, " | "))
	field("Account", txn.AccountID)
	field("Source file", txn.SourceFile)
	field("Category", categoryLabel(txn.Category.String, txn.Subcategory.String))
	field("Categorized by", txn.CategorizationSource.String)
	field("Vendor", txn.Vendor.String)
	field("Invoice", txn.InvoiceNumber.String)
	if txn.TaxAmount.Valid {
		field("Tax", strings.TrimSpace(txn.TaxAmount.Decimal.String()+" "+txn.TaxType.String))
	}
	field("Receipt", txn.ReceiptFile.String)
	if txn.IsDuplicate {
		field("Duplicate of", txn.PrimaryTransactionID.String)
	}
	field("Last event", txn.LastEventID)
	field("Updated", txn.UpdatedAt.Format("2006-01-02 15:04:05"))
}
