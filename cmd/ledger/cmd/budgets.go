package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shunichi-ikebuchi/finance-ledger/pkg/budgetplan"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/events"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/ledger"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/pathutil"
	"github.com/shunichi-ikebuchi/finance-ledger/pkg/projection/budgets"
	"github.com/spf13/cobra"
)

var (
	pruneBudgets   bool
	dryRun         bool
	budgetCategory string
)

// budgetsCmd groups the budget commands.
var budgetsCmd = &cobra.Command{
	Use:   "budgets",
	Short: "Manage and query budgets",
}

var budgetsApplyCmd = &cobra.Command{
	Use:   "apply [plan]",
	Short: "Record the budget events needed to match a YAML plan",
	Long: `Compare a YAML budget plan with the budget projection and record
BudgetCreated, BudgetUpdated and (with --prune) BudgetDeleted events.
Without an argument the plan at LEDGER_BUDGET_PLAN or {root}/budgets.yaml
is used.

Example:
  ledger budgets apply budgets.yaml --dry-run
  ledger budgets apply --prune`,
	Args: cobra.MaximumNArgs(1),
	Run:  runBudgetsApply,
}

var budgetsWatchCmd = &cobra.Command{
	Use:   "watch [plan]",
	Short: "Apply a YAML budget plan every time it changes",
	Long: `Apply the budget plan once, then keep watching the file and apply it
again after every save. Stop with Ctrl-C.

Example:
  ledger budgets watch budgets.yaml --prune`,
	Args: cobra.MaximumNArgs(1),
	Run:  runBudgetsWatch,
}

var budgetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current budgets",
	Run:   runBudgetsList,
}

var budgetsAtCmd = &cobra.Command{
	Use:   "at <YYYY-MM-DD>",
	Short: "List the budgets in force on a date",
	Args:  cobra.ExactArgs(1),
	Run:   runBudgetsAt,
}

var budgetsHistoryCmd = &cobra.Command{
	Use:   "history <budget-id>",
	Short: "Show every recorded state of a budget",
	Args:  cobra.ExactArgs(1),
	Run:   runBudgetsHistory,
}

func init() {
	budgetsApplyCmd.Flags().BoolVar(&pruneBudgets, "prune", false, "Delete active budgets missing from the plan")
	budgetsApplyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Dry run mode (print events, do not record them)")
	budgetsWatchCmd.Flags().BoolVar(&pruneBudgets, "prune", false, "Delete active budgets missing from the plan")

	budgetsListCmd.Flags().StringVar(&budgetCategory, "category", "", "Only list budgets of this category")
	budgetsAtCmd.Flags().StringVar(&budgetCategory, "category", "", "Only list budgets of this category")

	budgetsCmd.AddCommand(budgetsApplyCmd)
	budgetsCmd.AddCommand(budgetsWatchCmd)
	budgetsCmd.AddCommand(budgetsListCmd)
	budgetsCmd.AddCommand(budgetsAtCmd)
	budgetsCmd.AddCommand(budgetsHistoryCmd)
}

func runBudgetsApply(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	l, cfg, pathResolver := openLedger(ctx)
	defer l.Close()

	planPath := planPathArg(pathResolver, args)
	slog.Info("Applying budget plan", "path", planPath, "prune", pruneBudgets, "dry_run", dryRun)

	plan, err := budgetplan.Load(planPath)
	exitOnError(err, "failed to load budget plan")

	exitOnError(applyPlan(ctx, l, plan, cfg.DefaultCurrency, cmd.OutOrStdout()), "failed to apply budget plan")
}

func runBudgetsWatch(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, cfg, pathResolver := openLedger(ctx)
	defer l.Close()

	planPath := planPathArg(pathResolver, args)
	out := cmd.OutOrStdout()

	plan, err := budgetplan.Load(planPath)
	exitOnError(err, "failed to load budget plan")
	exitOnError(applyPlan(ctx, l, plan, cfg.DefaultCurrency, out), "failed to apply budget plan")

	slog.Info("Watching budget plan", "path", planPath, "prune", pruneBudgets)
	err = budgetplan.Watch(ctx, planPath, slog.Default(), func(plan *budgetplan.Plan) error {
		if err := applyPlan(ctx, l, plan, cfg.DefaultCurrency, out); err != nil {
			// A plan that conflicts with the log is reported and the watch goes on.
			slog.Error("Failed to apply budget plan", "path", planPath, "error", err)
		}
		return nil
	})
	exitOnError(err, "failed to watch budget plan")
}

func planPathArg(pathResolver *pathutil.PathResolver, args []string) string {
	planPath := pathResolver.GetBudgetPlanPath()
	if len(args) > 0 {
		planPath = args[0]
	}
	if !pathResolver.FileExists(planPath) {
		exitOnError(fmt.Errorf("%s does not exist", planPath), "failed to find budget plan")
	}
	return planPath
}

// applyPlan records the events that bring the budget projection to plan.
func applyPlan(ctx context.Context, l *ledger.Ledger, plan *budgetplan.Plan, defaultCurrency string, out io.Writer) error {
	// Catch up first so the diff sees every recorded budget event.
	if _, err := l.Budgets.RebuildIncremental(ctx, l.Events, ""); err != nil {
		return fmt.Errorf("failed to update budget projection: %w", err)
	}

	current, err := l.Budgets.AllBudgets(ctx)
	if err != nil {
		return err
	}

	payloads, err := budgetplan.Diff(plan, current, budgetplan.Options{
		Prune:           pruneBudgets,
		DefaultCurrency: defaultCurrency,
	})
	if err != nil {
		return err
	}

	if len(payloads) == 0 {
		fmt.Fprintln(out, "Budgets already match the plan")
		return nil
	}

	if dryRun {
		for _, p := range payloads {
			fmt.Fprintf(out, "[DRY RUN] %s\n", describePayload(p))
		}
		return nil
	}

	recorded, err := l.RecordPayloads(ctx, payloads...)
	if err != nil {
		return err
	}
	for _, evt := range recorded {
		fmt.Fprintf(out, "%s (%s)\n", describePayload(evt.Payload), evt.ID)
	}

	slog.Info("Budget plan applied", "events", len(recorded))
	return nil
}

func runBudgetsList(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	l, _, _ := openLedger(ctx)
	defer l.Close()

	list, err := l.Budgets.ActiveBudgets(ctx, budgets.Filter{Category: budgetCategory})
	exitOnError(err, "failed to list budgets")
	printBudgets(cmd.OutOrStdout(), list)
}

func runBudgetsAt(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	date, err := events.ParseDate(args[0])
	exitOnError(err, "invalid date")

	l, _, _ := openLedger(ctx)
	defer l.Close()

	list, err := l.Budgets.BudgetsAt(ctx, date, budgetCategory)
	exitOnError(err, "failed to query budgets")
	printBudgets(cmd.OutOrStdout(), list)
}

func runBudgetsHistory(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	l, _, _ := openLedger(ctx)
	defer l.Close()

	history, err := l.Budgets.History(ctx, args[0])
	exitOnError(err, "failed to read budget history")
	printHistory(cmd.OutOrStdout(), args[0], history)
}

func printHistory(w io.Writer, budgetID string, history []budgets.HistoryEntry) {
	if len(history) == 0 {
		fmt.Fprintf(w, "No history for budget %s\n", budgetID)
		return
	}
	for _, h := range history {
		end := "open"
		if h.EndDate.Valid {
			end = h.EndDate.Time.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s  %-14s %s %s %s from %s  (until %s)\n",
			h.RecordedAt.Format("2006-01-02 15:04:05"), h.EventType,
			h.Amount.StringFixed(2), h.Currency, h.PeriodType, h.StartDate, end)
		if h.Rationale.Valid {
			fmt.Fprintf(w, "    %s\n", h.Rationale.String)
		}
	}
}

func printBudgets(w io.Writer, list []budgets.Budget) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No budgets")
		return
	}
	for _, b := range list {
		fmt.Fprintf(w, "%-20s %-24s %10s %s %-9s from %s\n",
			b.BudgetID, categoryLabel(b.Category, b.Subcategory.String),
			b.Amount.StringFixed(2), b.Currency, b.PeriodType, b.StartDate)
	}
}

func describePayload(p events.Payload) string {
	switch p := p.(type) {
	case events.BudgetCreated:
		return fmt.Sprintf("create %s: %s %s %s from %s", p.BudgetID, p.Amount.StringFixed(2), p.Currency, p.PeriodType, p.StartDate)
	case events.BudgetUpdated:
		s := "update " + p.BudgetID + ":"
		if p.NewAmount.Valid {
			s += fmt.Sprintf(" amount %s -> %s", p.PreviousAmount.Decimal.StringFixed(2), p.NewAmount.Decimal.StringFixed(2))
		}
		if p.NewPeriodType != nil {
			s += fmt.Sprintf(" period %s -> %s", deref(p.PreviousPeriodType), *p.NewPeriodType)
		}
		if p.NewStartDate != nil {
			s += fmt.Sprintf(" start %s -> %s", deref(p.PreviousStartDate), *p.NewStartDate)
		}
		return s
	case events.BudgetDeleted:
		return fmt.Sprintf("delete %s", p.BudgetID)
	default:
		return string(p.EventType())
	}
}

func categoryLabel(category, subcategory string) string {
	if subcategory == "" {
		return category
	}
	return category + "/" + subcategory
}

func deref[T ~string](p *T) string {
	if p == nil {
		return "(unset)"
	}
	return string(*p)
}
