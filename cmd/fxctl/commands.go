package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fxledger/internal/core"
	"fxledger/internal/services"
)

func newFetchCmd(app func() *app) *cobra.Command {
	var (
		symbols []string
		async   bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch FX rates and store a snapshot",
		Long: `Fetch the latest USD-based rates, upsert them into the live table and
record an immutable snapshot. On failure the stored rates are left untouched.

Examples:
  fxctl fetch
  fxctl fetch --symbols TWD,JPY
  fxctl fetch --async        # hand the refresh to fx-worker`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if async {
				if a.publisher == nil {
					return errors.New("--async needs AMQP_URL")
				}
				if err := a.publisher.PublishRatesRefresh(cmd.Context(), "cli", symbols); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "FX refresh queued")
				return nil
			}

			res, err := a.rates.Refresh(cmd.Context(), symbols)
			if err != nil {
				if errors.Is(err, core.ErrUpstreamUnavailable) {
					return fmt.Errorf("FX API unavailable, stored rates were kept: %w", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			snap := res.Snapshot
			fmt.Fprintf(out, "Inserted snapshot id=%d at %s\n", snap.ID, snap.FetchedAt.UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "Base: %s  Provider date: %s\n", snap.Base, snap.ProviderDate)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, code := range sortedKeys(snap.Rates) {
				fmt.Fprintf(w, "%s\t%.6f\n", code, snap.Rates[code])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "Currency codes to fetch (default FX_SYMBOLS)")
	cmd.Flags().BoolVar(&async, "async", false, "Publish a refresh request instead of fetching inline")
	return cmd
}

func newAddCmd(app func() *app) *cobra.Command {
	var in core.ExpenseInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an expense",
		Long: `Record an expense in its original currency. The USD amount is computed
with the current rate table; the expense is rejected when no rate is stored.

Example:
  fxctl add --category Food --amount 120 --currency TWD --date 2025-01-15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := app().expenses.Record(cmd.Context(), in)
			if err != nil {
				if errors.Is(err, core.ErrMissingRate) {
					return fmt.Errorf("%w (run 'fxctl fetch' first)", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "#%d %s\n", entry.ID, services.Confirmation(entry))
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Category, "category", "", "Expense category")
	cmd.Flags().Float64Var(&in.Amount, "amount", 0, "Amount in the original currency")
	cmd.Flags().StringVar(&in.Currency, "currency", core.ReportingCurrency, "ISO currency code")
	cmd.Flags().StringVar(&in.ExpenseDate, "date", "", "Expense date YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newReportCmd(app func() *app) *cobra.Command {
	now := time.Now()
	var (
		year, month int
		format      string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the monthly USD report",
		Long: `Summarize one calendar month: total, per-category totals and shares,
and the largest single expense.

Examples:
  fxctl report
  fxctl report --year 2025 --month 1 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return fmt.Errorf("unsupported format %q (table|json)", format)
			}
			r, err := app().reports.Monthly(cmd.Context(), year, month)
			if err != nil {
				return err
			}
			r = r.Rounded()

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reportJSON(r))
			}

			fmt.Fprintf(out, "%04d-%02d  %d expenses  total $%.2f USD\n", r.Year, r.Month, r.Count, r.Total)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tUSD\tSHARE")
			for _, c := range r.ByCategory() {
				fmt.Fprintf(w, "%s\t%.2f\t%.2f%%\n", c.Name, c.Amount, c.Percent)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if r.TopItem != nil {
				fmt.Fprintf(out, "Top item: %s %.2f %s ($%.2f) on %s\n",
					r.TopItem.Category, r.TopItem.AmountOriginal, r.TopItem.Currency,
					core.Round2(r.TopItem.AmountUSD), r.TopItem.ExpenseDate.Format(core.DateLayout))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", now.Year(), "Report year")
	cmd.Flags().IntVar(&month, "month", int(now.Month()), "Report month (1-12)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")
	return cmd
}

func newRatesCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rates",
		Short: "List stored FX rates",
		Long: `List the live rate table. Rows whose source is "default" still hold the
seeded fallback value and have never been refreshed from the provider.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, err := app().rates.Overview(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ov.Latest != nil {
				fmt.Fprintf(out, "Latest snapshot id=%d provider date %s\n", ov.Latest.ID, ov.Latest.ProviderDate)
			} else {
				fmt.Fprintln(out, "No snapshot recorded yet")
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CURRENCY\tRATE\tSOURCE\tUPDATED")
			for _, r := range ov.Rates {
				fmt.Fprintf(w, "%s\t%.6f\t%s\t%s\n", r.Currency, r.Rate, r.Source, r.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newRecentCmd(app func() *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the newest ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := app().expenses.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATE\tCATEGORY\tAMOUNT\tCURRENCY\tUSD")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%s\t%.2f\n",
					e.ID, e.ExpenseDate.Format(core.DateLayout), e.Category,
					e.AmountOriginal, e.Currency, core.Round2(e.AmountUSD))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of entries")
	return cmd
}

type categoryJSON struct {
	Name    string  `json:"name"`
	Amount  float64 `json:"amount_usd"`
	Percent float64 `json:"percent"`
}

type monthJSON struct {
	Year       int            `json:"year"`
	Month      int            `json:"month"`
	Count      int            `json:"count"`
	Total      float64        `json:"total_usd"`
	Categories []categoryJSON `json:"categories"`
	TopItemID  int64          `json:"top_item_id,omitempty"`
}

func reportJSON(r core.MonthlyReport) monthJSON {
	out := monthJSON{Year: r.Year, Month: r.Month, Count: r.Count, Total: r.Total, Categories: []categoryJSON{}}
	for _, c := range r.ByCategory() {
		out.Categories = append(out.Categories, categoryJSON{Name: c.Name, Amount: c.Amount, Percent: c.Percent})
	}
	if r.TopItem != nil {
		out.TopItemID = r.TopItem.ID
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
