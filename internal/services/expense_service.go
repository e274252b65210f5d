package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"fxledger/internal/core"
	"fxledger/internal/metrics"
	"fxledger/internal/ports"
)

// ExpensePublisher announces committed ledger entries. Publishing is best effort.
type ExpensePublisher interface {
	PublishExpenseRecorded(ctx context.Context, e core.LedgerEntry) error
}

// ExpenseService validates, converts and appends expenses.
type ExpenseService struct {
	ledger    ports.Ledger
	rates     ports.RateReader
	publisher ExpensePublisher
	metrics   *metrics.Registry
	supported []string
	listeners []func(core.LedgerEntry)
	now       func() time.Time
}

type ExpenseOption func(*ExpenseService)

// WithPublisher enables expense.recorded events.
func WithPublisher(p ExpensePublisher) ExpenseOption {
	return func(s *ExpenseService) { s.publisher = p }
}

func WithExpenseMetrics(m *metrics.Registry) ExpenseOption {
	return func(s *ExpenseService) { s.metrics = m }
}

// WithSupportedCurrencies overrides core.SupportedCurrencies.
func WithSupportedCurrencies(codes []string) ExpenseOption {
	return func(s *ExpenseService) {
		if len(codes) > 0 {
			s.supported = codes
		}
	}
}

// OnRecorded registers fn to run after every successful append.
func OnRecorded(fn func(core.LedgerEntry)) ExpenseOption {
	return func(s *ExpenseService) { s.listeners = append(s.listeners, fn) }
}

func NewExpenseService(ledger ports.Ledger, rates ports.RateReader, opts ...ExpenseOption) *ExpenseService {
	s := &ExpenseService{
		ledger:    ledger,
		rates:     rates,
		supported: core.SupportedCurrencies,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportedCurrencies returns the accepted currency codes.
func (s *ExpenseService) SupportedCurrencies() []string {
	return append([]string(nil), s.supported...)
}

// Record validates in, converts it with the current rate table and appends it.
// Nothing is persisted when validation or conversion fails.
func (s *ExpenseService) Record(ctx context.Context, in core.ExpenseInput) (core.LedgerEntry, error) {
	in.Category = strings.TrimSpace(in.Category)
	in.Currency = core.NormalizeCode(in.Currency)

	if err := in.Validate(s.supported); err != nil {
		return core.LedgerEntry{}, err
	}
	day, err := core.ParseExpenseDate(in.ExpenseDate, s.now())
	if err != nil {
		return core.LedgerEntry{}, err
	}

	table, err := s.rates.Latest(ctx)
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("load rates: %w", err)
	}

	usd, err := core.ToReportingCurrency(in.Amount, in.Currency, table)
	if err != nil {
		if errors.Is(err, core.ErrMissingRate) {
			s.metrics.MissingRate(in.Currency)
		}
		slog.WarnContext(ctx, "Expense rejected, conversion failed",
			"currency", in.Currency,
			"error", err)
		return core.LedgerEntry{}, err
	}
	if math.IsNaN(usd) || math.IsInf(usd, 0) || usd > core.MaxAmount {
		return core.LedgerEntry{}, fmt.Errorf("%w: %s amount is too large once converted to %s",
			core.ErrInvalidInput, in.Currency, table.Base)
	}

	entry, err := s.ledger.Append(ctx, core.LedgerEntry{
		ExpenseDate:    day,
		Category:       in.Category,
		AmountOriginal: in.Amount,
		Currency:       in.Currency,
		AmountUSD:      usd,
	})
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}

	s.metrics.ExpenseRecorded(entry.Currency)
	for _, fn := range s.listeners {
		fn(entry)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishExpenseRecorded(ctx, entry); err != nil {
			// Entry is committed locally.
			slog.ErrorContext(ctx, "Failed to publish expense recorded message",
				"id", entry.ID,
				"error", err)
		}
	}

	return entry, nil
}

// Recent returns the newest entries, newest first.
func (s *ExpenseService) Recent(ctx context.Context, limit int) ([]core.LedgerEntry, error) {
	return s.ledger.Recent(ctx, limit)
}

// Confirmation is the user-facing text for a recorded entry.
func Confirmation(e core.LedgerEntry) string {
	return fmt.Sprintf("Recorded: %s %.2f %s (stored as $%.2f USD) on %s",
		e.Category, e.AmountOriginal, e.Currency, e.AmountUSD, e.ExpenseDate.Format(core.DateLayout))
}

// MissingRateHint is shown when an expense is rejected for lack of a rate.
const MissingRateHint = "FX rate is missing. Please click Fetch FX and try again."
