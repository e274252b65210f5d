package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DateLayout is the only accepted format for expense dates.
const DateLayout = "2006-01-02"

const (
	// SourceDefault marks a rate that still holds its seeded fallback value.
	SourceDefault RateSource = "default"
	// SourceProvider marks a rate written from an upstream fetch.
	SourceProvider RateSource = "provider"
)

type (
	RateSource string

	// RateTable maps currency codes to "units of currency per one unit of Base".
	RateTable struct {
		Base         string
		Rates        map[string]float64
		RetrievedAt  time.Time
		ProviderDate string // date/timestamp text as reported upstream
		// Symbols are the codes requested from upstream, in request order.
		// Empty for tables not produced by a fetch.
		Symbols []string
	}

	// StoredRate is one row of the live rate table.
	StoredRate struct {
		Currency  string
		Rate      float64
		UpdatedAt time.Time
		Source    RateSource
	}

	// RateSnapshot is the immutable record of one successful fetch.
	RateSnapshot struct {
		ID           int64
		FetchedAt    time.Time
		Base         string
		ProviderDate string
		Symbols      []string
		Rates        map[string]float64
	}

	// LedgerEntry is one normalized expense.
	LedgerEntry struct {
		ID             int64
		CreatedAt      time.Time
		ExpenseDate    time.Time
		Category       string
		AmountOriginal float64
		Currency       string
		AmountUSD      float64
	}

	// ExpenseInput is raw user input for a ledger append.
	ExpenseInput struct {
		Category    string
		Amount      float64
		Currency    string
		ExpenseDate string // YYYY-MM-DD, empty means today
	}
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrMissingRate         = errors.New("missing rate")
	ErrInvalidInput        = errors.New("invalid input")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

var (
	DefaultCategories   = []string{"Food", "Transport", "Housing", "Entertainment", "Other"}
	SupportedCurrencies = []string{"USD", "TWD", "JPY", "EUR", "GBP"}
	DefaultSymbols      = []string{"TWD", "JPY", "EUR", "GBP"}
)

// FallbackRates are served by a rate store that has never been populated.
// Meaning: 1 USD = rate * currency.
var FallbackRates = map[string]float64{
	"USD": 1.0,
	"TWD": 31.5,
	"JPY": 155.0,
	"EUR": 0.85,
	"GBP": 0.74,
}

// ReportingCurrency is the base every normalized amount is expressed in.
const ReportingCurrency = "USD"

// MaxAmount bounds a single expense, original or normalized. Month totals
// of bounded entries stay finite.
const MaxAmount = 1e12

// UsableRate reports whether rate can divide an amount: positive and finite.
func UsableRate(rate float64) bool {
	return rate > 0 && !math.IsInf(rate, 0)
}

// NewRateTable builds a table with normalized codes; the base entry is forced to 1.0
// when present and non-positive rates are dropped.
func NewRateTable(base string, rates map[string]float64, retrievedAt time.Time, providerDate string) RateTable {
	base = NormalizeCode(base)
	out := make(map[string]float64, len(rates))
	for code, rate := range rates {
		code = NormalizeCode(code)
		if code == "" || !UsableRate(rate) {
			continue
		}
		out[code] = rate
	}
	if _, ok := out[base]; ok {
		out[base] = 1.0
	}
	return RateTable{Base: base, Rates: out, RetrievedAt: retrievedAt, ProviderDate: providerDate}
}

// FallbackTable returns a copy of FallbackRates as a table based on ReportingCurrency.
func FallbackTable() RateTable {
	return NewRateTable(ReportingCurrency, FallbackRates, time.Time{}, "")
}

// RateOf returns the rate for code; the base currency is always 1.0.
func (t RateTable) RateOf(code string) (float64, bool) {
	code = NormalizeCode(code)
	if code == t.Base {
		return 1.0, true
	}
	rate, ok := t.Rates[code]
	return rate, ok
}

// Currencies returns the table's codes in sorted order.
func (t RateTable) Currencies() []string {
	out := make([]string, 0, len(t.Rates))
	for code := range t.Rates {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// RequestedSymbols returns Symbols, or the table's codes when nothing was requested.
func (t RateTable) RequestedSymbols() []string {
	if len(t.Symbols) > 0 {
		return append([]string(nil), t.Symbols...)
	}
	return t.Currencies()
}

// Clone returns a deep copy so callers can mutate freely.
func (t RateTable) Clone() RateTable {
	rates := make(map[string]float64, len(t.Rates))
	for k, v := range t.Rates {
		rates[k] = v
	}
	t.Rates = rates
	t.Symbols = append([]string(nil), t.Symbols...)
	return t
}

// NormalizeCode upper-cases and trims a currency code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsSupported reports whether code is in the supported set.
func IsSupported(code string, supported []string) bool {
	code = NormalizeCode(code)
	for _, c := range supported {
		if NormalizeCode(c) == code {
			return true
		}
	}
	return false
}

// ParseExpenseDate parses YYYY-MM-DD, falling back to today's date when s is empty.
func ParseExpenseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date format should be YYYY-MM-DD", ErrInvalidInput)
	}
	return t, nil
}

// Validate checks the input against the supported currency set.
func (in ExpenseInput) Validate(supported []string) error {
	if strings.TrimSpace(in.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidInput)
	}
	if len(in.Category) > 32 {
		return fmt.Errorf("%w: category too long (max 32 characters)", ErrInvalidInput)
	}
	if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) || in.Amount <= 0 {
		return fmt.Errorf("%w: amount should be a positive number", ErrInvalidInput)
	}
	if in.Amount > MaxAmount {
		return fmt.Errorf("%w: amount exceeds %.0f", ErrInvalidInput, float64(MaxAmount))
	}
	if !IsSupported(in.Currency, supported) {
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, in.Currency)
	}
	return nil
}

// MonthRange returns the half-open interval [first of month, first of next month).
func MonthRange(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
