package memory

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fxledger/internal/core"
)

// Store is a process-local ports.Store used for development and tests.
type Store struct {
	mu        sync.RWMutex
	base      string
	rates     map[string]core.StoredRate
	snapshots []core.RateSnapshot
	entries   []core.LedgerEntry
	seed      map[string]float64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		base:  core.ReportingCurrency,
		rates: map[string]core.StoredRate{},
		now:   time.Now,
	}
}

// NewFromFiles reads optional seed rates from <base>/seed_rates.txt ("CODE=RATE" per line).
// The seed is applied by SeedDefaults in place of the rates it is given.
func NewFromFiles(base string) *Store {
	s := New()
	s.seed = readRates(filepath.Join(base, "seed_rates.txt"))
	return s
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) Upsert(_ context.Context, table core.RateTable) error {
	if table.Base != "" && core.NormalizeCode(table.Base) != s.base {
		return &baseMismatchError{got: table.Base, want: s.base}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for code, rate := range table.Rates {
		code = core.NormalizeCode(code)
		if code == s.base || !core.UsableRate(rate) {
			continue
		}
		s.rates[code] = core.StoredRate{Currency: code, Rate: rate, UpdatedAt: now, Source: core.SourceProvider}
	}
	s.rates[s.base] = core.StoredRate{Currency: s.base, Rate: 1.0, UpdatedAt: now, Source: core.SourceProvider}
	return nil
}

func (s *Store) SeedDefaults(_ context.Context, rates map[string]float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rates) > 0 {
		return 0, nil
	}
	if len(s.seed) > 0 {
		rates = s.seed
	}
	now := s.now().UTC()
	tbl := core.NewRateTable(s.base, rates, now, "")
	tbl.Rates[s.base] = 1.0
	for code, rate := range tbl.Rates {
		s.rates[code] = core.StoredRate{Currency: code, Rate: rate, UpdatedAt: now, Source: core.SourceDefault}
	}
	return len(tbl.Rates), nil
}

func (s *Store) Rates(_ context.Context) ([]core.StoredRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.StoredRate, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *Store) Latest(ctx context.Context) (core.RateTable, error) {
	rows, _ := s.Rates(ctx)
	if len(rows) == 0 {
		return core.FallbackTable(), nil
	}
	rates := make(map[string]float64, len(rows))
	var newest time.Time
	for _, r := range rows {
		rates[r.Currency] = r.Rate
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}
	tbl := core.NewRateTable(s.base, rates, newest, "")
	tbl.Rates[s.base] = 1.0
	return tbl, nil
}

func (s *Store) RateOf(ctx context.Context, code string) (float64, bool, error) {
	tbl, _ := s.Latest(ctx)
	rate, ok := tbl.RateOf(code)
	return rate, ok, nil
}

func (s *Store) RatesTimestamp(ctx context.Context) (time.Time, error) {
	rows, _ := s.Rates(ctx)
	var newest time.Time
	for _, r := range rows {
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}
	return newest, nil
}

func (s *Store) RecordSnapshot(_ context.Context, table core.RateTable) (core.RateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fetched := table.RetrievedAt
	if fetched.IsZero() {
		fetched = s.now()
	}
	snap := core.RateSnapshot{
		ID:           int64(len(s.snapshots) + 1),
		FetchedAt:    fetched.UTC(),
		Base:         table.Base,
		ProviderDate: table.ProviderDate,
		Symbols:      table.RequestedSymbols(),
		Rates:        table.Clone().Rates,
	}
	s.snapshots = append(s.snapshots, snap)
	return snap, nil
}

func (s *Store) LatestSnapshot(_ context.Context) (core.RateSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return core.RateSnapshot{}, false, nil
	}
	return s.snapshots[len(s.snapshots)-1], true, nil
}

// Append stores the entry and assigns a sequential ID.
func (s *Store) Append(_ context.Context, e core.LedgerEntry) (core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.entries) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *Store) Query(_ context.Context, from, to time.Time) ([]core.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.LedgerEntry
	for _, e := range s.entries {
		if !e.ExpenseDate.Before(from) && e.ExpenseDate.Before(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpenseDate.Equal(out[j].ExpenseDate) {
			return out[i].ExpenseDate.Before(out[j].ExpenseDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Recent(_ context.Context, limit int) ([]core.LedgerEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.LedgerEntry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

type baseMismatchError struct{ got, want string }

func (e *baseMismatchError) Error() string {
	return "rate table base " + e.got + " does not match store base " + e.want
}

func (e *baseMismatchError) Unwrap() error { return core.ErrInvalidInput }

func readRates(path string) map[string]float64 {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	out := map[string]float64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		code, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || !core.UsableRate(rate) {
			continue
		}
		out[core.NormalizeCode(code)] = rate
	}
	return out
}
