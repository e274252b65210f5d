package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"fxledger/internal/core"
	"fxledger/internal/metrics"
	"fxledger/internal/ports"
)

// RateFetcher is satisfied by *fx.Fetcher.
type RateFetcher interface {
	Fetch(ctx context.Context, base string, symbols []string) (core.RateTable, error)
}

// RefreshResult describes one successful refresh.
type RefreshResult struct {
	Table    core.RateTable
	Snapshot core.RateSnapshot
	Shared   bool // served by a refresh already in flight
}

// Message is the user-facing refresh confirmation.
func (r RefreshResult) Message() string {
	return fmt.Sprintf("FX updated from API (snapshot id=%d, date=%s)", r.Snapshot.ID, r.Snapshot.ProviderDate)
}

// FXOverview is everything the rates page shows.
type FXOverview struct {
	Latest    *core.RateSnapshot
	Rates     []core.StoredRate
	Timestamp time.Time
}

// RateService refreshes the rate store from upstream.
type RateService struct {
	fetcher   RateFetcher
	store     ports.RateStore
	symbols   []string
	metrics   *metrics.Registry
	group     singleflight.Group
	timeout   time.Duration
	listeners []func(RefreshResult)
}

type RateOption func(*RateService)

const defaultRefreshTimeout = 30 * time.Second

// WithRefreshTimeout bounds one shared upstream refresh.
func WithRefreshTimeout(d time.Duration) RateOption {
	return func(s *RateService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithRateMetrics(m *metrics.Registry) RateOption {
	return func(s *RateService) { s.metrics = m }
}

// OnRefreshed registers fn to run after every successful refresh.
func OnRefreshed(fn func(RefreshResult)) RateOption {
	return func(s *RateService) { s.listeners = append(s.listeners, fn) }
}

func NewRateService(fetcher RateFetcher, store ports.RateStore, symbols []string, opts ...RateOption) *RateService {
	if len(symbols) == 0 {
		symbols = core.DefaultSymbols
	}
	s := &RateService{fetcher: fetcher, store: store, symbols: symbols, timeout: defaultRefreshTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Symbols returns the default refresh symbols.
func (s *RateService) Symbols() []string {
	return append([]string(nil), s.symbols...)
}

// Seed writes the fallback rates when the store has never been populated.
func (s *RateService) Seed(ctx context.Context) error {
	n, err := s.store.SeedDefaults(ctx, core.FallbackRates)
	if err != nil {
		return fmt.Errorf("seed default rates: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "Default FX rates seeded", "count", n)
	}
	return nil
}

// Refresh fetches symbols (or the defaults), upserts them and records a snapshot.
// A failed fetch leaves the store untouched. Concurrent calls for the same symbols
// share one upstream fetch, which is detached from any single caller's
// cancellation; a caller whose ctx ends stops waiting without aborting it.
func (s *RateService) Refresh(ctx context.Context, symbols []string) (RefreshResult, error) {
	if len(symbols) == 0 {
		symbols = s.symbols
	}
	key := strings.ToUpper(strings.Join(symbols, ","))

	ch := s.group.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.refresh(rctx, symbols)
	})

	select {
	case <-ctx.Done():
		return RefreshResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			s.metrics.RefreshResult("error")
			return RefreshResult{}, r.Err
		}
		res := r.Val.(RefreshResult)
		res.Shared = r.Shared
		return res, nil
	}
}

func (s *RateService) refresh(ctx context.Context, symbols []string) (RefreshResult, error) {
	table, err := s.fetcher.Fetch(ctx, core.ReportingCurrency, symbols)
	if err != nil {
		slog.ErrorContext(ctx, "FX refresh failed, keeping stored rates", "error", err)
		return RefreshResult{}, fmt.Errorf("fetch rates: %w", err)
	}
	if len(table.Symbols) == 0 {
		table.Symbols = requested(symbols)
	}

	if err := s.store.Upsert(ctx, table); err != nil {
		return RefreshResult{}, fmt.Errorf("store rates: %w", err)
	}

	snap, err := s.store.RecordSnapshot(ctx, table)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("record snapshot: %w", err)
	}

	res := RefreshResult{Table: table, Snapshot: snap}
	s.metrics.RefreshResult("ok")
	for _, fn := range s.listeners {
		fn(res)
	}

	slog.InfoContext(ctx, "FX rates refreshed",
		"snapshot_id", snap.ID,
		"provider_date", snap.ProviderDate,
		"rates", len(table.Rates))
	return res, nil
}

// requested normalizes symbols for the snapshot record, keeping order.
func requested(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, code := range symbols {
		if code = core.NormalizeCode(code); code != "" && !slices.Contains(out, code) {
			out = append(out, code)
		}
	}
	return out
}

// Overview returns the latest snapshot, the stored rates and their newest timestamp.
func (s *RateService) Overview(ctx context.Context) (FXOverview, error) {
	var ov FXOverview

	snap, ok, err := s.store.LatestSnapshot(ctx)
	if err != nil {
		return ov, fmt.Errorf("latest snapshot: %w", err)
	}
	if ok {
		ov.Latest = &snap
	}

	if ov.Rates, err = s.store.Rates(ctx); err != nil {
		return ov, fmt.Errorf("list rates: %w", err)
	}
	if ov.Timestamp, err = s.store.RatesTimestamp(ctx); err != nil {
		return ov, fmt.Errorf("rates timestamp: %w", err)
	}
	return ov, nil
}

// Latest returns the live rate table.
func (s *RateService) Latest(ctx context.Context) (core.RateTable, error) {
	return s.store.Latest(ctx)
}
