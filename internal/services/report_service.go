package services

import (
	"context"
	"fmt"

	"fxledger/internal/cache"
	"fxledger/internal/core"
	"fxledger/internal/metrics"
	"fxledger/internal/ports"
)

// ReportService builds monthly reports, caching them until the ledger changes.
// Cache keys carry the newest ledger ID, so writes from another process or
// service instance are never served stale.
type ReportService struct {
	ledger  ports.LedgerReader
	cache   cache.Cache[core.MonthlyReport]
	metrics *metrics.Registry
}

func NewReportService(ledger ports.LedgerReader, c cache.Cache[core.MonthlyReport], m *metrics.Registry) *ReportService {
	if c == nil {
		c = cache.Noop[core.MonthlyReport]{}
	}
	return &ReportService{ledger: ledger, cache: c, metrics: m}
}

// Monthly summarizes entries dated in [first of month, first of next month).
// Figures are full precision; call Rounded for presentation.
func (s *ReportService) Monthly(ctx context.Context, year, month int) (core.MonthlyReport, error) {
	if month < 1 || month > 12 {
		return core.MonthlyReport{}, fmt.Errorf("%w: month must be between 1 and 12", core.ErrInvalidInput)
	}
	if year < 1 || year > 9999 {
		return core.MonthlyReport{}, fmt.Errorf("%w: year out of range", core.ErrInvalidInput)
	}

	version, err := s.ledgerVersion(ctx)
	if err != nil {
		return core.MonthlyReport{}, err
	}
	key := fmt.Sprintf("%04d-%02d@%d", year, month, version)
	if r, ok := s.cache.Get(key); ok {
		s.metrics.ReportCacheLookup(true)
		return r, nil
	}
	s.metrics.ReportCacheLookup(false)

	start, end := core.MonthRange(year, month)
	entries, err := s.ledger.Query(ctx, start, end)
	if err != nil {
		return core.MonthlyReport{}, fmt.Errorf("query ledger: %w", err)
	}

	r := core.Summarize(entries)
	r.Year, r.Month = year, month
	s.cache.Set(key, r)
	return r, nil
}

// ledgerVersion is the newest entry ID; entries are append-only.
func (s *ReportService) ledgerVersion(ctx context.Context) (int64, error) {
	newest, err := s.ledger.Recent(ctx, 1)
	if err != nil {
		return 0, fmt.Errorf("ledger version: %w", err)
	}
	if len(newest) == 0 {
		return 0, nil
	}
	return newest[0].ID, nil
}

// Invalidate drops cached reports.
func (s *ReportService) Invalidate() {
	s.cache.Flush()
}
