package services

import (
	"context"
	"errors"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxledger/internal/cache"
	"fxledger/internal/core"
	"fxledger/internal/metrics"
	"fxledger/internal/storage/memory"
)

func TestMonthlyReportScenario(t *testing.T) {
	store := memory.New()
	reg := metrics.NewRegistry()
	reports := NewReportService(store, cache.NewTTLCache[core.MonthlyReport](time.Minute, 0), reg)
	expenses := NewExpenseService(store, store, OnRecorded(func(core.LedgerEntry) { reports.Invalidate() }))
	ctx := context.Background()

	_, err := expenses.Record(ctx, core.ExpenseInput{Category: "Food", Amount: 100, Currency: "TWD", ExpenseDate: "2025-01-10"})
	require.NoError(t, err)

	first, err := reports.Monthly(ctx, 2025, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count)

	_, err = expenses.Record(ctx, core.ExpenseInput{Category: "Food", Amount: 10, Currency: "USD", ExpenseDate: "2025-01-11"})
	require.NoError(t, err)
	_, err = expenses.Record(ctx, core.ExpenseInput{Category: "Food", Amount: 99, Currency: "USD", ExpenseDate: "2025-02-01"})
	require.NoError(t, err)

	r, err := reports.Monthly(ctx, 2025, 1)
	require.NoError(t, err)
	rounded := r.Rounded()
	assert.Equal(t, 2, r.Count, "cache is invalidated by new entries")
	assert.Equal(t, 13.17, rounded.Total)
	assert.Equal(t, 13.17, rounded.TotalsByCategory["Food"])
	assert.Equal(t, 100.0, rounded.PercentByCategory["Food"])
	require.NotNil(t, r.TopItem)
	assert.Equal(t, 10.0, r.TopItem.AmountUSD)

	// Served from cache on repeat.
	_, err = reports.Monthly(ctx, 2025, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutilCount(reg, "hit"))
}

func TestMonthlyReportSeesWritesFromOtherServices(t *testing.T) {
	store := memory.New()
	reports := NewReportService(store, cache.NewTTLCache[core.MonthlyReport](time.Hour, 0), nil)
	// Neither recorder notifies the report service.
	server := NewExpenseService(store, store)
	cli := NewExpenseService(store, store)
	ctx := context.Background()

	_, err := server.Record(ctx, core.ExpenseInput{Category: "Food", Amount: 10, Currency: "USD", ExpenseDate: "2025-01-10"})
	require.NoError(t, err)
	first, err := reports.Monthly(ctx, 2025, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count)

	_, err = cli.Record(ctx, core.ExpenseInput{Category: "Transport", Amount: 5, Currency: "USD", ExpenseDate: "2025-01-12"})
	require.NoError(t, err)

	r, err := reports.Monthly(ctx, 2025, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count)
	assert.Equal(t, 15.0, r.Rounded().Total)
}

func TestMonthlyReportEmptyMonth(t *testing.T) {
	reports := NewReportService(memory.New(), nil, nil)
	r, err := reports.Monthly(context.Background(), 2030, 12)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Count)
	assert.Equal(t, 0.0, r.Total)
	assert.Empty(t, r.TotalsByCategory)
	assert.Nil(t, r.TopItem)
}

func TestMonthlyReportRejectsBadMonth(t *testing.T) {
	reports := NewReportService(memory.New(), nil, nil)
	for _, m := range []int{0, 13} {
		_, err := reports.Monthly(context.Background(), 2025, m)
		assert.True(t, errors.Is(err, core.ErrInvalidInput), "month %d", m)
	}
}

func testutilCount(reg *metrics.Registry, result string) float64 {
	return promtestutil.ToFloat64(reg.ReportCache.WithLabelValues(result))
}
