package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxledger/internal/cache"
	"fxledger/internal/core"
	"fxledger/internal/services"
	"fxledger/internal/storage/memory"
)

type stubFetcher struct {
	err error
}

func (f stubFetcher) Fetch(ctx context.Context, base string, symbols []string) (core.RateTable, error) {
	if f.err != nil {
		return core.RateTable{}, f.err
	}
	return core.NewRateTable(base, map[string]float64{"TWD": 32, "JPY": 150}, time.Now(), "2025-01-15"), nil
}

type stubPublisher struct{ calls int }

func (p *stubPublisher) PublishRatesRefresh(context.Context, string, []string) error {
	p.calls++
	return nil
}

func testFactory(t *testing.T, fetcher stubFetcher, pub refreshPublisher) (appFactory, *memory.Store) {
	t.Helper()
	store := memory.New()
	rates := services.NewRateService(fetcher, store, nil)
	require.NoError(t, rates.Seed(context.Background()))

	a := &app{
		expenses:  services.NewExpenseService(store, store),
		rates:     rates,
		reports:   services.NewReportService(store, cache.Noop[core.MonthlyReport]{}, nil),
		publisher: pub,
	}
	return func(context.Context) (*app, error) { return a, nil }, store
}

func run(t *testing.T, factory appFactory, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(factory)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFetchPrintsSnapshot(t *testing.T) {
	factory, store := testFactory(t, stubFetcher{}, nil)

	out, err := run(t, factory, "fetch")
	require.NoError(t, err)
	assert.Contains(t, out, "Inserted snapshot id=1")
	assert.Contains(t, out, "Base: USD  Provider date: 2025-01-15")
	assert.Contains(t, out, "TWD")

	rate, ok, err := store.RateOf(context.Background(), "TWD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 32.0, rate)
}

func TestFetchUpstreamFailureKeepsRates(t *testing.T) {
	factory, store := testFactory(t, stubFetcher{err: fmt.Errorf("down: %w", core.ErrUpstreamUnavailable)}, nil)

	_, err := run(t, factory, "fetch")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)

	rate, _, _ := store.RateOf(context.Background(), "TWD")
	assert.Equal(t, core.FallbackRates["TWD"], rate)
}

func TestFetchAsync(t *testing.T) {
	factory, _ := testFactory(t, stubFetcher{}, nil)
	_, err := run(t, factory, "fetch", "--async")
	assert.Error(t, err, "async without a broker must fail")

	pub := &stubPublisher{}
	factory, _ = testFactory(t, stubFetcher{}, pub)
	out, err := run(t, factory, "fetch", "--async")
	require.NoError(t, err)
	assert.Equal(t, 1, pub.calls)
	assert.Contains(t, out, "queued")
}

func TestAddAndReport(t *testing.T) {
	factory, _ := testFactory(t, stubFetcher{}, nil)

	out, err := run(t, factory, "add", "--category", "Food", "--amount", "100", "--currency", "twd", "--date", "2025-01-15")
	require.NoError(t, err)
	assert.Contains(t, out, "stored as $3.17 USD")

	_, err = run(t, factory, "add", "--category", "Transport", "--amount", "10", "--date", "2025-01-20")
	require.NoError(t, err)

	out, err = run(t, factory, "report", "--year", "2025", "--month", "1", "--format", "json")
	require.NoError(t, err)

	var r monthJSON
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, 2, r.Count)
	assert.Equal(t, 13.17, r.Total)
	require.Len(t, r.Categories, 2)
	assert.Equal(t, "Transport", r.Categories[0].Name)
	assert.Equal(t, int64(2), r.TopItemID)

	out, err = run(t, factory, "report", "--year", "2025", "--month", "1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "2025-01  2 expenses  total $13.17 USD"), out)
}

func TestAddRejectsInvalidInput(t *testing.T) {
	factory, _ := testFactory(t, stubFetcher{}, nil)

	_, err := run(t, factory, "add", "--category", "Food", "--amount", "-1")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = run(t, factory, "add", "--category", "Food", "--amount", "5", "--currency", "XYZ")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestReportRejectsBadMonth(t *testing.T) {
	factory, _ := testFactory(t, stubFetcher{}, nil)
	_, err := run(t, factory, "report", "--month", "13")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestRatesAndRecent(t *testing.T) {
	factory, _ := testFactory(t, stubFetcher{}, nil)

	out, err := run(t, factory, "rates")
	require.NoError(t, err)
	assert.Contains(t, out, "No snapshot recorded yet")
	assert.Contains(t, out, "default")

	_, err = run(t, factory, "add", "--category", "Food", "--amount", "1", "--date", "2025-01-01")
	require.NoError(t, err)
	out, err = run(t, factory, "recent", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "2025-01-01")
}
