package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxledger/internal/core"
	"fxledger/internal/storage/memory"
)

type fakeFetcher struct {
	calls   atomic.Int32
	table   core.RateTable
	err     error
	release chan struct{}
	gotSyms []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, base string, symbols []string) (core.RateTable, error) {
	f.calls.Add(1)
	f.gotSyms = symbols
	if f.release != nil {
		<-f.release
	}
	if err := ctx.Err(); err != nil {
		return core.RateTable{}, err
	}
	return f.table, f.err
}

func TestRefreshUpsertsAndSnapshots(t *testing.T) {
	store := memory.New()
	fetcher := &fakeFetcher{table: core.NewRateTable("USD", map[string]float64{"TWD": 32.1, "JPY": 150}, time.Now(), "2025-01-15")}
	var refreshed int
	svc := NewRateService(fetcher, store, nil, OnRefreshed(func(RefreshResult) { refreshed++ }))

	res, err := svc.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultSymbols, fetcher.gotSyms)
	assert.Equal(t, int64(1), res.Snapshot.ID)
	assert.Equal(t, "FX updated from API (snapshot id=1, date=2025-01-15)", res.Message())
	assert.Equal(t, 1, refreshed)

	rate, ok, err := store.RateOf(context.Background(), "TWD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 32.1, rate)

	ov, err := svc.Overview(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ov.Latest)
	assert.Equal(t, res.Snapshot.ID, ov.Latest.ID)
	assert.False(t, ov.Timestamp.IsZero())
	assert.Len(t, ov.Rates, 3)
}

func TestRefreshFailureLeavesStoreUntouched(t *testing.T) {
	store := memory.New()
	require.NoError(t, svcSeed(store))
	before, _ := store.Rates(context.Background())

	upstream := errors.Join(core.ErrUpstreamUnavailable, errors.New("HTTP 503"))
	svc := NewRateService(&fakeFetcher{err: upstream}, store, nil)

	_, err := svc.Refresh(context.Background(), []string{"TWD"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUpstreamUnavailable))

	after, _ := store.Rates(context.Background())
	assert.Equal(t, before, after)
	_, found, _ := store.LatestSnapshot(context.Background())
	assert.False(t, found)
}

func svcSeed(store *memory.Store) error {
	return NewRateService(&fakeFetcher{}, store, nil).Seed(context.Background())
}

func TestRefreshCollapsesConcurrentCalls(t *testing.T) {
	store := memory.New()
	fetcher := &fakeFetcher{
		table:   core.NewRateTable("USD", map[string]float64{"EUR": 0.9}, time.Now(), "2025-01-15"),
		release: make(chan struct{}),
	}
	svc := NewRateService(fetcher, store, []string{"EUR"})

	var wg sync.WaitGroup
	results := make([]RefreshResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Refresh(context.Background(), nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Let the goroutines pile up on the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0].Snapshot.ID, r.Snapshot.ID)
	}
}

func TestRefreshSnapshotKeepsRequestedSymbols(t *testing.T) {
	store := memory.New()
	// Upstream echoes the base and omits GBP.
	fetcher := &fakeFetcher{table: core.NewRateTable("USD", map[string]float64{"USD": 1, "TWD": 32, "JPY": 150}, time.Now(), "2025-01-15")}
	svc := NewRateService(fetcher, store, nil)

	res, err := svc.Refresh(context.Background(), []string{"TWD", "jpy", "GBP"})
	require.NoError(t, err)
	assert.Equal(t, []string{"TWD", "JPY", "GBP"}, res.Snapshot.Symbols)

	latest, ok, err := store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"TWD", "JPY", "GBP"}, latest.Symbols)
	assert.NotContains(t, latest.Rates, "GBP")
}

func TestRefreshSurvivesFirstCallerCancelling(t *testing.T) {
	store := memory.New()
	fetcher := &fakeFetcher{
		table:   core.NewRateTable("USD", map[string]float64{"EUR": 0.9}, time.Now(), "2025-01-15"),
		release: make(chan struct{}),
	}
	svc := NewRateService(fetcher, store, []string{"EUR"})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(firstCtx, nil)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	var secondRes RefreshResult
	go func() {
		res, err := svc.Refresh(context.Background(), nil)
		secondRes = res
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(fetcher.release)
	require.NoError(t, <-second)
	assert.True(t, secondRes.Shared)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	_, ok, err := store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "the shared refresh still stores its snapshot")
}

func TestSeedIsFirstStartOnly(t *testing.T) {
	store := memory.New()
	svc := NewRateService(&fakeFetcher{}, store, nil)
	require.NoError(t, svc.Seed(context.Background()))

	rows, _ := store.Rates(context.Background())
	require.Len(t, rows, len(core.FallbackRates))
	for _, r := range rows {
		assert.Equal(t, core.SourceDefault, r.Source)
	}

	require.NoError(t, store.Upsert(context.Background(), core.NewRateTable("USD", map[string]float64{"TWD": 30}, time.Now(), "")))
	require.NoError(t, svc.Seed(context.Background()))
	rate, _, _ := store.RateOf(context.Background(), "TWD")
	assert.Equal(t, 30.0, rate)
}
