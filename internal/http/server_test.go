package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fxledger/internal/cache"
	"fxledger/internal/core"
	"fxledger/internal/metrics"
	"fxledger/internal/middleware/ratelimit"
	"fxledger/internal/middleware/trace"
	"fxledger/internal/services"
	"fxledger/internal/storage/memory"
)

type fakeFetcher struct {
	rates map[string]float64
	err   error
	calls int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, base string, symbols []string) (core.RateTable, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return core.RateTable{}, f.err
	}
	return core.NewRateTable(base, f.rates, time.Now(), "2025-01-15"), nil
}

type fakePublisher struct {
	reasons []string
	err     error
}

func (p *fakePublisher) PublishRatesRefresh(ctx context.Context, reason string, symbols []string) error {
	p.reasons = append(p.reasons, reason)
	return p.err
}

type brokenStore struct{}

func (brokenStore) Ping(context.Context) error {
	return fmt.Errorf("ping: %w", core.ErrStorageUnavailable)
}

type testEnv struct {
	srv     *Server
	store   *memory.Store
	fetcher *fakeFetcher
}

func newTestEnv(t *testing.T, mutate func(*Dependencies)) *testEnv {
	t.Helper()

	store := memory.New()
	fetcher := &fakeFetcher{rates: map[string]float64{"TWD": 32.0, "JPY": 150.0, "EUR": 0.9, "GBP": 0.8}}
	reg := metrics.NewRegistry()
	reports := services.NewReportService(store, cache.NewTTLCache[core.MonthlyReport](time.Minute, time.Minute), reg)
	rates := services.NewRateService(fetcher, store, nil, services.WithRateMetrics(reg))
	if err := rates.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	deps := Dependencies{
		Expenses: services.NewExpenseService(store, store,
			services.WithExpenseMetrics(reg),
			services.WithSupportedCurrencies([]string{"USD", "TWD", "JPY", "EUR", "GBP", "CHF"}),
			services.OnRecorded(func(core.LedgerEntry) { reports.Invalidate() })),
		Rates:     rates,
		Reports:   reports,
		Store:     store,
		Metrics:   reg,
		RateLimit: ratelimit.Config{RequestsPerSecond: 100, Burst: 100},
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv := NewServer(":0", deps)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{srv: srv, store: store, fetcher: fetcher}
}

func (e *testEnv) do(t *testing.T, method, path, body, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := env.do(t, http.MethodGet, path, "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, rr.Code, rr.Body.String())
		}
		if rr.Header().Get(trace.RequestIDHeader) == "" {
			t.Errorf("%s: missing request id header", path)
		}
		if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s: missing security headers", path)
		}
	}
}

func TestReadyFailsWhenStorageDown(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.Store = brokenStore{} })

	rr := env.do(t, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var body map[string]interface{}
	decode(t, rr, &body)
	if body["status"] != "not_ready" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("index status=%d", rr.Code)
	}
	var body indexView
	decode(t, rr, &body)
	if len(body.Categories) != len(core.DefaultCategories) {
		t.Errorf("categories = %v", body.Categories)
	}
	if body.Rates["TWD"] != 31.5 {
		t.Errorf("expected seeded TWD rate, got %v", body.Rates["TWD"])
	}
	if len(body.Recent) != 0 {
		t.Errorf("expected no recent entries, got %d", len(body.Recent))
	}
}

func TestCreateExpenseValidationAndSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	form := "application/x-www-form-urlencoded"

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"invalid amount", "category=Food&amount=abc&currency=TWD", http.StatusUnprocessableEntity, CodeInvalidInput},
		{"negative amount", "category=Food&amount=-5&currency=TWD", http.StatusUnprocessableEntity, CodeInvalidInput},
		{"missing category", "category=&amount=10&currency=TWD", http.StatusUnprocessableEntity, CodeInvalidInput},
		{"unsupported currency", "category=Food&amount=10&currency=XYZ", http.StatusUnprocessableEntity, CodeInvalidInput},
		{"bad date", "category=Food&amount=10&currency=TWD&expense_date=15/01/2025", http.StatusUnprocessableEntity, CodeInvalidInput},
		{"missing rate", "category=Food&amount=10&currency=CHF", http.StatusUnprocessableEntity, CodeMissingRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/expenses", tt.body, form)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			var body ErrorBody
			decode(t, rr, &body)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}

	entries, _ := env.store.Recent(context.Background(), 10)
	if len(entries) != 0 {
		t.Fatalf("rejected requests must not persist, found %d entries", len(entries))
	}

	rr := env.do(t, http.MethodPost, "/expenses",
		`{"category":"Food","amount":100,"currency":"twd","expense_date":"2025-01-15"}`, "application/json")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Entry   entryView `json:"entry"`
		Message string    `json:"message"`
	}
	decode(t, rr, &created)
	if created.Entry.Currency != "TWD" || created.Entry.AmountUSD != 3.17 {
		t.Errorf("unexpected entry %+v", created.Entry)
	}
	if !strings.Contains(created.Message, "stored as $3.17 USD") {
		t.Errorf("unexpected message %q", created.Message)
	}
}

func TestCreateExpenseStripsMarkup(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/expenses",
		"category=%3Cb%3EFood%3C%2Fb%3E&amount=5&currency=USD&expense_date=2025-01-02",
		"application/x-www-form-urlencoded")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	entries, _ := env.store.Recent(context.Background(), 1)
	if len(entries) != 1 || entries[0].Category != "Food" {
		t.Fatalf("unexpected stored entries %+v", entries)
	}
}

func TestListExpenses(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf(`{"category":"Food","amount":%d,"currency":"USD","expense_date":"2025-01-0%d"}`, i, i)
		if rr := env.do(t, http.MethodPost, "/expenses", body, "application/json"); rr.Code != http.StatusCreated {
			t.Fatalf("create %d: %d", i, rr.Code)
		}
	}

	rr := env.do(t, http.MethodGet, "/expenses?limit=2", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body struct {
		Entries []entryView `json:"entries"`
	}
	decode(t, rr, &body)
	if len(body.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(body.Entries))
	}
	if body.Entries[0].ID < body.Entries[1].ID {
		t.Errorf("expected newest first, got %d then %d", body.Entries[0].ID, body.Entries[1].ID)
	}
}

func TestReport(t *testing.T) {
	env := newTestEnv(t, nil)

	// Prime the cache with an empty month, then make sure a new entry shows up.
	rr := env.do(t, http.MethodGet, "/report?year=2025&month=1", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	for _, body := range []string{
		`{"category":"Food","amount":30,"currency":"USD","expense_date":"2025-01-10"}`,
		`{"category":"Transport","amount":10,"currency":"USD","expense_date":"2025-01-31"}`,
		`{"category":"Food","amount":99,"currency":"USD","expense_date":"2025-02-01"}`,
	} {
		if rr := env.do(t, http.MethodPost, "/expenses", body, "application/json"); rr.Code != http.StatusCreated {
			t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
		}
	}

	rr = env.do(t, http.MethodGet, "/report?year=2025&month=1", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var report reportView
	decode(t, rr, &report)
	if report.Count != 2 || report.Total != 40 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Categories) != 2 || report.Categories[0].Name != "Food" || report.Categories[0].Percent != 75 {
		t.Errorf("unexpected categories %+v", report.Categories)
	}
	if report.TopItem == nil || report.TopItem.AmountOriginal != 30 {
		t.Errorf("unexpected top item %+v", report.TopItem)
	}

	for _, q := range []string{"month=13", "month=abc", "year=0&month=1"} {
		rr := env.do(t, http.MethodGet, "/report?"+q, "", "")
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s: expected 422, got %d", q, rr.Code)
		}
	}
}

func TestRefreshFX(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/fx/update", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var body struct {
		Message  string        `json:"message"`
		Snapshot *snapshotView `json:"snapshot"`
	}
	decode(t, rr, &body)
	if body.Snapshot == nil || body.Snapshot.Rates["TWD"] != 32.0 {
		t.Fatalf("unexpected snapshot %+v", body.Snapshot)
	}
	if !strings.Contains(body.Message, "date=2025-01-15") {
		t.Errorf("unexpected message %q", body.Message)
	}

	rr = env.do(t, http.MethodGet, "/fx", "", "")
	var fx fxView
	decode(t, rr, &fx)
	if fx.Latest == nil || fx.Latest.ID != body.Snapshot.ID {
		t.Errorf("expected latest snapshot %d, got %+v", body.Snapshot.ID, fx.Latest)
	}
	for _, r := range fx.Rates {
		if r.Currency == "TWD" && (r.Rate != 32.0 || r.Source != string(core.SourceProvider)) {
			t.Errorf("unexpected TWD row %+v", r)
		}
	}
}

func TestRefreshFXUpstreamFailureKeepsRates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fetcher.err = fmt.Errorf("all endpoints failed: %w", core.ErrUpstreamUnavailable)

	rr := env.do(t, http.MethodPost, "/fx/update", "", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}

	rate, ok, err := env.store.RateOf(context.Background(), "TWD")
	if err != nil || !ok || rate != 31.5 {
		t.Errorf("stored TWD rate changed: %v %v %v", rate, ok, err)
	}
}

func TestRefreshFXAsync(t *testing.T) {
	pub := &fakePublisher{}
	env := newTestEnv(t, func(d *Dependencies) { d.RefreshPublisher = pub })

	rr := env.do(t, http.MethodPost, "/fx/update?async=1", "", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if len(pub.reasons) != 1 || pub.reasons[0] != "http" {
		t.Errorf("unexpected publishes %v", pub.reasons)
	}
	if atomic.LoadInt32(&env.fetcher.calls) != 0 {
		t.Error("async refresh must not fetch inline")
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var body ErrorBody
	decode(t, rr, &body)
	if body.Code != CodeNotFound || body.RequestID == "" {
		t.Errorf("unexpected body %+v", body)
	}

	rr = env.do(t, http.MethodDelete, "/expenses", "", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestCreateExpenseRateLimited(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) {
		d.RateLimit = ratelimit.Config{RequestsPerSecond: 0.001, Burst: 1}
	})
	body := `{"category":"Food","amount":1,"currency":"USD","expense_date":"2025-01-01"}`

	if rr := env.do(t, http.MethodPost, "/expenses", body, "application/json"); rr.Code != http.StatusCreated {
		t.Fatalf("first request: %d", rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/expenses", body, "application/json")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/healthz", "", "")

	rr := env.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "/healthz") {
		t.Errorf("expected route label in metrics output")
	}
}
