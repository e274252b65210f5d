// Package fx fetches foreign-exchange rate tables from public rate providers.
//
// A Fetcher walks a prioritized list of provider endpoints. Each endpoint gets a
// bounded number of attempts with exponential backoff on transient HTTP statuses,
// and sits behind its own circuit breaker so a provider that keeps failing is
// skipped until the breaker half-opens again.
package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"fxledger/internal/core"
)

// Endpoint is one provider URL. BaseInPath selects the "<url>/<BASE>?symbols=" variant
// instead of "<url>?base=<BASE>&symbols=".
type Endpoint struct {
	URL        string
	BaseInPath bool
}

// Config controls endpoint order, timeouts and retry policy.
type Config struct {
	Endpoints   []Endpoint
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	UserAgent   string

	// Breaker settings; zero values fall back to defaults.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultEndpoints are the Frankfurter routes, normal portal first.
var DefaultEndpoints = []Endpoint{
	{URL: "https://api.frankfurter.app/latest"},
	{URL: "https://api.frankfurter.dev/v1/latest"},
}

// DefaultConfig mirrors the provider client policy: 15s timeout, 3 attempts, 0.6s backoff factor.
func DefaultConfig() Config {
	return Config{
		Endpoints:       DefaultEndpoints,
		Timeout:         15 * time.Second,
		MaxAttempts:     3,
		BackoffBase:     600 * time.Millisecond,
		BackoffMax:      10 * time.Second,
		UserAgent:       "fxledger-fetcher/1.0",
		BreakerFailures: 5,
		BreakerTimeout:  2 * time.Minute,
	}
}

// Observer receives one call per endpoint outcome.
type Observer interface {
	ObserveFetch(endpoint string, outcome string, attempts int, d time.Duration)
}

// Outcome labels passed to Observer.
const (
	OutcomeSuccess     = "success"
	OutcomeHTTPError   = "http_error"
	OutcomeNetwork     = "network_error"
	OutcomeDecodeError = "decode_error"
	OutcomeBreakerOpen = "breaker_open"
)

// Fetcher retrieves rate tables from the configured endpoints.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	observer Observer
	now      func() time.Time
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client; its Timeout is left as given.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observer = o }
}

// WithClock overrides time.Now for retrieval timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// New builds a Fetcher. Missing config values take DefaultConfig values.
func New(cfg Config, opts ...Option) *Fetcher {
	def := DefaultConfig()
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = def.Endpoints
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	f := &Fetcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(cfg.Endpoints)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	for _, ep := range cfg.Endpoints {
		f.breakers[ep.URL] = gobreaker.NewCircuitBreaker(f.breakerSettings(ep.URL))
	}
	return f
}

func (f *Fetcher) breakerSettings(name string) gobreaker.Settings {
	failures := f.cfg.BreakerFailures
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     f.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("FX endpoint breaker state changed",
				"endpoint", name,
				"from", from.String(),
				"to", to.String())
		},
	}
}

// Endpoints returns the configured endpoints in priority order.
func (f *Fetcher) Endpoints() []Endpoint {
	return append([]Endpoint(nil), f.cfg.Endpoints...)
}

// Fetch returns the first successfully parsed table, trying endpoints in order.
// When every endpoint fails the error is an *UpstreamError matching core.ErrUpstreamUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, base string, symbols []string) (core.RateTable, error) {
	base = core.NormalizeCode(base)
	if base == "" {
		base = core.ReportingCurrency
	}
	codes := normalizeSymbols(symbols)

	upErr := &UpstreamError{}
	for _, ep := range f.cfg.Endpoints {
		if err := ctx.Err(); err != nil {
			upErr.add(ep.URL, err)
			break
		}

		start := time.Now()
		attempts := 0
		res, err := f.breakers[ep.URL].Execute(func() (interface{}, error) {
			tbl, n, err := f.fetchEndpoint(ctx, ep, base, codes)
			attempts = n
			return tbl, err
		})
		if err != nil {
			f.observe(ep.URL, outcomeOf(err), attempts, time.Since(start))
			slog.WarnContext(ctx, "FX endpoint failed",
				"endpoint", ep.URL,
				"attempts", attempts,
				"error", err)
			upErr.add(ep.URL, err)
			continue
		}

		f.observe(ep.URL, OutcomeSuccess, attempts, time.Since(start))
		tbl := res.(core.RateTable)
		tbl.Symbols = codes
		slog.InfoContext(ctx, "FX rates fetched",
			"endpoint", ep.URL,
			"base", tbl.Base,
			"date", tbl.ProviderDate,
			"rates", len(tbl.Rates))
		return tbl, nil
	}

	return core.RateTable{}, upErr
}

// fetchEndpoint performs up to MaxAttempts GETs against a single endpoint.
func (f *Fetcher) fetchEndpoint(ctx context.Context, ep Endpoint, base string, symbols []string) (core.RateTable, int, error) {
	reqURL, err := buildURL(ep, base, symbols)
	if err != nil {
		return core.RateTable{}, 0, err
	}

	var lastErr error
	attempt := 0
	for attempt < f.cfg.MaxAttempts {
		attempt++
		if attempt > 1 {
			backoff := f.backoff(attempt - 1)
			slog.DebugContext(ctx, "Retrying FX request",
				"endpoint", ep.URL,
				"attempt", attempt,
				"backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return core.RateTable{}, attempt - 1, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return core.RateTable{}, attempt, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return core.RateTable{}, attempt, &networkError{err: err}
		}

		if isRetryableStatus(resp.StatusCode) {
			drain(resp)
			lastErr = &StatusError{Code: resp.StatusCode, URL: ep.URL}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			drain(resp)
			return core.RateTable{}, attempt, &StatusError{Code: resp.StatusCode, URL: ep.URL}
		}

		tbl, err := decodeResponse(resp.Body, base, f.now())
		drain(resp)
		if err != nil {
			return core.RateTable{}, attempt, err
		}
		return tbl, attempt, nil
	}

	return core.RateTable{}, attempt, lastErr
}

// backoff returns BackoffBase * 2^(retry-1), capped at BackoffMax.
func (f *Fetcher) backoff(retry int) time.Duration {
	d := f.cfg.BackoffBase * time.Duration(1<<uint(retry-1))
	if d > f.cfg.BackoffMax {
		d = f.cfg.BackoffMax
	}
	return d
}

func (f *Fetcher) observe(endpoint, outcome string, attempts int, d time.Duration) {
	if f.observer != nil {
		f.observer.ObserveFetch(endpoint, outcome, attempts, d)
	}
}

func buildURL(ep Endpoint, base string, symbols []string) (string, error) {
	raw := strings.TrimRight(ep.URL, "/")
	if ep.BaseInPath {
		raw += "/" + url.PathEscape(base)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", ep.URL, err)
	}
	q := u.Query()
	if !ep.BaseInPath {
		q.Set("base", base)
	}
	if len(symbols) > 0 {
		q.Set("symbols", strings.Join(symbols, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// normalizeSymbols uppercases and de-duplicates while keeping caller order.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = core.NormalizeCode(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func outcomeOf(err error) string {
	var se *StatusError
	var ne *networkError
	var de *DecodeError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return OutcomeBreakerOpen
	case errors.As(err, &se):
		return OutcomeHTTPError
	case errors.As(err, &de):
		return OutcomeDecodeError
	case errors.As(err, &ne):
		return OutcomeNetwork
	default:
		return OutcomeNetwork
	}
}

// providerResponse covers the Frankfurter shape and the base-path "conversion_rates" variant.
type providerResponse struct {
	Base            string             `json:"base"`
	BaseCode        string             `json:"base_code"`
	Date            string             `json:"date"`
	Timestamp       json.RawMessage    `json:"timestamp"`
	LastUpdateUTC   string             `json:"time_last_update_utc"`
	Rates           map[string]float64 `json:"rates"`
	ConversionRates map[string]float64 `json:"conversion_rates"`
}

// decodeResponse normalizes a provider body. Missing metadata never fails the decode:
// base defaults to the requested base and rates default to an empty map.
func decodeResponse(r io.Reader, requestedBase string, now time.Time) (core.RateTable, error) {
	var pr providerResponse
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&pr); err != nil {
		return core.RateTable{}, &DecodeError{Err: err}
	}

	base := pr.Base
	if base == "" {
		base = pr.BaseCode
	}
	if base == "" {
		base = requestedBase
	}

	date := pr.Date
	if date == "" && len(pr.Timestamp) > 0 && string(pr.Timestamp) != "null" {
		date = strings.Trim(string(pr.Timestamp), `"`)
	}
	if date == "" {
		date = pr.LastUpdateUTC
	}

	rates := pr.Rates
	if rates == nil {
		rates = pr.ConversionRates
	}
	if rates == nil {
		rates = map[string]float64{}
	}

	return core.NewRateTable(base, rates, now.UTC(), date), nil
}
