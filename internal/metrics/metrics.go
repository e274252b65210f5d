// Package metrics holds the Prometheus collectors exported on /metrics.
// All recording methods are safe on a nil *Registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	FetchTotal       *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	FetchAttempts    *prometheus.CounterVec
	RefreshTotal     *prometheus.CounterVec
	ExpensesRecorded *prometheus.CounterVec
	MissingRates     *prometheus.CounterVec
	ReportCache      *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		FetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxledger_fx_fetch_total",
				Help: "FX endpoint fetches by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxledger_fx_fetch_duration_seconds",
				Help:    "Time spent on one FX endpoint including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),

		FetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxledger_fx_fetch_attempts_total",
				Help: "HTTP attempts made against FX endpoints",
			},
			[]string{"endpoint"},
		),

		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxledger_rates_refresh_total",
				Help: "Rate refreshes by result",
			},
			[]string{"result"},
		),

		ExpensesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxledger_expenses_recorded_total",
				Help: "Ledger entries appended by original currency",
			},
			[]string{"currency"},
		),

		MissingRates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxledger_missing_rate_total",
				Help: "Expenses rejected because no usable rate existed",
			},
			[]string{"currency"},
		),

		ReportCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxledger_report_cache_total",
				Help: "Monthly report cache lookups by result",
			},
			[]string{"result"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxledger_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxledger_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.FetchTotal,
		r.FetchDuration,
		r.FetchAttempts,
		r.RefreshTotal,
		r.ExpensesRecorded,
		r.MissingRates,
		r.ReportCache,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveFetch satisfies fx.Observer.
func (r *Registry) ObserveFetch(endpoint, outcome string, attempts int, d time.Duration) {
	if r == nil {
		return
	}
	r.FetchTotal.WithLabelValues(endpoint, outcome).Inc()
	r.FetchDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	if attempts > 0 {
		r.FetchAttempts.WithLabelValues(endpoint).Add(float64(attempts))
	}
}

func (r *Registry) RefreshResult(result string) {
	if r == nil {
		return
	}
	r.RefreshTotal.WithLabelValues(result).Inc()
}

func (r *Registry) ExpenseRecorded(currency string) {
	if r == nil {
		return
	}
	r.ExpensesRecorded.WithLabelValues(currency).Inc()
}

func (r *Registry) MissingRate(currency string) {
	if r == nil {
		return
	}
	r.MissingRates.WithLabelValues(currency).Inc()
}

func (r *Registry) ReportCacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.ReportCache.WithLabelValues(result).Inc()
}

func (r *Registry) HTTPRequest(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
