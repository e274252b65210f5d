package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	applog "fxledger/internal/log"
	"fxledger/internal/metrics"
	"fxledger/internal/middleware/ratelimit"
	"fxledger/internal/middleware/security"
	"fxledger/internal/middleware/trace"
	"fxledger/internal/services"
)

// Pinger reports whether the data backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RefreshPublisher hands a rate refresh to a background worker.
type RefreshPublisher interface {
	PublishRatesRefresh(ctx context.Context, reason string, symbols []string) error
}

// Dependencies are the collaborators the HTTP layer serves.
type Dependencies struct {
	Expenses *services.ExpenseService
	Rates    *services.RateService
	Reports  *services.ReportService

	Store            Pinger
	RefreshPublisher RefreshPublisher // optional
	Metrics          *metrics.Registry
	Logger           *applog.Logger

	Categories []string
	RateLimit  ratelimit.Config
}

// Server wraps http.Server with the ledger routes and middleware.
type Server struct {
	http.Server

	deps       Dependencies
	limiter    *ratelimit.Limiter
	detector   *security.Detector
	cleanLabel func(string) string
	started    time.Time
	now        func() time.Time

	shutdownOnce sync.Once
}

// NewServer builds the router and binds it to addr.
func NewServer(addr string, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = applog.New(applog.DefaultConfig())
	}

	s := &Server{
		deps:       deps,
		limiter:    ratelimit.NewLimiter(deps.RateLimit),
		detector:   security.NewDetector(),
		cleanLabel: newLabelCleaner(),
		started:    time.Now(),
		now:        time.Now,
	}

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	tracer := trace.NewMiddleware(s.detector.ExtractClientIP, s.deps.Metrics.HTTPRequest)
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())

	r.Use(chimw.Recoverer)
	r.Use(applog.Middleware(s.deps.Logger))
	r.Use(tracer.Middleware)
	r.Use(s.detector.Middleware)
	r.Use(headers.Middleware)
	r.Use(applog.RequestIDMiddleware(func(r *http.Request) string {
		return trace.GetRequestID(r.Context())
	}))
	r.Use(applog.ComponentMiddleware(applog.ComponentHTTP))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Get("/", s.handleIndex)
	r.Get("/expenses", s.handleListExpenses)
	r.Get("/report", s.handleReport)
	r.Get("/fx", s.handleFX)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware(s.detector.ExtractClientIP, s.handleRateLimited))
		r.Post("/expenses", s.handleCreateExpense)
		r.Post("/fx/update", s.handleRefreshFX)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFoundError("no route for " + r.URL.Path).RequestID(trace.GetRequestID(r.Context())).Write(w)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		ErrorResponse(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed").
			RequestID(trace.GetRequestID(r.Context())).
			Write(w)
	})

	return r
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	applog.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		applog.FieldClientIP, s.detector.ExtractClientIP(r),
		applog.FieldPath, r.URL.Path)
	ErrorResponse(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, try again later").
		RequestID(trace.GetRequestID(r.Context())).
		Write(w)
}

// Shutdown stops the limiter's cleanup goroutine and drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}
