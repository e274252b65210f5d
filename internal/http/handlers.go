package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fxledger/internal/core"
	applog "fxledger/internal/log"
	"fxledger/internal/middleware/trace"
	"fxledger/internal/services"
)

const (
	recentOnIndex   = 10
	defaultListSize = 50
	maxListSize     = 500
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewResponse().JSON(map[string]interface{}{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}).Write(w)
}

// handleReady performs readiness check with dependency verification
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]interface{})

	if s.deps.Store == nil {
		checks["storage"] = "not_configured"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else if err := s.deps.Store.Ping(ctx); err != nil {
		checks["storage"] = "failed: " + err.Error()
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	if s.deps.Rates != nil {
		if ts, err := s.deps.Rates.Overview(ctx); err == nil {
			checks["rates_timestamp"] = formatOptionalTime(ts.Timestamp)
		}
	}

	checks["rate_limiter"] = map[string]interface{}{
		"active_clients": s.limiter.ActiveClients(),
		"rejected":       s.limiter.Rejected(),
	}
	checks["suspicious_requests"] = s.detector.SuspiciousRequests()

	NewResponse().Status(httpStatus).JSON(map[string]interface{}{
		"status":    status,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

// handleIndex returns everything the entry form needs in one call.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recent, err := s.deps.Expenses.Recent(ctx, recentOnIndex)
	if err != nil {
		s.writeError(w, r, err, applog.ComponentLedger, "Failed to load recent entries")
		return
	}
	table, err := s.deps.Rates.Latest(ctx)
	if err != nil {
		s.writeError(w, r, err, applog.ComponentRates, "Failed to load rates")
		return
	}
	overview, err := s.deps.Rates.Overview(ctx)
	if err != nil {
		s.writeError(w, r, err, applog.ComponentRates, "Failed to load rates timestamp")
		return
	}

	categories := s.deps.Categories
	if len(categories) == 0 {
		categories = core.DefaultCategories
	}

	NewResponse().JSON(indexView{
		Categories:     categories,
		Currencies:     s.deps.Expenses.SupportedCurrencies(),
		Today:          s.now().Format(core.DateLayout),
		Recent:         newEntryViews(recent),
		Rates:          table.Rates,
		RatesTimestamp: formatOptionalTime(overview.Timestamp),
	}).Write(w)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	limit := ParseLimit(r.URL.Query(), defaultListSize, maxListSize)
	entries, err := s.deps.Expenses.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err, applog.ComponentLedger, "Failed to list entries")
		return
	}
	NewResponse().JSON(map[string]interface{}{
		"entries": newEntryViews(entries),
	}).Write(w)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := applog.FromContext(ctx)

	parser := NewRequestBodyParser(r)
	if err := parser.Parse(); err != nil {
		logger.WarnContext(ctx, "Malformed expense body",
			applog.FieldOperation, applog.OpParse,
			applog.FieldError, err.Error())
		s.writeError(w, r, err, applog.ComponentLedger, "")
		return
	}

	in, err := parser.ExpenseInput(s.cleanLabel)
	if err != nil {
		s.writeError(w, r, err, applog.ComponentLedger, "")
		return
	}

	entry, err := s.deps.Expenses.Record(ctx, in)
	if err != nil {
		s.writeError(w, r, err, applog.ComponentLedger, "Failed to record expense")
		return
	}

	applog.NewStructuredLogger(logger).LogEntryRecorded(ctx, entry.ID, entry.Category, entry.Currency,
		entry.AmountOriginal, entry.AmountUSD, entry.ExpenseDate.Format(core.DateLayout))

	NewResponse().
		Status(http.StatusCreated).
		JSON(map[string]interface{}{
			"entry":   newEntryView(entry),
			"message": services.Confirmation(entry),
		}).
		Write(w)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	params, err := ParseMonthParams(r.URL.Query(), s.now())
	if err != nil {
		s.writeError(w, r, err, applog.ComponentReport, "")
		return
	}

	report, err := s.deps.Reports.Monthly(r.Context(), params.Year, params.Month)
	if err != nil {
		s.writeError(w, r, err, applog.ComponentReport, "Failed to build monthly report")
		return
	}

	applog.NewStructuredLogger(applog.FromContext(r.Context())).
		LogReportBuilt(r.Context(), report.Year, report.Month, report.Count, report.Total)

	NewResponse().JSON(newReportView(report)).Write(w)
}

func (s *Server) handleFX(w http.ResponseWriter, r *http.Request) {
	overview, err := s.deps.Rates.Overview(r.Context())
	if err != nil {
		s.writeError(w, r, err, applog.ComponentRates, "Failed to load rates")
		return
	}
	NewResponse().JSON(newFXView(overview)).Write(w)
}

// handleRefreshFX fetches fresh rates now, or with ?async=1 queues the
// refresh for the worker when a broker is configured.
func (s *Server) handleRefreshFX(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbols := ParseSymbols(r.URL.Query())

	if isTruthy(r.URL.Query().Get("async")) && s.deps.RefreshPublisher != nil {
		if err := s.deps.RefreshPublisher.PublishRatesRefresh(ctx, "http", symbols); err != nil {
			applog.NewStructuredLogger(applog.FromContext(ctx)).LogError(ctx,
				"Failed to queue rate refresh", err, applog.ComponentAMQP, applog.OpRefresh, applog.NewFields())
			ErrorResponse(http.StatusServiceUnavailable, CodeUpstreamUnavailable, "refresh queue unavailable").
				RequestID(trace.GetRequestID(ctx)).
				Write(w)
			return
		}
		NewResponse().Status(http.StatusAccepted).JSON(map[string]interface{}{
			"message": "FX refresh queued",
		}).Write(w)
		return
	}

	res, err := s.deps.Rates.Refresh(ctx, symbols)
	if err != nil {
		s.writeError(w, r, err, applog.ComponentRates, "FX refresh failed")
		return
	}

	applog.NewStructuredLogger(applog.FromContext(ctx)).LogRatesRefreshed(ctx, res.Snapshot.ID, res.Snapshot.ProviderDate, res.Shared)

	NewResponse().JSON(map[string]interface{}{
		"message":  res.Message(),
		"snapshot": newSnapshotView(res.Snapshot),
		"shared":   res.Shared,
	}).Write(w)
}

// writeError maps err to a JSON error. Caller-side failures are logged at
// warn; everything else is logged as an error with msg.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, component, msg string) {
	ctx := r.Context()
	sl := applog.NewStructuredLogger(applog.FromContext(ctx))

	switch errType := errorType(err); errType {
	case applog.ErrorTypeValidation, applog.ErrorTypeMissingRate:
		sl.LogRejected(ctx, component, errType, err)
	default:
		if msg == "" {
			msg = "Request failed"
		}
		sl.LogError(ctx, msg, err, component, "", applog.LogFields{applog.FieldErrorType: errType})
	}

	FromError(err).RequestID(trace.GetRequestID(ctx)).Write(w)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return applog.ErrorTypeValidation
	case errors.Is(err, core.ErrMissingRate):
		return applog.ErrorTypeMissingRate
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return applog.ErrorTypeUpstream
	case errors.Is(err, core.ErrStorageUnavailable):
		return applog.ErrorTypeDatabase
	default:
		return applog.ErrorTypeInternal
	}
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
