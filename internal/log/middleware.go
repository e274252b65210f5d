package log

import (
	"context"
	"log/slog"
	"net/http"
)

// ContextKey type for context keys
type ContextKey string

// LoggerContextKey holds the request-scoped *Logger.
const LoggerContextKey ContextKey = "logger"

// NewContext returns a copy of ctx carrying l.
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, l)
}

// FromContext returns the request logger, or the slog default bound to
// the "unknown" component outside a request.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return l
	}
	return bind(slog.Default(), "unknown")
}

// rewrap derives a new request logger from the one already in the context.
func rewrap(derive func(*Logger) *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := derive(FromContext(r.Context()))
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), l)))
		})
	}
}

// Middleware seeds every request context with logger.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return rewrap(func(*Logger) *Logger { return logger })
}

// ComponentMiddleware rebinds the request logger to component.
func ComponentMiddleware(component string) func(http.Handler) http.Handler {
	return rewrap(func(l *Logger) *Logger { return l.WithComponent(component) })
}

// RequestIDMiddleware tags the request logger with the id returned by
// extract. Requests without an id are left untouched.
func RequestIDMiddleware(extract func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := extract(r); id != "" {
				l := FromContext(r.Context()).With(FieldRequestID, id)
				r = r.WithContext(NewContext(r.Context(), l))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StructuredLogger emits the ledger's domain events with a fixed field set.
type StructuredLogger struct {
	logger *Logger
}

func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger}
}

func (sl *StructuredLogger) emit(ctx context.Context, level slog.Level, component, msg string, fields LogFields) {
	sl.logger.WithComponent(component).Log(ctx, level, msg, fields.ToSlice()...)
}

// LogEntryRecorded logs a committed ledger entry.
func (sl *StructuredLogger) LogEntryRecorded(ctx context.Context, id int64, category, currency string, amountOriginal, amountUSD float64, expenseDate string) {
	sl.emit(ctx, slog.LevelInfo, ComponentLedger, "Ledger entry recorded",
		NewFields().
			WithEntry(id, category, currency, amountOriginal, amountUSD, expenseDate).
			WithOperation(OpRecord))
}

// LogRatesRefreshed logs a stored snapshot. shared is true when the caller
// joined a refresh already in flight.
func (sl *StructuredLogger) LogRatesRefreshed(ctx context.Context, snapshotID int64, providerDate string, shared bool) {
	fields := NewFields().
		WithSnapshot(snapshotID, providerDate).
		WithOperation(OpRefresh)
	fields[FieldShared] = shared
	sl.emit(ctx, slog.LevelInfo, ComponentRates, "FX rates refreshed", fields)
}

// LogReportBuilt logs a served monthly report.
func (sl *StructuredLogger) LogReportBuilt(ctx context.Context, year, month, count int, totalUSD float64) {
	fields := NewFields().WithOperation(OpReport)
	fields[FieldYear] = year
	fields[FieldMonth] = month
	fields[FieldCount] = count
	fields[FieldAmountUSD] = totalUSD
	sl.emit(ctx, slog.LevelDebug, ComponentReport, "Monthly report built", fields)
}

// LogRejected logs a request refused for a caller-side reason.
func (sl *StructuredLogger) LogRejected(ctx context.Context, component, errorType string, err error) {
	fields := NewFields().WithError(err)
	fields[FieldErrorType] = errorType
	sl.emit(ctx, slog.LevelWarn, component, "Request rejected", fields)
}

// LogError logs a failure. fields may be nil.
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, component, operation string, fields LogFields) {
	if fields == nil {
		fields = NewFields()
	}
	fields = fields.WithError(err)
	if operation != "" {
		fields = fields.WithOperation(operation)
	}
	sl.emit(ctx, slog.LevelError, component, msg, fields)
}
