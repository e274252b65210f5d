package log

// Common field names for structured logging
const (
	FieldComponent      = "component"
	FieldRequestID      = "request_id"
	FieldClientIP       = "client_ip"
	FieldMethod         = "method"
	FieldPath           = "path"
	FieldQuery          = "query"
	FieldStatusCode     = "status_code"
	FieldDuration       = "duration_ms"
	FieldUserAgent      = "user_agent"
	FieldReferer        = "referer"
	FieldSuccess        = "success"
	FieldError          = "error"
	FieldOperation      = "operation"
	FieldYear           = "year"
	FieldMonth          = "month"
	FieldEntryID        = "entry_id"
	FieldCategory       = "category"
	FieldCurrency       = "currency"
	FieldAmountOriginal = "amount_original"
	FieldAmountUSD      = "amount_usd"
	FieldExpenseDate    = "expense_date"
	FieldSnapshotID     = "snapshot_id"
	FieldProviderDate   = "provider_date"
	FieldEndpoint       = "endpoint"
	FieldShared         = "shared"
	FieldCount          = "count"
	FieldErrorType      = "error_type"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentLedger    = "ledger"
	ComponentRates     = "rates"
	ComponentReport    = "report"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentSheets    = "sheets"
	ComponentRateLimit = "rate_limit"
	ComponentBackend   = "backend"
	ComponentCLI       = "cli"
)

// Operations defines standard operation names
const (
	OpRecord   = "record"
	OpRefresh  = "refresh"
	OpReport   = "report"
	OpMirror   = "mirror"
	OpValidate = "validate"
	OpParse    = "parse"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// Error types reported under FieldErrorType.
const (
	ErrorTypeValidation  = "validation_error"
	ErrorTypeMissingRate = "missing_rate_error"
	ErrorTypeUpstream    = "upstream_error"
	ErrorTypeDatabase    = "database_error"
	ErrorTypeInternal    = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithClientIP adds client IP field
func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithEntry adds ledger entry fields
func (f LogFields) WithEntry(id int64, category, currency string, amountOriginal, amountUSD float64, expenseDate string) LogFields {
	f[FieldEntryID] = id
	f[FieldCategory] = category
	f[FieldCurrency] = currency
	f[FieldAmountOriginal] = amountOriginal
	f[FieldAmountUSD] = amountUSD
	f[FieldExpenseDate] = expenseDate
	return f
}

// WithSnapshot adds rate snapshot fields
func (f LogFields) WithSnapshot(id int64, providerDate string) LogFields {
	f[FieldSnapshotID] = id
	f[FieldProviderDate] = providerDate
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent, referer string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	if userAgent != "" {
		f[FieldUserAgent] = userAgent
	}
	if referer != "" {
		f[FieldReferer] = referer
	}
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
