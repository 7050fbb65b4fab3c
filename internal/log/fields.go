package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldTraceID       = "trace_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldQuery         = "query"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldUserAgent     = "user_agent"
	FieldReferer       = "referer"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldProfileID     = "profile_id"
	FieldTransactionID = "transaction_id"
	FieldTargetID      = "target_id"
	FieldAllocationID  = "allocation_id"
	FieldIntentID      = "intent_id"
	FieldAmountCents   = "amount_cents"
	FieldKind          = "kind"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentLedger     = "ledger"
	ComponentAllocation = "allocation"
	ComponentSavings    = "savings"
	ComponentWorker     = "worker"
	ComponentRateLimit  = "rate_limit"
	ComponentBackend    = "backend"
)

// OpCreate marks records of operations that add data.
const OpCreate = "create"

// ErrorTypeInternal tags failures the caller did not cause.
const ErrorTypeInternal = "internal_error"

// LogFields builds slog key/value pairs in the order they are added.
type LogFields []any

func NewFields() LogFields {
	return make(LogFields, 0, 16)
}

func (f LogFields) add(kv ...any) LogFields {
	return append(f, kv...)
}

func (f LogFields) WithClientIP(ip string) LogFields {
	return f.add(FieldClientIP, ip)
}

func (f LogFields) WithOperation(op string) LogFields {
	return f.add(FieldOperation, op)
}

func (f LogFields) WithAllocation(allocationID, targetID string, amountCents int64) LogFields {
	return f.add(FieldAllocationID, allocationID, FieldTargetID, targetID, FieldAmountCents, amountCents)
}

func (f LogFields) WithTransaction(transactionID, profileID, kind string, amountCents int64) LogFields {
	return f.add(FieldTransactionID, transactionID, FieldProfileID, profileID, FieldKind, kind, FieldAmountCents, amountCents)
}

// WithHTTPRequest skips empty user agent and referer.
func (f LogFields) WithHTTPRequest(method, path, query, userAgent, referer string) LogFields {
	f = f.add(FieldMethod, method, FieldPath, path)
	if query != "" {
		f = f.add(FieldQuery, query)
	}
	if userAgent != "" {
		f = f.add(FieldUserAgent, userAgent)
	}
	if referer != "" {
		f = f.add(FieldReferer, referer)
	}
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	return f.add(FieldStatusCode, statusCode, FieldDuration, durationMs, FieldSuccess, success)
}

// ToSlice returns the pairs for a slog call.
func (f LogFields) ToSlice() []any {
	return f
}
