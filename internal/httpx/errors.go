package httpx

import (
	"context"
	"net/http"
)

type contextKey string

const traceIDContextKey contextKey = "httpx.traceId"

// WithTraceID attaches the per-request trace id to ctx so deep call
// sites can include it in an error body without threading it through
// every function signature.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDContextKey, traceID)
}

// TraceID retrieves the trace id attached by WithTraceID, or "" if none.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDContextKey).(string)
	return v
}

// ErrorBody is the JSON error shape written by WriteErrorBody:
// code/message/traceId, plus an optional stack trace outside
// production. The rate limiter's 429 and the CORS preflight 403 are
// plain-text responses and do not use it.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TraceID   string `json:"traceId,omitempty"`
	Exception string `json:"exception,omitempty"`
}

// WriteErrorBody writes the normalized error envelope. exception is
// only populated by the caller in non-production environments.
func WriteErrorBody(w http.ResponseWriter, status int, code, message, traceID, exception string) {
	WriteJSON(w, status, ErrorBody{Code: code, Message: message, TraceID: traceID, Exception: exception})
}

// ResponseRecorder tracks whether a response has already started so a
// top-level recovery middleware can avoid a second, invalid write.
type ResponseRecorder struct {
	http.ResponseWriter
	wroteHeader bool
	Status      int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w}
}

func (r *ResponseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *ResponseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *ResponseRecorder) Started() bool {
	return r.wroteHeader
}
