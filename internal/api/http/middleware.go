// Package http provides the admin HTTP API: boundary inspection, manual
// advance and migration triggers, cursor inspection and metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse represents an error response. Code and Details are set for
// structured errors, e.g. the committed boundaries of a conflict.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// RequestIDMiddleware propagates X-Request-ID, generating one when absent.
// Async migration runs log it so a trigger can be matched to its outcome.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AccessLogMiddleware logs every request that is not a GET, and any request
// answered with a 5xx status. Reads of boundaries and cursors stay quiet.
func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.Method == http.MethodGet && rec.status < 500 {
			return
		}
		log.Printf("api/http: %s %s -> %d in %v (request_id=%s)",
			r.Method, r.URL.RequestURI(), rec.status, time.Since(start).Round(time.Millisecond), GetRequestID(r.Context()))
	})
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := r.Context().Value(requestIDKey).(string)
				log.Printf("api/http: panic serving %s %s (request_id=%s): %v", r.Method, r.URL.Path, requestID, err)
				writeError(w, http.StatusInternalServerError, "internal server error", requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// DefaultMiddleware returns the admin chain: request IDs outermost so
// recovery and the access log can report them.
func DefaultMiddleware() func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return RequestIDMiddleware(AccessLogMiddleware(RecoveryMiddleware(h)))
	}
}

// writeError writes a plain error message.
func writeError(w http.ResponseWriter, statusCode int, message string, requestID string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message, RequestID: requestID})
}

// statusFor maps a structured error to an HTTP status.
func statusFor(err error) int {
	switch {
	case rkerrors.IsNotFound(err):
		return http.StatusNotFound
	case rkerrors.IsConflict(err):
		return http.StatusConflict
	case rkerrors.IsSchemaMismatch(err):
		return http.StatusUnprocessableEntity
	case rkerrors.GetCategory(err) == rkerrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case rkerrors.IsFatalMigration(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeErr writes err with its code and details.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      rkerrors.GetCode(err),
		RequestID: GetRequestID(r.Context()),
	}
	var e *rkerrors.Error
	if errors.As(err, &e) && len(e.Details) > 0 {
		resp.Details = e.Details
	}
	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("api/http: [WARN] failed to encode response: %v", err)
	}
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
