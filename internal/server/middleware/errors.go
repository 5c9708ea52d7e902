// Package middleware provides the coordinator's HTTP cross-cutting
// concerns: request ID propagation and panic recovery rendered as the
// structured error envelope from internal/errors.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	apierrors "github.com/llmjob/coordinator/internal/errors"
)

type contextKey int

const requestIDKey contextKey = iota

// RequestID reads X-Request-ID (generating nothing if absent) and threads
// it through the request context so Recovery and handlers can attach it to
// error responses.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id != "" {
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

// RequestIDFromContext returns the request ID stashed by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ErrorBody is the wire shape of a single error.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ErrorResponse is the top-level JSON body for any error response emitted
// by this middleware.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Recovery converts a panic anywhere downstream into a 500 INTERNAL_ERROR
// envelope instead of tearing down the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				var appErr *apierrors.Error
				switch v := rec.(type) {
				case error:
					appErr = apierrors.Internal(fmt.Sprintf("panic: %v", v))
				default:
					appErr = apierrors.Internal(fmt.Sprintf("panic: %v", v))
				}
				writeErrorResponseWithRequestID(w, appErr, http.StatusInternalServerError, RequestIDFromContext(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for readability at call sites
// that register it purely for its error-rendering behavior.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse renders appErr as statusCode with no request ID
// attached. Used directly by callers that already have a finished *Error.
func writeErrorResponse(w http.ResponseWriter, appErr *apierrors.Error, statusCode int) {
	writeErrorResponseWithRequestID(w, appErr, statusCode, "")
}

func writeErrorResponseWithRequestID(w http.ResponseWriter, appErr *apierrors.Error, statusCode int, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := ErrorResponse{Error: ErrorBody{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: requestID,
	}}
	_ = json.NewEncoder(w).Encode(resp)
}
