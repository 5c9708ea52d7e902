package handlers

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/internal/server/middleware"
)

// httpErrorResponder renders err onto w. It is a package-level var so tests
// and embedders can substitute their own rendering without touching every
// call site.
var httpErrorResponder = defaultHTTPErrorResponder

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apierrors.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	resp := apierrors.HTTPErrorResponse{Error: apierrors.HTTPErrorField{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}}
	_ = json.NewEncoder(w).Encode(resp)
}

// SetHTTPErrorResponder overrides how errors are rendered to the client.
// Passing nil resets to the default JSON envelope renderer.
func SetHTTPErrorResponder(fn func(http.ResponseWriter, *http.Request, error)) {
	if fn == nil {
		httpErrorResponder = defaultHTTPErrorResponder
		return
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default JSON envelope renderer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

// respondWithError is the single call site every handler in this package
// uses to turn an error into an HTTP response.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
