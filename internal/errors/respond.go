package errors

import (
	"encoding/json"
	"net/http"
)

// RequestIDHeader is the header the RequestID middleware echoes onto the
// response when the request carries one; RespondWithError copies it into
// error bodies.
const RequestIDHeader = "X-Request-ID"

// RespondWithError writes err as a structured JSON error body, deriving the
// HTTP status from its Code and echoing the request ID header if present.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := As(err)

	body := HTTPErrorResponse{
		Error: HTTPErrorField{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
		},
	}
	if r != nil {
		body.Error.RequestID = r.Header.Get(RequestIDHeader)
		if body.Error.RequestID == "" {
			body.Error.RequestID = w.Header().Get(RequestIDHeader)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}
