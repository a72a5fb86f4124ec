package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/server"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// apiError is a transport-level failure with no domain meaning.
type apiError struct {
	status  int
	kind    string
	message string
}

func (e *apiError) Error() string { return e.message }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err with the status its kind maps to. The cause is
// recorded on the request log line; unknown errors are rendered as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	var te *domain.TrackingError
	var ae *apiError
	switch {
	case errors.As(err, &te):
		writeJSON(w, te.HTTPStatusCode(), ErrorBody{Error: ErrorDetail{Type: string(te.Kind), Message: te.Error()}})
	case errors.As(err, &ae):
		writeJSON(w, ae.status, ErrorBody{Error: ErrorDetail{Type: ae.kind, Message: ae.message}})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{Type: "internal", Message: "internal error"}})
	}
}
