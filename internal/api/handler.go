// Package api provides HTTP handlers for the Repo-Ranger API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/repo-ranger/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// errorBody is the shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorBody{Error: code, Message: message})
}

// WriteError maps err to a status code and writes it. result, when not
// nil, is attached to validation failures that still committed a turn.
func WriteError(w http.ResponseWriter, err error, result any) {
	var (
		ve *domain.ValidationError
		ue *domain.UpstreamError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not_found", "session or artifact not found; start a new session")
	case errors.Is(err, domain.ErrConflict):
		Error(w, http.StatusConflict, "conflict", "a turn is already in flight for this session")
	case errors.As(err, &ve):
		JSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   "validation_failed",
			Message: ve.Error(),
			Reason:  ve.Reason,
			Result:  result,
		})
	case errors.As(err, &ue):
		Error(w, http.StatusBadGateway, "upstream_failed", ue.Error())
	case errors.Is(err, context.Canceled):
		Error(w, http.StatusRequestTimeout, "canceled", "request canceled")
	default:
		slog.Error("Unhandled API error", "error", err)
		Error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
