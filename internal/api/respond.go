// Package api is the HTTP edge of the three services. Handlers stay thin:
// decode, call the domain, map the error kind to a status code.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"vitalmesh/internal/fault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

// writeError maps the error's kind to a status code. Storage details never
// reach the client.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case fault.IsInvalid(err):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case fault.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case fault.IsTransition(err):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case fault.IsUnavailable(err):
		slog.Error("downstream unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody("service unavailable"))
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// decodeBody parses the request body into v, rejecting unknown garbage with
// a validation error.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Invalid("decode request body: %v", err)
	}
	return nil
}

// parseTimeParam parses an optional ISO 8601 query parameter. Zero time
// means the parameter was absent.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fault.Invalid("parameter %s: %v", name, err)
	}
	return t, nil
}
