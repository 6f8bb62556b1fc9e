// Package api provides HTTP handlers for the handoff API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/identity"
	"github.com/ashureev/handoffd/internal/shared"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	shared.WriteJSONError(w, status, code, message)
}

// StatusFor maps a domain error onto an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusUnprocessableEntity, "invalid_state"
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError reports err to the client. Unexpected errors are logged and
// their detail withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.Error("Request failed", "error", err, "method", r.Method, "path", r.URL.Path, "remote_ip", identity.IPFromRequest(r))
		msg = "internal error"
	case http.StatusServiceUnavailable:
		slog.Warn("Store unavailable", "error", err, "method", r.Method, "path", r.URL.Path, "remote_ip", identity.IPFromRequest(r))
		msg = "service temporarily unavailable"
	}
	Error(w, status, code, msg)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		Error(w, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
		return false
	}
	return true
}
