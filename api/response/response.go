// Package response writes JSON bodies and maps engine errors onto HTTP
// status codes.
package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xraph/recur"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// Status returns the HTTP status for an engine error.
func Status(err error) int {
	switch {
	case recur.IsNotFound(err):
		return http.StatusNotFound
	case recur.IsConflict(err), errors.Is(err, recur.ErrVersionConflict):
		return http.StatusConflict
	case recur.IsInvalidTransition(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, recur.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, recur.ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, recur.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err with the status Status picks for it. Unavailable
// responses carry a Retry-After hint.
func Error(w http.ResponseWriter, err error) {
	status := Status(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	WriteError(w, status, err.Error())
}
