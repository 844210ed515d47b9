package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sdko-org/delivery-gateway/internal/link"
	"github.com/sdko-org/delivery-gateway/internal/origin"
	"github.com/sdko-org/delivery-gateway/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// writeMappedError translates the error taxonomy onto HTTP statuses
// with a stable reason string per rejection.
func writeMappedError(w http.ResponseWriter, err error) {
	if retryAfter, ok := origin.IsRateLimited(err); ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
		writeError(w, http.StatusServiceUnavailable, "origin is rate limiting requests")
		return
	}

	switch {
	case errors.Is(err, link.ErrLinkNotFound),
		errors.Is(err, origin.ErrFileNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, link.ErrPasswordRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, link.ErrLinkExpired),
		errors.Is(err, link.ErrLimitReached),
		errors.Is(err, link.ErrIPDenied),
		errors.Is(err, link.ErrInvalidPassword),
		errors.Is(err, link.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, link.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
