package handlers

import (
	"encoding/json"
	"net/http"
)

type invalidateRequest struct {
	FileID string `json:"file_id"`
}

// handleCacheInvalidate drops one cache entry by file id, or runs a
// full cleanup sweep when no id is given.
func (h *Handler) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if req.FileID != "" {
		if err := h.cache.Invalidate(r.Context(), req.FileID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to invalidate entry")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"invalidated": req.FileID})
		return
	}

	if err := h.cache.Cleanup(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleanup completed"})
}
