package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionId"]

	progress, err := h.sessions.GetProgress(id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
