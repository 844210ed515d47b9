package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes wires the HTTP surface onto the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", HandleHealth).Methods(http.MethodGet)

	r.HandleFunc("/links", h.requireToken("links.create", h.handleCreateLink)).Methods(http.MethodPost)
	r.HandleFunc("/links/{code}/info", h.handleLinkInfo).Methods(http.MethodGet)
	r.HandleFunc("/links/{code}", h.requireToken("", h.handleDeactivateLink)).Methods(http.MethodDelete)

	r.HandleFunc("/stream/{code}", h.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/fast/{code}", h.handleFast).Methods(http.MethodGet)
	r.HandleFunc("/progress/{sessionId}", h.handleProgress).Methods(http.MethodGet)

	r.HandleFunc("/admin/cache/invalidate", h.requireToken("admin", h.handleCacheInvalidate)).Methods(http.MethodPost)
}
