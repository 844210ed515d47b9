package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sdko-org/delivery-gateway/internal/link"
	"github.com/sdko-org/delivery-gateway/internal/models"
)

type createLinkRequest struct {
	FileID         string   `json:"file_id"`
	Mode           string   `json:"mode"`
	MaxDownloads   *int     `json:"max_downloads,omitempty"`
	ExpiresInHours *int     `json:"expires_in_hours,omitempty"`
	Password       string   `json:"password,omitempty"`
	AllowedIPs     []string `json:"allowed_ips,omitempty"`
	BandwidthLimit int64    `json:"bandwidth_limit,omitempty"`
}

type createLinkResponse struct {
	ID             uint       `json:"id"`
	ShortCode      string     `json:"short_code"`
	DownloadURL    string     `json:"download_url"`
	FileID         string     `json:"file_id"`
	Mode           string     `json:"mode"`
	MaxDownloads   *int       `json:"max_downloads,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	BandwidthLimit int64      `json:"bandwidth_limit,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (h *Handler) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FileID == "" {
		writeError(w, http.StatusBadRequest, "file_id is required")
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeStream
	}

	tok := tokenFrom(r.Context())
	dl, url, err := h.links.CreateLink(r.Context(), req.FileID, req.Mode, tok, link.CreateOptions{
		MaxDownloads:   req.MaxDownloads,
		ExpiresInHours: req.ExpiresInHours,
		Password:       req.Password,
		AllowedIPs:     req.AllowedIPs,
		BandwidthLimit: req.BandwidthLimit,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createLinkResponse{
		ID:             dl.ID,
		ShortCode:      dl.ShortCode,
		DownloadURL:    url,
		FileID:         dl.FileID,
		Mode:           dl.Mode,
		MaxDownloads:   dl.MaxDownloads,
		ExpiresAt:      dl.ExpiresAt,
		BandwidthLimit: dl.BandwidthLimit,
		CreatedAt:      dl.CreatedAt,
	})
}

func (h *Handler) handleLinkInfo(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	info, err := h.links.GetInfo(r.Context(), code)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleDeactivateLink(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	tok := tokenFrom(r.Context())

	if err := h.links.Deactivate(r.Context(), code, tok.ID); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
