package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/sdko-org/delivery-gateway/internal/models"
	"github.com/sdko-org/delivery-gateway/internal/origin"
	"github.com/sirupsen/logrus"
)

const passwordHeader = "X-Link-Password"

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	h.deliver(w, r, models.ModeStream)
}

func (h *Handler) handleFast(w http.ResponseWriter, r *http.Request) {
	h.deliver(w, r, models.ModeCached)
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request, method string) {
	code := mux.Vars(r)["code"]
	clientIP := getClientIP(r)

	dl, err := h.links.ValidateAccess(r.Context(), code, clientIP, r.Header.Get(passwordHeader))
	if err != nil {
		writeMappedError(w, err)
		return
	}

	meta, err := h.origin.GetFileMeta(r.Context(), dl.FileID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	sess, err := h.sessions.Begin(r.Context(), dl, clientIP, r.UserAgent(), meta.Size, method)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	log := h.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"short_code": code,
		"method":     method,
	})

	if method == models.ModeCached {
		h.deliverCached(w, r, log, sess.ID, dl, meta)
		return
	}
	h.deliverStream(w, r, log, sess.ID, dl, meta)
}

// setDownloadHeaders stages the file headers. Must only be called once
// a byte source is in hand; before that, failures still need a clean
// JSON error response, and a declared Content-Length would corrupt it.
func setDownloadHeaders(w http.ResponseWriter, sessionID string, meta *origin.FileMeta) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", fmt.Sprint(meta.Size))
	w.Header().Set("X-Session-Id", sessionID)
}

func (h *Handler) deliverStream(w http.ResponseWriter, r *http.Request, log *logrus.Entry, sessionID string, dl *models.DownloadLink, meta *origin.FileMeta) {
	stream, err := h.engine.StreamChunks(r.Context(), dl.FileID, meta.OriginRef)
	if err != nil {
		h.failSession(sessionID, err.Error())
		writeMappedError(w, err)
		return
	}
	defer stream.Close()

	setDownloadHeaders(w, sessionID, meta)

	dst := newThrottledWriter(r.Context(), w, dl.BandwidthLimit)
	var sent int64
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Headers are gone; all that is left is to stop and record
			// the failure.
			log.WithError(err).Error("Origin stream failed mid-transfer")
			h.failSession(sessionID, err.Error())
			return
		}

		n, err := dst.Write(chunk)
		sent += int64(n)
		if err != nil {
			log.WithError(err).Info("Client went away mid-transfer")
			h.failSession(sessionID, "client disconnected")
			return
		}

		if err := h.sessions.ReportProgress(r.Context(), sessionID, sent); err != nil {
			log.WithError(err).Warn("Failed to report progress")
		}
	}

	h.finishSession(sessionID, sent)
}

func (h *Handler) deliverCached(w http.ResponseWriter, r *http.Request, log *logrus.Entry, sessionID string, dl *models.DownloadLink, meta *origin.FileMeta) {
	path, hit, err := h.engine.FastDeliver(r.Context(), dl.FileID, meta.Name, meta.OriginRef)
	if err != nil {
		h.failSession(sessionID, err.Error())
		writeMappedError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).Error("Delivered file unreadable")
		h.failSession(sessionID, "local copy unreadable")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	setDownloadHeaders(w, sessionID, meta)
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}

	dst := newThrottledWriter(r.Context(), w, dl.BandwidthLimit)
	buf := make([]byte, 64<<10)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			sent += int64(written)
			if werr != nil {
				log.WithError(werr).Info("Client went away mid-transfer")
				h.failSession(sessionID, "client disconnected")
				return
			}
			if perr := h.sessions.ReportProgress(r.Context(), sessionID, sent); perr != nil {
				log.WithError(perr).Warn("Failed to report progress")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WithError(err).Error("Local read failed mid-transfer")
			h.failSession(sessionID, "local read failed")
			return
		}
	}

	h.finishSession(sessionID, sent)
}

// Terminal session writes use a fresh context: the request context is
// already canceled when the client disconnected.
func (h *Handler) failSession(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sessions.Finish(ctx, sessionID, false, reason); err != nil {
		h.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to mark session failed")
	}
}

func (h *Handler) finishSession(sessionID string, sent int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sessions.ReportProgress(ctx, sessionID, sent); err != nil {
		h.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to record final progress")
	}
	if err := h.sessions.Finish(ctx, sessionID, true, ""); err != nil {
		h.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to mark session completed")
	}
}
