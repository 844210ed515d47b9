package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sdko-org/delivery-gateway/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionFinished = errors.New("session: already terminal")
)

// Progress is the live view of one in-flight transfer.
type Progress struct {
	SessionID  string  `json:"session_id"`
	Status     string  `json:"status"`
	BytesSent  int64   `json:"bytes_sent"`
	TotalBytes int64   `json:"total_bytes"`
	Percent    float64 `json:"percent"`
	SpeedBPS   float64 `json:"speed_bps"`
	ETASeconds float64 `json:"eta_seconds"`
}

type activeSession struct {
	model        models.DownloadSession
	lastProgress time.Time
}

// Tracker owns download sessions: a concurrency-safe in-memory table of
// in-flight transfers for O(1) progress lookups, mirrored into durable
// rows. Sessions are created and mutated only here; a terminal session
// accepts no further mutation. The successful-completion path is the
// sole place a link's usage counter is charged, so an aborted transfer
// never counts against the cap.
type Tracker struct {
	db         *gorm.DB
	log        *logrus.Entry
	staleAfter time.Duration

	mu     sync.RWMutex
	active map[string]*activeSession
}

func NewTracker(logger *logrus.Logger, db *gorm.DB, staleAfter time.Duration) *Tracker {
	return &Tracker{
		db:         db,
		log:        logger.WithField("component", "session_tracker"),
		staleAfter: staleAfter,
		active:     make(map[string]*activeSession),
	}
}

// Begin creates a pending session and registers it as active.
func (t *Tracker) Begin(ctx context.Context, link *models.DownloadLink, clientIP, userAgent string, totalBytes int64, method string) (*models.DownloadSession, error) {
	sess := models.DownloadSession{
		ID:         uuid.NewString(),
		ShortCode:  link.ShortCode,
		FileID:     link.FileID,
		ClientIP:   clientIP,
		UserAgent:  userAgent,
		Method:     method,
		TotalBytes: totalBytes,
		Status:     models.SessionPending,
		StartedAt:  time.Now().UTC(),
	}
	if err := t.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	t.mu.Lock()
	t.active[sess.ID] = &activeSession{model: sess, lastProgress: sess.StartedAt}
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"short_code": link.ShortCode,
		"method":     method,
	}).Info("Download session started")
	return &sess, nil
}

// ReportProgress records transferred bytes. The first report moves the
// session from pending to downloading.
func (t *Tracker) ReportProgress(ctx context.Context, sessionID string, bytesSent int64) error {
	t.mu.Lock()
	entry, ok := t.active[sessionID]
	if !ok {
		t.mu.Unlock()
		return ErrSessionNotFound
	}
	if entry.model.Status == models.SessionCompleted || entry.model.Status == models.SessionFailed {
		t.mu.Unlock()
		return ErrSessionFinished
	}
	entry.model.BytesSent = bytesSent
	entry.model.Status = models.SessionDownloading
	entry.lastProgress = time.Now()
	t.mu.Unlock()

	err := t.db.WithContext(ctx).Model(&models.DownloadSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"bytes_sent": bytesSent,
			"status":     models.SessionDownloading,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to persist session progress: %w", err)
	}
	return nil
}

// Finish moves the session to its terminal state and drops it from the
// active table. On success the owning link's download counter is
// incremented atomically, guarded by the max-download predicate; if the
// cap was raced away by a concurrent completion, the session is marked
// failed instead so completed sessions never exceed the cap.
func (t *Tracker) Finish(ctx context.Context, sessionID string, success bool, errMsg string) error {
	t.mu.Lock()
	entry, ok := t.active[sessionID]
	if !ok {
		t.mu.Unlock()
		return ErrSessionNotFound
	}
	if entry.model.Status == models.SessionCompleted || entry.model.Status == models.SessionFailed {
		t.mu.Unlock()
		return ErrSessionFinished
	}
	delete(t.active, sessionID)
	sess := entry.model
	t.mu.Unlock()

	status := models.SessionFailed
	if success {
		charged, err := t.chargeLink(ctx, sess.ShortCode)
		if err != nil {
			// The session left the active table above; without a
			// terminal row it would be stranded in downloading with
			// nothing left to reap it.
			if perr := t.persistTerminal(ctx, sessionID, models.SessionFailed, "usage accounting failed", sess.BytesSent); perr != nil {
				t.log.WithError(perr).WithField("session_id", sessionID).Error("Failed to persist terminal session state")
			}
			return err
		}
		if charged {
			status = models.SessionCompleted
		} else {
			errMsg = "download limit reached during completion"
			t.log.WithFields(logrus.Fields{
				"session_id": sessionID,
				"short_code": sess.ShortCode,
			}).Warn("Completion lost race for final download slot")
		}
	}

	if err := t.persistTerminal(ctx, sessionID, status, errMsg, sess.BytesSent); err != nil {
		return err
	}

	t.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"status":     status,
		"bytes":      sess.BytesSent,
	}).Info("Download session finished")
	return nil
}

func (t *Tracker) persistTerminal(ctx context.Context, sessionID, status, errMsg string, bytesSent int64) error {
	err := t.db.WithContext(ctx).Model(&models.DownloadSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":       status,
			"error":        errMsg,
			"bytes_sent":   bytesSent,
			"completed_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to persist terminal session state: %w", err)
	}
	return nil
}

// chargeLink applies the counter increment in the database, not
// read-modify-write in application code, so concurrent completions
// cannot both slip under the cap.
func (t *Tracker) chargeLink(ctx context.Context, shortCode string) (bool, error) {
	result := t.db.WithContext(ctx).Model(&models.DownloadLink{}).
		Where("short_code = ? AND (max_downloads IS NULL OR download_count < max_downloads)", shortCode).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
	if result.Error != nil {
		return false, fmt.Errorf("failed to charge link usage: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetProgress answers only for sessions still in the active table;
// rows already flushed to storage are history, not progress.
func (t *Tracker) GetProgress(sessionID string) (*Progress, error) {
	t.mu.RLock()
	entry, ok := t.active[sessionID]
	if !ok {
		t.mu.RUnlock()
		return nil, ErrSessionNotFound
	}
	sess := entry.model
	t.mu.RUnlock()

	p := &Progress{
		SessionID:  sess.ID,
		Status:     sess.Status,
		BytesSent:  sess.BytesSent,
		TotalBytes: sess.TotalBytes,
	}
	if sess.TotalBytes > 0 {
		p.Percent = float64(sess.BytesSent) / float64(sess.TotalBytes) * 100
	}
	elapsed := time.Since(sess.StartedAt).Seconds()
	if elapsed > 0 {
		p.SpeedBPS = float64(sess.BytesSent) / elapsed
	}
	if p.SpeedBPS > 0 {
		p.ETASeconds = float64(sess.TotalBytes-sess.BytesSent) / p.SpeedBPS
	}
	return p, nil
}

// ReapStale force-fails every non-terminal session whose last progress
// report is older than the staleness window. Reaped sessions never
// charge the link counter.
func (t *Tracker) ReapStale(ctx context.Context) {
	cutoff := time.Now().Add(-t.staleAfter)

	t.mu.RLock()
	var stale []string
	for id, entry := range t.active {
		if entry.lastProgress.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range stale {
		t.log.WithField("session_id", id).Warn("Reaping stale session")
		if err := t.Finish(ctx, id, false, "session stalled: no progress within staleness window"); err != nil && !errors.Is(err, ErrSessionNotFound) {
			t.log.WithError(err).WithField("session_id", id).Error("Failed to reap session")
		}
	}
}

// RunReaper walks the active table on a ticker until the context ends.
func (t *Tracker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.log.Info("Starting session reaper")
	for {
		select {
		case <-ticker.C:
			t.ReapStale(ctx)
		case <-ctx.Done():
			t.log.Info("Stopping session reaper")
			return
		}
	}
}
