package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sdko-org/delivery-gateway/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrMiss means no valid, unexpired, on-disk copy exists for a file id.
var ErrMiss = errors.New("cache: miss")

// WriteError marks a cache write failure. Callers treat it as
// non-fatal and fall back to uncached delivery.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Manager maps file ids to locally materialized copies, bounded by a
// maximum total size with LRU eviction and a per-entry TTL. Writes for
// the same file id are serialized through a per-key lock table so two
// concurrent misses cannot race the eviction accounting.
type Manager struct {
	db       *gorm.DB
	log      *logrus.Entry
	dir      string
	maxBytes int64
	ttl      time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(logger *logrus.Logger, db *gorm.DB, dir string, maxBytes int64, ttl time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	testFile := filepath.Join(dir, ".testwrite")
	if err := os.WriteFile(testFile, []byte("test"), 0600); err != nil {
		return nil, fmt.Errorf("cache directory not writable: %w", err)
	}
	os.Remove(testFile)

	return &Manager{
		db:       db,
		log:      logger.WithField("component", "cache_manager"),
		dir:      dir,
		maxBytes: maxBytes,
		ttl:      ttl,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) lockFile(fileID string) func() {
	m.mu.Lock()
	lock, ok := m.locks[fileID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[fileID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// GetCached returns the valid entry for fileID, bumping its access
// stats, or ErrMiss. A row whose file vanished or whose TTL elapsed is
// lazily marked invalid on the way out.
func (m *Manager) GetCached(ctx context.Context, fileID string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := m.db.WithContext(ctx).
		Where("file_id = ? AND valid = ?", fileID, true).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache index lookup failed: %w", err)
	}

	if time.Now().After(entry.ExpiresAt) {
		m.markInvalid(ctx, fileID, "expired")
		return nil, ErrMiss
	}
	if _, err := os.Stat(entry.Path); err != nil {
		m.markInvalid(ctx, fileID, "backing file missing")
		return nil, ErrMiss
	}

	now := time.Now().UTC()
	if err := m.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("file_id = ?", fileID).
		UpdateColumns(map[string]interface{}{
			"access_count": gorm.Expr("access_count + 1"),
			"last_access":  now,
		}).Error; err != nil {
		m.log.WithError(err).Warn("Failed to update cache access stats")
	}
	entry.AccessCount++
	entry.LastAccess = now

	return &entry, nil
}

func (m *Manager) markInvalid(ctx context.Context, fileID, reason string) {
	if err := m.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("file_id = ?", fileID).
		Update("valid", false).Error; err != nil {
		m.log.WithError(err).Warn("Failed to invalidate cache entry")
		return
	}
	m.log.WithFields(logrus.Fields{"file_id": fileID, "reason": reason}).Debug("Cache entry invalidated")
}

// Store materializes content for fileID. At most one writer runs per
// file id; a second concurrent caller blocks, then reuses the first
// caller's entry instead of fetching and writing again.
func (m *Manager) Store(ctx context.Context, fileID, fileName string, content []byte) (*models.CacheEntry, error) {
	unlock := m.lockFile(fileID)
	defer unlock()

	if entry, err := m.GetCached(ctx, fileID); err == nil {
		return entry, nil
	}

	if err := m.makeRoom(ctx, fileID, int64(len(content))); err != nil {
		return nil, &WriteError{Err: err}
	}

	path := m.pathFor(fileID, fileName)
	if err := os.WriteFile(path, content, 0600); err != nil {
		return nil, &WriteError{Err: err}
	}

	now := time.Now().UTC()
	entry := models.CacheEntry{
		FileID:      fileID,
		Path:        path,
		FileName:    fileName,
		SizeBytes:   int64(len(content)),
		StoredAt:    now,
		ExpiresAt:   now.Add(m.ttl),
		LastAccess:  now,
		AccessCount: 0,
		Valid:       true,
	}
	if err := m.db.WithContext(ctx).Save(&entry).Error; err != nil {
		os.Remove(path)
		return nil, &WriteError{Err: err}
	}

	m.log.WithFields(logrus.Fields{
		"file_id": fileID,
		"size":    len(content),
	}).Info("Stored file in cache")
	return &entry, nil
}

// pathFor derives the on-disk location from the file id and name, so a
// re-download of the same file lands on the same path.
func (m *Manager) pathFor(fileID, fileName string) string {
	sum := sha256.Sum256([]byte(fileID + "\x00" + fileName))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:16]))
}

// makeRoom reclaims invalid entries, then evicts valid ones oldest
// last-access first until incoming bytes fit under the budget. The
// caller already holds the lock for heldFileID.
func (m *Manager) makeRoom(ctx context.Context, heldFileID string, incoming int64) error {
	if incoming > m.maxBytes {
		return fmt.Errorf("object of %d bytes exceeds cache budget of %d", incoming, m.maxBytes)
	}

	if err := m.reclaimInvalid(ctx, heldFileID); err != nil {
		m.log.WithError(err).Warn("Failed to reclaim invalid cache entries")
	}

	used, err := m.usedBytes(ctx)
	if err != nil {
		return err
	}

	for used+incoming > m.maxBytes {
		var oldest models.CacheEntry
		err := m.db.WithContext(ctx).
			Where("valid = ?", true).
			Order("last_access asc").
			First(&oldest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("cache budget exhausted with nothing left to evict")
		}
		if err != nil {
			return fmt.Errorf("eviction query failed: %w", err)
		}

		m.markInvalid(ctx, oldest.FileID, "evicted for space")
		if err := os.Remove(oldest.Path); err != nil && !os.IsNotExist(err) {
			m.log.WithError(err).WithField("path", oldest.Path).Warn("Failed to remove evicted cache file")
		}
		m.log.WithFields(logrus.Fields{
			"file_id": oldest.FileID,
			"size":    oldest.SizeBytes,
		}).Info("Evicted cache entry")
		used -= oldest.SizeBytes
	}
	return nil
}

func (m *Manager) usedBytes(ctx context.Context) (int64, error) {
	var used int64
	err := m.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("valid = ?", true).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&used).Error
	if err != nil {
		return 0, fmt.Errorf("cache usage query failed: %w", err)
	}
	return used, nil
}

// Invalidate marks the entry invalid; the physical file is reclaimed by
// the next cleanup or eviction pass.
func (m *Manager) Invalidate(ctx context.Context, fileID string) error {
	result := m.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("file_id = ?", fileID).
		Update("valid", false)
	if result.Error != nil {
		return fmt.Errorf("cache invalidation failed: %w", result.Error)
	}
	return nil
}

// Cleanup expires entries past their TTL and reclaims the disk space of
// everything invalid. Safe to run concurrently with reads, and a second
// consecutive run is a no-op.
func (m *Manager) Cleanup(ctx context.Context) error {
	result := m.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("valid = ? AND expires_at < ?", true, time.Now()).
		Update("valid", false)
	if result.Error != nil {
		return fmt.Errorf("cache expiry sweep failed: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		m.log.WithField("count", result.RowsAffected).Info("Expired cache entries")
	}

	return m.reclaimInvalid(ctx, "")
}

// reclaimInvalid removes the files and rows of invalid entries. Each
// entry is reclaimed under its file lock, except heldFileID whose lock
// the caller already holds.
func (m *Manager) reclaimInvalid(ctx context.Context, heldFileID string) error {
	var entries []models.CacheEntry
	if err := m.db.WithContext(ctx).Where("valid = ?", false).Find(&entries).Error; err != nil {
		return fmt.Errorf("invalid-entry query failed: %w", err)
	}

	for _, entry := range entries {
		if entry.FileID == heldFileID {
			m.reclaimEntry(ctx, entry.FileID)
			continue
		}
		unlock := m.lockFile(entry.FileID)
		m.reclaimEntry(ctx, entry.FileID)
		unlock()
	}
	return nil
}

func (m *Manager) reclaimEntry(ctx context.Context, fileID string) {
	// The row may have been rewritten and revalidated by a concurrent
	// Store since the sweep captured it; paths are deterministic, so
	// removing without this re-check would delete the fresh copy.
	var entry models.CacheEntry
	err := m.db.WithContext(ctx).
		Where("file_id = ? AND valid = ?", fileID, false).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		m.log.WithError(err).Warn("Failed to re-check cache entry before reclaim")
		return
	}

	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		m.log.WithError(err).WithField("path", entry.Path).Warn("Failed to remove cache file")
		return
	}
	if err := m.db.WithContext(ctx).Delete(&models.CacheEntry{}, "file_id = ? AND valid = ?", entry.FileID, false).Error; err != nil {
		m.log.WithError(err).Warn("Failed to delete cache index row")
	}
}

// RunCleanupLoop runs Cleanup on a ticker until the context ends.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("Starting cache cleanup loop")
	for {
		select {
		case <-ticker.C:
			if err := m.Cleanup(ctx); err != nil {
				m.log.WithError(err).Error("Cache cleanup failed")
			}
		case <-ctx.Done():
			m.log.Info("Stopping cache cleanup loop")
			return
		}
	}
}
