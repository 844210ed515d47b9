package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sdko-org/delivery-gateway/internal/cache"
	"github.com/sdko-org/delivery-gateway/internal/database"
	"github.com/sdko-org/delivery-gateway/internal/origin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeOrigin struct {
	mu      sync.Mutex
	fetches int
	files   map[string][]byte
	err     error
	delay   time.Duration
}

func (f *fakeOrigin) GetFileMeta(ctx context.Context, fileID string) (*origin.FileMeta, error) {
	content, ok := f.files[fileID]
	if !ok {
		return nil, origin.ErrFileNotFound
	}
	return &origin.FileMeta{
		FileID:      fileID,
		Name:        fileID,
		Size:        int64(len(content)),
		ContentType: "application/octet-stream",
		OriginRef:   fileID,
	}, nil
}

func (f *fakeOrigin) OpenChunkStream(ctx context.Context, originRef string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	content, ok := f.files[originRef]
	if !ok {
		return nil, origin.ErrFileNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (f *fakeOrigin) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newTestCache(t *testing.T, maxBytes int64) *cache.Manager {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m, err := cache.NewManager(logger, db, t.TempDir(), maxBytes, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestChunkStreamSizes(t *testing.T) {
	store := &fakeOrigin{files: map[string][]byte{"f": []byte("0123456789")}}
	e := New(quietLogger(), store, newTestCache(t, 1<<20), 4, t.TempDir())

	stream, err := e.StreamChunks(context.Background(), "f", "f")
	if err != nil {
		t.Fatalf("StreamChunks: %v", err)
	}
	defer stream.Close()

	var sizes []int
	var got []byte
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, len(chunk))
		got = append(got, chunk...)
	}

	if want := []int{4, 4, 2}; len(sizes) != len(want) || sizes[0] != 4 || sizes[1] != 4 || sizes[2] != 2 {
		t.Errorf("chunk sizes = %v, want %v", sizes, want)
	}
	if string(got) != "0123456789" {
		t.Errorf("reassembled content = %q", got)
	}

	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("Next after drain = %v, want io.EOF", err)
	}
}

func TestStreamChunksNotFound(t *testing.T) {
	store := &fakeOrigin{files: map[string][]byte{}}
	e := New(quietLogger(), store, newTestCache(t, 1<<20), 4, t.TempDir())

	if _, err := e.StreamChunks(context.Background(), "missing", "missing"); !errors.Is(err, origin.ErrFileNotFound) {
		t.Errorf("got %v, want ErrFileNotFound", err)
	}
}

func TestStreamChunksRateLimited(t *testing.T) {
	store := &fakeOrigin{err: &origin.RateLimitedError{RetryAfter: 30 * time.Second}}
	e := New(quietLogger(), store, newTestCache(t, 1<<20), 4, t.TempDir())

	_, err := e.StreamChunks(context.Background(), "f", "f")
	retryAfter, ok := origin.IsRateLimited(err)
	if !ok {
		t.Fatalf("got %v, want RateLimitedError", err)
	}
	if retryAfter != 30*time.Second {
		t.Errorf("retry-after = %v, want 30s", retryAfter)
	}
}

func TestFastDeliverMissThenHit(t *testing.T) {
	content := []byte("cached payload")
	store := &fakeOrigin{files: map[string][]byte{"f": content}}
	e := New(quietLogger(), store, newTestCache(t, 1<<20), 4, t.TempDir())
	ctx := context.Background()

	path, hit, err := e.FastDeliver(ctx, "f", "f.bin", "f")
	if err != nil {
		t.Fatalf("FastDeliver: %v", err)
	}
	if hit {
		t.Error("first delivery should be a miss")
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read delivered file: %v", err)
	}
	if !bytes.Equal(onDisk, content) {
		t.Error("delivered bytes differ from origin bytes")
	}

	_, hit, err = e.FastDeliver(ctx, "f", "f.bin", "f")
	if err != nil {
		t.Fatalf("second FastDeliver: %v", err)
	}
	if !hit {
		t.Error("second delivery should be a hit")
	}
	if store.fetchCount() != 1 {
		t.Errorf("origin fetches = %d, want 1", store.fetchCount())
	}
}

func TestFastDeliverConcurrentSingleFetch(t *testing.T) {
	store := &fakeOrigin{
		files: map[string][]byte{"f": []byte("shared")},
		delay: 20 * time.Millisecond,
	}
	e := New(quietLogger(), store, newTestCache(t, 1<<20), 4, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = e.FastDeliver(ctx, "f", "f.bin", "f")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("delivery %d: %v", i, err)
		}
	}
	if store.fetchCount() != 1 {
		t.Errorf("origin fetches = %d, want 1", store.fetchCount())
	}
}

func TestFastDeliverTempFallback(t *testing.T) {
	content := []byte("too big for the cache budget")
	store := &fakeOrigin{files: map[string][]byte{"f": content}}
	tempDir := t.TempDir()
	e := New(quietLogger(), store, newTestCache(t, 1), 4, tempDir)

	path, hit, err := e.FastDeliver(context.Background(), "f", "f.bin", "f")
	if err != nil {
		t.Fatalf("FastDeliver: %v", err)
	}
	if hit {
		t.Error("fallback delivery must not report a hit")
	}
	if !strings.HasPrefix(path, tempDir) {
		t.Errorf("fallback path %q not under temp dir", path)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fallback file: %v", err)
	}
	if !bytes.Equal(onDisk, content) {
		t.Error("fallback bytes differ from origin bytes")
	}
}
