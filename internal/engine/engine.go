package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sdko-org/delivery-gateway/internal/cache"
	"github.com/sdko-org/delivery-gateway/internal/origin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Engine pulls file bytes from the origin store, either streaming them
// through chunk by chunk or materializing them into the cache. It only
// reads from the origin; link state is never touched here.
type Engine struct {
	origin    origin.Store
	cache     *cache.Manager
	log       *logrus.Entry
	chunkSize int
	tempDir   string
	fetches   singleflight.Group
}

func New(logger *logrus.Logger, originStore origin.Store, cacheManager *cache.Manager, chunkSize int, tempDir string) *Engine {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &Engine{
		origin:    originStore,
		cache:     cacheManager,
		log:       logger.WithField("component", "download_engine"),
		chunkSize: chunkSize,
		tempDir:   tempDir,
	}
}

// ChunkStream is a lazy, finite, one-shot sequence of byte chunks. Next
// returns io.EOF once the origin stream is drained; the stream cannot
// be restarted.
type ChunkStream struct {
	body io.ReadCloser
	buf  []byte
	done bool
}

// Next returns the next chunk. The returned slice is only valid until
// the following Next call.
func (s *ChunkStream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	n, err := io.ReadFull(s.body, s.buf)
	if n > 0 {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			s.done = true
			return s.buf[:n], nil
		}
		return s.buf[:n], err
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		s.done = true
		return nil, io.EOF
	}
	return nil, err
}

func (s *ChunkStream) Close() error {
	s.done = true
	return s.body.Close()
}

// StreamChunks opens a chunk stream for the given origin reference.
// Upstream throttling surfaces as *origin.RateLimitedError so the
// caller can forward a retry hint; no retry happens here.
func (e *Engine) StreamChunks(ctx context.Context, fileID, originRef string) (*ChunkStream, error) {
	body, err := e.origin.OpenChunkStream(ctx, originRef)
	if err != nil {
		return nil, err
	}
	e.log.WithField("file_id", fileID).Debug("Opened origin chunk stream")
	return &ChunkStream{body: body, buf: make([]byte, e.chunkSize)}, nil
}

// FastDeliver returns a local path for the file, serving from cache
// when possible. Concurrent calls for the same uncached file id share a
// single origin fetch and cache write. A cache write failure degrades
// to a temporary file so delivery still succeeds.
func (e *Engine) FastDeliver(ctx context.Context, fileID, fileName, originRef string) (string, bool, error) {
	if entry, err := e.cache.GetCached(ctx, fileID); err == nil {
		return entry.Path, true, nil
	}

	v, err, _ := e.fetches.Do(fileID, func() (interface{}, error) {
		// A concurrent caller may have filled the cache while this one
		// waited its turn.
		if entry, err := e.cache.GetCached(ctx, fileID); err == nil {
			return entry.Path, nil
		}

		content, err := e.fetchAll(ctx, fileID, originRef)
		if err != nil {
			return "", err
		}

		entry, err := e.cache.Store(ctx, fileID, fileName, content)
		if err == nil {
			return entry.Path, nil
		}

		e.log.WithError(err).WithField("file_id", fileID).Warn("Cache store failed, falling back to temp file")
		path, tmpErr := e.writeTemp(fileID, content)
		if tmpErr != nil {
			return "", fmt.Errorf("cache fallback failed: %w", tmpErr)
		}
		return path, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

func (e *Engine) fetchAll(ctx context.Context, fileID, originRef string) ([]byte, error) {
	stream, err := e.StreamChunks(ctx, fileID, originRef)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var buf bytes.Buffer
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("origin stream for %q failed: %w", fileID, err)
		}
		buf.Write(chunk)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	return buf.Bytes(), nil
}

func (e *Engine) writeTemp(fileID string, content []byte) (string, error) {
	f, err := os.CreateTemp(e.tempDir, "delivery-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	e.log.WithFields(logrus.Fields{
		"file_id": fileID,
		"path":    filepath.Base(f.Name()),
	}).Info("Delivered via temporary file")
	return f.Name(), nil
}
