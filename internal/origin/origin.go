package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// FileMeta describes one file held by the origin store. OriginRef is
// the opaque reference OpenChunkStream accepts; callers never interpret
// it.
type FileMeta struct {
	FileID      string
	Name        string
	Size        int64
	ContentType string
	OriginRef   string
}

// Store is the only view the gateway has of wherever file bytes
// physically live.
type Store interface {
	GetFileMeta(ctx context.Context, fileID string) (*FileMeta, error)
	OpenChunkStream(ctx context.Context, originRef string) (io.ReadCloser, error)
}

var ErrFileNotFound = errors.New("origin: file not found")

// RateLimitedError surfaces upstream throttling as a distinguished
// condition so callers can forward a retry hint instead of a generic
// failure. It is never retried here.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("origin: rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited reports whether err carries an upstream throttle
// signal, returning the suggested delay.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
