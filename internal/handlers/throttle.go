package handlers

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// throttledWriter caps write throughput at a link's bandwidth limit.
// One token is one byte.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	burst   int
	ctx     context.Context
}

func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSecond int64) io.Writer {
	if bytesPerSecond <= 0 {
		return w
	}
	return &throttledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond)),
		burst:   int(bytesPerSecond),
		ctx:     ctx,
	}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		return n, err
	}

	// Writes larger than the burst are paid off in burst-sized steps.
	remaining := n
	for remaining > 0 {
		step := remaining
		if step > t.burst {
			step = t.burst
		}
		if err := t.limiter.WaitN(t.ctx, step); err != nil {
			return n, err
		}
		remaining -= step
	}
	return n, nil
}
