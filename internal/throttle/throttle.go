// Package throttle writes response bodies at the pace a token bucket
// allows.
package throttle

import (
	"context"
	"io"
	"time"

	"aperture/internal/bucket"
)

// Limiter is the part of a token bucket the delivery loop needs.
type Limiter interface {
	MaxBurst() int
	TryRemove(amount int) bool
}

var _ Limiter = (*bucket.Bucket)(nil)

// Writer streams bodies through a Limiter.
type Writer struct {
	// Retry is the wait after a failed token removal. Zero means
	// bucket.DripPeriod.
	Retry time.Duration
	// Flush, if set, is called after every chunk so shaped chunks leave
	// the process as they are released.
	Flush func()
}

// Send writes body to w in chunks of at most lim.MaxBurst() bytes, each
// paid for with tokens from lim before it is written. A nil lim sends
// the whole body at once. Send returns the number of bytes written; it
// stops early on a write error or when ctx ends.
func (s Writer) Send(ctx context.Context, w io.Writer, body []byte, lim Limiter) (int, error) {
	if lim == nil {
		n, err := w.Write(body)
		s.flush()
		return n, err
	}

	retry := s.Retry
	if retry <= 0 {
		retry = bucket.DripPeriod
	}
	burst := max(lim.MaxBurst(), 1)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	sent := 0
	for sent < len(body) {
		chunk := min(len(body)-sent, burst)
		if !lim.TryRemove(chunk) {
			if timer == nil {
				timer = time.NewTimer(retry)
			} else {
				timer.Reset(retry)
			}
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-timer.C:
			}
			continue
		}
		n, err := w.Write(body[sent : sent+chunk])
		sent += n
		if err != nil {
			return sent, err
		}
		s.flush()
	}
	return sent, nil
}

func (s Writer) flush() {
	if s.Flush != nil {
		s.Flush()
	}
}
