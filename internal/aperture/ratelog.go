package aperture

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger drops records that arrive within interval of the
// last one it let through, and reports how many it dropped.
type rateLimitedLogger struct {
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval, now: time.Now}
}

func (l *rateLimitedLogger) Warn(msg string, attrs ...slog.Attr) {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	if l.suppressed > 0 {
		attrs = append(attrs, slog.Int("suppressed", l.suppressed))
		l.suppressed = 0
	}
	l.mu.Unlock()
	l.log.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}
