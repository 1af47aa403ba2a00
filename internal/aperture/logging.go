package aperture

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. With logging.file set, records go
// to a rotating file; otherwise to stderr. The returned closer releases
// the file.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if lc := cfg.Logging; lc.File != "" {
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   lc.Compress,
		}
		out, closer = lj, lj
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(h), closer, nil
}
