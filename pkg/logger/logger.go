// Package logger configures the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

type Config struct {
	Level  string
	Format string
	// Path enables a daily rotated log file in addition to stdout.
	Path         string
	FilePattern  string
	MaxAge       time.Duration
	RotationTime time.Duration
}

// Setup builds a logger from cfg, installs it as slog.Default and returns it.
// A file writer that cannot be created is reported on stderr and skipped.
func Setup(cfg Config) *slog.Logger {
	var out io.Writer = os.Stdout

	if cfg.Path != "" {
		writer, err := newFileWriter(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: file output disabled: %v\n", err)
		} else {
			out = io.MultiWriter(os.Stdout, writer)
		}
	}

	log := New(out, cfg)
	slog.SetDefault(log)
	return log
}

// New creates a logger writing to w.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newFileWriter(cfg Config) (io.Writer, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, err
	}

	pattern := cfg.FilePattern
	if pattern == "" {
		pattern = "netpulse-%Y%m%d.log"
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	rotation := cfg.RotationTime
	if rotation <= 0 {
		rotation = 24 * time.Hour
	}

	return rotatelogs.New(
		filepath.Join(cfg.Path, pattern),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(rotation),
	)
}
