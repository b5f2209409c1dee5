// Package logging builds the process-wide *slog.Logger from a live
// configuration snapshot: console/file/syslog sinks selected by log_type,
// file rotation by size/age via lumberjack, and a level derived from
// log_level (debug1..debug5 collapse onto slog's Debug).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pgvictoria/pgvictoria/internal/config"
)

// New builds a logger and its underlying writer (so the caller can Close it
// on a log-restart) from m's logging fields. syslog is not available on
// every platform the engine targets, so LogSyslog falls back to stderr with
// a warning rather than failing startup.
func New(m *config.Main) (*slog.Logger, io.Closer, error) {
	level, err := slogLevel(m.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	var closer io.Closer

	switch m.LogType {
	case config.LogConsole:
		w = os.Stderr
		closer = nopCloser{}
	case config.LogFile:
		if m.LogPath == "" {
			return nil, nil, fmt.Errorf("logging: log_type=file requires log_path")
		}
		lj := &lumberjack.Logger{
			Filename: m.LogPath,
			MaxSize:  rotationMB(m.LogRotationSize),
			MaxAge:   rotationDays(m.LogRotationAge),
			Compress: true,
		}
		w = lj
		closer = lj
	case config.LogSyslog:
		w = os.Stderr
		closer = nopCloser{}
		fmt.Fprintln(os.Stderr, "logging: syslog backend not available on this platform, falling back to stderr")
	default:
		return nil, nil, fmt.Errorf("logging: unknown log_type %q", m.LogType)
	}

	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewTextHandler(w, opts)
	logger := slog.New(handler)
	if m.LogLinePrefix != "" {
		logger = logger.With("prefix", m.LogLinePrefix)
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// rotationMB converts a byte threshold to lumberjack's MaxSize (megabytes),
// rounding up so a sub-megabyte configuration still rotates rather than
// never triggering.
func rotationMB(bytes int64) int {
	if bytes <= 0 {
		return 100 // lumberjack's own default
	}
	mb := bytes / (1 << 20)
	if bytes%(1<<20) != 0 {
		mb++
	}
	if mb < 1 {
		mb = 1
	}
	return int(mb)
}

func rotationDays(seconds int64) int {
	if seconds <= 0 {
		return 0 // lumberjack: 0 means files are not removed by age
	}
	days := seconds / 86400
	if seconds%86400 != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return int(days)
}

// slogLevel maps the bare "debug" and "debug1".."debug5" levels onto a
// single slog.LevelDebug; the original's five-step verbosity ladder has no
// slog analogue, so every debug tier logs at the same level and finer
// control is left to callers choosing what to log at Debug at all.
func slogLevel(level string) (slog.Level, error) {
	switch level {
	case "fatal", "error":
		return slog.LevelError, nil
	case "warn":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug", "debug1", "debug2", "debug3", "debug4", "debug5":
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("logging: unknown log_level %q", level)
	}
}
