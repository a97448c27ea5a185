// Package logging builds the slog loggers used by the daemon and the CLI.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig controls logger creation.
type LogConfig struct {
	Level  string    // "debug", "info", "warn", "error"
	Format string    // "json" (default), "text"
	Output io.Writer // defaults to os.Stdout
	// Leveler overrides Level when set, so the level can change at runtime.
	Leveler slog.Leveler
}

// New creates a configured *slog.Logger.
func New(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var level slog.Leveler = parseLevel(cfg.Level)
	if cfg.Leveler != nil {
		level = cfg.Leveler
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// WithFields returns a child logger with additional context fields.
func WithFields(logger *slog.Logger, fields ...any) *slog.Logger {
	return logger.With(fields...)
}

// ValidateLevel reports whether s names a supported level.
func ValidateLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q (want debug, info, warn or error)", s)
	}
}

// LevelVar is a log level that can be changed while loggers using it run.
type LevelVar struct {
	v slog.LevelVar
}

// NewLevelVar returns a LevelVar set to the named level.
func NewLevelVar(s string) *LevelVar {
	lv := &LevelVar{}
	lv.Set(s)
	return lv
}

// Set changes the level. Unknown names select info.
func (lv *LevelVar) Set(s string) { lv.v.Set(parseLevel(s)) }

// Level implements slog.Leveler.
func (lv *LevelVar) Level() slog.Level { return lv.v.Level() }

// String returns the level name in lower case.
func (lv *LevelVar) String() string { return strings.ToLower(lv.v.Level().String()) }

// DaemonLogger builds the daemon logger. With an empty logfile it writes
// to stdout and cleanup is nil; otherwise the file is opened for append
// and cleanup closes it.
func DaemonLogger(level, format, logfile string) (*slog.Logger, func(), error) {
	return NewDaemonLogger(DaemonConfig{Level: NewLevelVar(level), Format: format, Logfile: logfile})
}

// DaemonConfig configures NewDaemonLogger.
type DaemonConfig struct {
	Level   *LevelVar
	Format  string
	Logfile string
	// Output replaces stdout when Logfile is empty.
	Output io.Writer
	// Tail, if set, receives a copy of every record.
	Tail *Tail
}

// NewDaemonLogger is DaemonLogger with a shared level and an optional
// in-memory tail.
func NewDaemonLogger(cfg DaemonConfig) (*slog.Logger, func(), error) {
	var (
		out     io.Writer = os.Stdout
		cleanup func()
	)
	if cfg.Output != nil {
		out = cfg.Output
	}
	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file: %s: %w", cfg.Logfile, err)
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}
	if cfg.Tail != nil {
		out = io.MultiWriter(out, cfg.Tail)
	}
	lc := LogConfig{Format: cfg.Format, Output: out}
	if cfg.Level != nil {
		lc.Leveler = cfg.Level
	}
	return New(lc), cleanup, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
