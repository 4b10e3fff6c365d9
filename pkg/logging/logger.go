// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Sitka services.
//
// # Description
//
// A thin front-end over log/slog that standardizes level handling, output
// format selection, and the "service" attribute across the reasoner service
// and the CLI. Services log JSON; the CLI logs human-readable text when
// attached to a terminal.
//
// # Thread Safety
//
// Logger is safe for concurrent use; it delegates to slog handlers which
// serialize their own writes.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	// LevelDebug emits everything. Verbose; intended for development.
	LevelDebug Level = iota

	// LevelInfo is the default operating level.
	LevelInfo

	// LevelWarn emits warnings and errors only.
	LevelWarn

	// LevelError emits errors only.
	LevelError
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a
// Level. Unknown names fall back to LevelInfo.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity to emit.
	Level Level

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON forces JSON output. When false, JSON is still selected
	// automatically if stderr is not a terminal.
	JSON bool

	// Quiet suppresses all output. Used by tests and by CLI commands whose
	// stdout is a machine-consumed payload.
	Quiet bool
}

// Logger wraps an slog.Logger with level-aware construction.
type Logger struct {
	slog  *slog.Logger
	level Level
}

// New builds a Logger from config.
//
// # Description
//
// Output goes to stderr so that command payloads on stdout stay clean.
// Format is JSON when requested or when stderr is not a TTY; text otherwise.
//
// # Inputs
//
//   - config: Logger configuration. The zero value yields a debug-level
//     logger (LevelDebug is the zero Level) with no service attribute,
//     writing text to a terminal and JSON otherwise.
//
// # Outputs
//
//   - *Logger: The constructed logger. Never nil.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	var handler slog.Handler
	switch {
	case config.Quiet:
		handler = slog.NewTextHandler(nopWriter{}, opts)
	case config.JSON || !isatty.IsTerminal(os.Stderr.Fd()):
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	return &Logger{slog: slog.New(handler), level: config.Level}
}

// Default returns an info-level logger for the reasoner service, honoring
// the SITKA_LOG_LEVEL environment variable.
func Default() *Logger {
	return New(Config{
		Level:   ParseLevel(os.Getenv("SITKA_LOG_LEVEL")),
		Service: "reasoner",
	})
}

// Debug logs at debug level with key-value attributes.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at info level with key-value attributes.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at warn level with key-value attributes.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at error level with key-value attributes.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a Logger that includes the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), level: l.level}
}

// Slog exposes the underlying slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// SetAsDefault installs this logger as the process-wide slog default so that
// package-level slog calls across the service share one handler.
func (l *Logger) SetAsDefault() { slog.SetDefault(l.slog) }

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
