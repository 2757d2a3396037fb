// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the extractor
// processes, built on the standard library slog package.
//
// Defaults follow Unix conventions: human-readable text on stderr.
// Long-running master and worker processes usually enable JSON output
// and a per-service log file:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "logs",
//	    Service: "master",
//	    JSON:    true,
//	})
//	defer logger.Close()
//	logger.Info("work unit assigned", "work_id", id, "worker_id", worker)
//
// File logs are named {service}_{YYYY-MM-DD}.log and always JSON, as
// they are meant for machine processing.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN" or "ERROR".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlog() slog.Level {
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

// ParseLevel maps a config string ("debug", "info", "warn", "error")
// to a Level. Unrecognized values fall back to Info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "warning", "WARN":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config configures logger construction. The zero value produces an
// Info-level text logger on stderr.
type Config struct {
	// Level is the minimum severity emitted.
	Level Level

	// LogDir, when set, additionally writes JSON log files named
	// {Service}_{date}.log into this directory (created 0750).
	LogDir string

	// Service tags every record with a "service" attribute so
	// aggregated logs can be filtered by component.
	Service string

	// JSON switches stderr output from text to JSON.
	JSON bool

	// Quiet disables stderr output entirely (file-only daemons).
	Quiet bool
}

// Logger is a slog.Logger plus ownership of the optional log file.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Default returns the plain stderr logger used by short-lived CLI
// invocations.
func Default() *Logger {
	return New(Config{})
}

// New builds a logger from the config. Errors opening the log file are
// non-fatal: the logger still works on stderr and reports the problem
// there.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level.toSlog()}

	l := &Logger{}
	var fileHandler slog.Handler
	if cfg.LogDir != "" {
		if file, err := openLogFile(cfg.LogDir, cfg.Service); err != nil {
			slog.New(slog.NewTextHandler(os.Stderr, opts)).
				Warn("file logging disabled", "dir", cfg.LogDir, "error", err)
		} else {
			l.file = file
			fileHandler = slog.NewJSONHandler(file, opts)
		}
	}

	var stderrHandler slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
	}

	var handler slog.Handler
	switch {
	case stderrHandler != nil && fileHandler != nil:
		handler = multiHandler{stderrHandler, fileHandler}
	case fileHandler != nil:
		handler = fileHandler
	case stderrHandler != nil:
		handler = stderrHandler
	default:
		handler = slog.NewTextHandler(io.Discard, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	l.Logger = logger
	return l
}

func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	if service == "" {
		service = "aqea"
	}
	name := service + "_" + time.Now().Format("2006-01-02") + ".log"
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// multiHandler fans one record out to several handlers.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
