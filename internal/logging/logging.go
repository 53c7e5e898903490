// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log outputs.
type Config struct {
	// Debug switches the console to text output at debug level.
	Debug bool
	// File, when set, receives JSON records at debug level with rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}

// New builds a logger writing to console and, if configured, to a rotating
// file. The returned func closes the file.
func New(cfg Config, console io.Writer) (*slog.Logger, func(), error) {
	var consoleHandler slog.Handler
	if cfg.Debug {
		consoleHandler = slog.NewTextHandler(console, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		consoleHandler = slog.NewJSONHandler(console, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	if cfg.File == "" {
		return slog.New(consoleHandler), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, nil, err
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	}
	fileHandler := slog.NewJSONHandler(lj, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})

	log := slog.New(&multiHandler{handlers: []slog.Handler{consoleHandler, fileHandler}})
	cleanup := func() {
		if err := lj.Close(); err != nil {
			slog.Error("closing log file", "error", err)
		}
	}
	return log, cleanup, nil
}

// Setup installs the logger from New as slog's default, writing the console
// output to stdout.
func Setup(cfg Config) (func(), error) {
	log, cleanup, err := New(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return cleanup, nil
}
