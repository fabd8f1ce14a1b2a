// Package logger provides structured slog loggers for the dispatch service.
// All logs are written in JSON format to <logDir>/system.log with rotation.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewSystemLogger creates a JSON slog.Logger that writes to <logDir>/system.log
// and mirrors to stderr. The directory is created if it does not exist and the
// log file is rotated when it grows past 50 MB.
func NewSystemLogger(logDir string, level slog.Level) (*slog.Logger, error) {
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, fmt.Errorf("creating log directory %q: %w", logDir, err)
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "system.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}

	handler := slog.NewJSONHandler(io.MultiWriter(rotating, os.Stderr), &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}

// NewTestLogger returns a logger that discards all output, for use in tests.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
