// Package logger provides the process-wide structured logger. Logs go to
// stdout and a dated file under the log directory; JSON output is used in
// production, text during development.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the global logger. If jsonOutput is true, records are
// formatted as JSON.
func Init(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "aiosd-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	writer := io.MultiWriter(os.Stdout, logFile)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// Close closes the log file.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the logger instance, falling back to the default when Init
// was never called (tests, embedded use).
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging.
type contextKey string

const (
	ContextKeySessionID contextKey = "session_id"
	ContextKeyBranchID  contextKey = "branch_id"
	ContextKeyRequestID contextKey = "request_id"
)

// WithContext returns a logger annotated with any kernel identifiers stored
// in the context.
func WithContext(ctx context.Context) *slog.Logger {
	log := Slog()
	if sessionID := ctx.Value(ContextKeySessionID); sessionID != nil {
		log = log.With("session_id", sessionID)
	}
	if branchID := ctx.Value(ContextKeyBranchID); branchID != nil {
		log = log.With("branch_id", branchID)
	}
	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		log = log.With("request_id", requestID)
	}
	return log
}
