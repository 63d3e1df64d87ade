package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper that holds both the raw zap.Logger and its
// "Sugared" counterpart for convenience.
type Logger struct {
	*zap.Logger
	*zap.SugaredLogger

	closer io.Closer // log file, when logging to one
}

// New creates a logger writing JSON to stdout at the given level.
// Accepted levels (case-insensitive): "debug", "info", "warn", "error".
func New(level string) (*Logger, error) {
	return NewWithWriter(level, os.Stdout)
}

// NewFile creates a logger that appends to the file at path, creating parent
// directories as needed. Used while the terminal dashboard owns stdout.
func NewFile(level, path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l, err := NewWithWriter(level, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	l.closer = f
	return l, nil
}

// NewWithWriter creates a logger writing JSON lines to w.
func NewWithWriter(level string, w io.Writer) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		// Return the error so the caller can decide to abort or fall back.
		return nil, err
	}

	// JSON, ISO-8601 timestamps, capital level
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		zapLevel,
	)

	zapLogger := zap.New(core, zap.AddCaller())
	return &Logger{
		Logger:        zapLogger,
		SugaredLogger: zapLogger.Sugar(),
	}, nil
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	l := zap.NewNop()
	return &Logger{Logger: l, SugaredLogger: l.Sugar()}
}

// FromContext extracts a *zap.Logger that may have been stored in the context.
// If none is present, the fallback logger is returned.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WithContext returns a new context that carries the supplied logger.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// loggerKey is an unexported type to avoid key collisions in context.
type loggerKey struct{}

// WithCycle tags a logger with the id of the current poll cycle.
func WithCycle(l *zap.Logger, cycleID string) *zap.Logger {
	return l.With(zap.String("cycle_id", cycleID))
}

// WithSource tags a logger with the monitoring source it is working on.
func WithSource(l *zap.Logger, source string) *zap.Logger {
	return l.With(zap.String("source", source))
}

// WithRequestID returns a copy of the logger with a request-id field attached.
func WithRequestID(l *zap.Logger, reqID string) *zap.Logger {
	return l.With(zap.String("req_id", reqID))
}

// Flush forces any buffered log entries to be written and closes the log
// file, if any. Call this from main just before the program exits.
func (l *Logger) Flush() {
	// Sync on a terminal returns "invalid argument" on some platforms; that
	// is harmless, so the error is dropped.
	_ = l.Logger.Sync()
	if l.closer != nil {
		_ = l.closer.Close()
	}
}
