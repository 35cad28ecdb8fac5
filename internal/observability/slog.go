package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

type slogAdapter struct {
	l *slog.Logger
}

// NewSlogLogger wraps a slog.Logger in the Logger interface.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogAdapter{l: l}
}

func (a *slogAdapter) Debug(msg string, fields ...Field) { a.l.Debug(msg, attrs(fields)...) }
func (a *slogAdapter) Info(msg string, fields ...Field)  { a.l.Info(msg, attrs(fields)...) }
func (a *slogAdapter) Warn(msg string, fields ...Field)  { a.l.Warn(msg, attrs(fields)...) }
func (a *slogAdapter) Error(msg string, fields ...Field) { a.l.Error(msg, attrs(fields)...) }

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

// NewRotatingLogger builds a JSON slog logger writing to stdout and a
// size-rotated file under dir.
func NewRotatingLogger(dir, level string) Logger {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "tradelink.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	writer := io.MultiWriter(os.Stdout, fileLogger)

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	return NewSlogLogger(slog.New(slog.NewJSONHandler(writer, opts)))
}
