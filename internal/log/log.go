package log

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// Setup configures the package logger. Verbose enables debug output.
func Setup(verbose bool) {
	SetupWriter(os.Stderr, verbose)
}

// SetupWriter configures the package logger to write to w
func SetupWriter(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	mu.Lock()
	defer mu.Unlock()
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Scoped attaches attributes to every log line until restore is called
func Scoped(args ...any) (restore func()) {
	mu.Lock()
	defer mu.Unlock()
	prev := logger
	logger = logger.With(args...)
	return func() {
		mu.Lock()
		defer mu.Unlock()
		logger = prev
	}
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, args ...any) { current().Debug(msg, args...) }
func Info(msg string, args ...any)  { current().Info(msg, args...) }
func Warn(msg string, args ...any)  { current().Warn(msg, args...) }
func Error(msg string, args ...any) { current().Error(msg, args...) }
