package utils

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/mdobak/go-xerrors"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// GetLogger returns the process-wide structured logger. Errors logged with
// slog.Any("error", err) are expanded into message plus stack trace when the
// error carries one (xerrors.New).
func GetLogger() *slog.Logger {
	loggerOnce.Do(func() {
		level := slog.LevelInfo
		if GetEnv("LOG_LEVEL", "info") == "debug" {
			level = slog.LevelDebug
		}
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr,
		})
		logger = slog.New(handler)
	})
	return logger
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = formatError(err)
		}
	}
	return a
}

func formatError(err error) slog.Value {
	attrs := []slog.Attr{slog.String("msg", err.Error())}

	trace := xerrors.StackTrace(err)
	if len(trace) > 0 {
		frames := traceFrames(trace)
		attrs = append(attrs, slog.Any("trace", frames))
	}

	return slog.GroupValue(attrs...)
}

func traceFrames(trace []uintptr) []stackFrame {
	frames := runtime.CallersFrames(trace)
	out := make([]stackFrame, 0, len(trace))
	for {
		frame, more := frames.Next()
		out = append(out, stackFrame{
			Func:   filepath.Base(frame.Function),
			Source: fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line),
			Line:   frame.Line,
		})
		if !more {
			break
		}
	}
	return out
}

// LogError is a convenience for the common wrap-and-log pattern.
func LogError(ctx context.Context, msg string, err error) {
	GetLogger().ErrorContext(ctx, msg, slog.Any("error", xerrors.New(err)))
}
