// Package logger is the process-wide structured logger.
//
// Plain messages go through Info/Warn/Error. Audit-style events go through the
// J variants, which take an event name and a flat field map; keys follow
// lower_snake_case and commonly include "result", "err" and "trace_id".
package logger

import (
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = newLogger(zapcore.AddSync(os.Stderr))
)

func newLogger(ws zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "event"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, level)
	return zap.New(core)
}

// SetOutput redirects log output; used by the CLI to keep the REPL readable
// and by tests to capture lines.
func SetOutput(ws zapcore.WriteSyncer) {
	mu.Lock()
	base = newLogger(ws)
	mu.Unlock()
}

// SetLevel accepts debug|info|warn|error (case-insensitive).
func SetLevel(s string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Debug(msg string) { get().Debug(msg) }
func Info(msg string)  { get().Info(msg) }
func Warn(msg string)  { get().Warn(msg) }
func Error(msg string) { get().Error(msg) }

// DebugJ logs a structured event at debug level.
func DebugJ(event string, fields map[string]any) { get().Debug(event, toFields(fields)...) }

// InfoJ logs a structured event at info level.
func InfoJ(event string, fields map[string]any) { get().Info(event, toFields(fields)...) }

// WarnJ logs a structured event at warn level.
func WarnJ(event string, fields map[string]any) { get().Warn(event, toFields(fields)...) }

// ErrorJ logs a structured event at error level.
func ErrorJ(event string, fields map[string]any) { get().Error(event, toFields(fields)...) }

// Sync flushes buffered output.
func Sync() { _ = get().Sync() }

func toFields(m map[string]any) []zap.Field {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}
