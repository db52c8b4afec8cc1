// Package logging provides structured logging for the nvstore device.
//
// Every component logs through a child of one global slog logger, tagged
// with its component name:
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("store")
//	log.Info("image recovered from swap", "block_size", 64)
//
// Once a device has booted, WithContext adds the device path and boot
// count to every entry.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var global atomic.Pointer[slog.Logger]

// logger returns the global logger, installing a text logger at info level
// on first use.
func logger() *slog.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	global.CompareAndSwap(nil, newLogger(os.Stdout, slog.LevelInfo, false))
	return global.Load()
}

func newLogger(w io.Writer, level slog.Level, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init installs the global logger writing to stdout.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter installs the global logger writing to w.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	l := newLogger(w, level, jsonFormat)
	global.Store(l)
	slog.SetDefault(l)
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns a logger tagged with component=name.
func Component(name string) *slog.Logger {
	return logger().With("component", name)
}

type contextKey int

const (
	keyDevice contextKey = iota
	keyBoot
)

// ContextWithDevice records the device path for WithContext.
func ContextWithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, keyDevice, device)
}

// ContextWithBoot records the boot count for WithContext.
func ContextWithBoot(ctx context.Context, boot uint64) context.Context {
	return context.WithValue(ctx, keyBoot, boot)
}

// WithContext returns the global logger with the device and boot attributes
// found in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := logger()
	if device, ok := ctx.Value(keyDevice).(string); ok {
		l = l.With("device", device)
	}
	if boot, ok := ctx.Value(keyBoot).(uint64); ok {
		l = l.With("boot", boot)
	}
	return l
}

// Error logs at error level on the global logger.
func Error(msg string, args ...any) {
	logger().Error(msg, args...)
}
