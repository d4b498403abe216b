// Package logging provides the engine's leveled, key-value logger. The
// retrieved corpus carries no importable third-party logging library (the
// teacher's own "log" package lives inside its own module, not on its
// dependency list), so this wraps the standard library's log/slog -- the
// nearest stdlib equivalent to the teacher's leveled, key-value call shape
// -- and colorizes console output with the teacher's own
// github.com/mattn/go-colorable and github.com/mattn/go-isatty, the same
// pair the teacher's node launcher uses to pick a colorable writer.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Logger mirrors the teacher's Debug/Info/Warn/Error(msg, key, val, ...)
// call shape over slog.
type Logger struct {
	l *slog.Logger
}

var std = New(os.Stderr, LevelWarn)

// Level selects verbosity, matching the CLI's -q and --verbose N mapping in
// spec.md §6.
type Level int

const (
	LevelOff Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (lv Level) slogLevel() slog.Level {
	switch lv {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// New builds a Logger writing to w (colorized if w is a terminal), at the
// given level. LevelOff discards everything.
func New(w io.Writer, level Level) *Logger {
	if level == LevelOff {
		return &Logger{l: slog.New(slog.NewTextHandler(io.Discard, nil))}
	}
	out := w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = colorable.NewColorable(f)
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level.slogLevel()})
	return &Logger{l: slog.New(h)}
}

// SetDefault installs l as the package-level default logger used by the
// Debug/Info/Warn/Error package functions.
func SetDefault(l *Logger) { std = l }

func (l *Logger) Debug(msg string, kv ...any) { l.l.Log(context.Background(), slog.LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.l.Log(context.Background(), slog.LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.l.Log(context.Background(), slog.LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.l.Log(context.Background(), slog.LevelError, msg, kv...) }

// Package-level convenience functions operating on the default logger, the
// way the teacher's vendored log package exposes log.Debug/log.Info as
// free functions.
func Debug(msg string, kv ...any) { std.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { std.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { std.Warn(msg, kv...) }
func Error(msg string, kv ...any) { std.Error(msg, kv...) }
