// Package logging builds the host's root slog.Logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/term"
)

// Options configures New.
type Options struct {
	Level  string    // debug, info, warn or error
	Format string    // text, json or auto
	File   string    // optional extra JSON sink, appended to
	Writer io.Writer // primary sink; defaults to os.Stderr
}

// Level is shared by every logger built by New so it can be changed at
// runtime (twoyi run --debug).
var Level = new(slog.LevelVar)

// New returns the root logger and a closer for the file sink, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	Level.Set(level)

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: Level}
	var handlers []slog.Handler

	switch format := resolveFormat(opts.Format, w); format {
	case "json":
		handlers = append(handlers, slog.NewJSONHandler(w, handlerOpts))
	case "text":
		handlers = append(handlers, slog.NewTextHandler(w, handlerOpts))
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, handlerOpts))
		closer = f
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component tags a logger with the emitting component.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// ParseLevel maps a config level name onto a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

func resolveFormat(format string, w io.Writer) string {
	if format != "" && format != "auto" {
		return format
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
