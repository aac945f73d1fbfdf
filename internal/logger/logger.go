package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFileName   = "sisupload.log"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config describes where and how the tool logs.
type Config struct {
	Level  string // debug, info, warn, error (default info)
	Format string // text or json for the console (default text)
	// Color forces colored console output on or off. Nil means color only
	// when stderr is a terminal.
	Color *bool
	File  FileConfig
}

// FileConfig enables a rotated log file next to the console output.
// If Path is empty and Dir is set, the file is Dir/sisupload.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string
	Path       string
	Format     string // text or json (default json)
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// Enabled reports whether a log file is configured.
func (f FileConfig) Enabled() bool { return f.path() != "" }

func (f FileConfig) path() string {
	if f.Path != "" {
		return f.Path
	}
	if f.Dir != "" {
		return filepath.Join(f.Dir, DefaultFileName)
	}
	return ""
}

// Writer returns a rotating writer for the log file, or nil when none is
// configured.
func (f FileConfig) Writer() io.WriteCloser {
	p := f.path()
	if p == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel accepts the slog level names in any case.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New builds the logger. Console output goes to console; the returned
// closer releases the log file and must be called before exit.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var consoleH slog.Handler
	switch cfg.Format {
	case "", FormatText:
		color := isTerminal(console)
		if cfg.Color != nil {
			color = *cfg.Color
		}
		if color {
			consoleH = NewColorTextHandler(console, opts, false)
		} else {
			consoleH = slog.NewTextHandler(console, opts)
		}
	case FormatJSON:
		consoleH = slog.NewJSONHandler(console, opts)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	w := cfg.File.Writer()
	if w == nil {
		return slog.New(consoleH), nopCloser{}, nil
	}
	var fileH slog.Handler
	switch cfg.File.Format {
	case "", FormatJSON:
		fileH = slog.NewJSONHandler(w, opts)
	case FormatText:
		fileH = slog.NewTextHandler(w, opts)
	default:
		_ = w.Close()
		return nil, nil, fmt.Errorf("invalid log file format %q", cfg.File.Format)
	}
	return slog.New(teeHandler{consoleH, fileH}), w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// teeHandler sends every record to each handler that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
