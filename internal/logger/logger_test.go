package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func boolPtr(b bool) *bool { return &b }

func TestFileWriter_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	w := FileConfig{Dir: dir}.Writer()
	if w == nil {
		t.Fatalf("expected writer when Dir is set")
	}
	_, _ = w.Write([]byte("hello\n"))
	closeIf(w)
	if _, err := os.Stat(filepath.Join(dir, DefaultFileName)); err != nil {
		t.Fatalf("log not created: %v", err)
	}
}

func TestFileWriter_ExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "custom.log")
	w := FileConfig{Dir: filepath.Join(dir, "unused"), Path: p}.Writer()
	_, _ = w.Write([]byte("x"))
	closeIf(w)
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("explicit path not created: %v", err)
	}
}

func TestFileWriter_Defaults(t *testing.T) {
	if w := (FileConfig{}).Writer(); w != nil {
		t.Fatalf("expected nil writer when no Dir/Path set")
	}
	if (FileConfig{}).Enabled() {
		t.Fatalf("empty config must not be enabled")
	}
	w := FileConfig{Path: "x"}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestFileWriter_Overrides(t *testing.T) {
	w := FileConfig{Path: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for bad level")
	}
}

func TestNew_TextConsoleFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	l, c, err := New(Config{Level: "warn", Color: boolPtr(false)}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closeIf(c)
	l.Info("hidden")
	l.Warn("shown", "job_id", 42)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "job_id=42") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNew_ColorConsole(t *testing.T) {
	var buf bytes.Buffer
	l, c, err := New(Config{Color: boolPtr(true)}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closeIf(c)
	l.With("host", "h").Error("boom")
	out := buf.String()
	// TextHandler quotes the escape sequence, so match what follows it
	if !strings.Contains(out, "[31mERROR") {
		t.Fatalf("expected red error: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("console color output drops time: %q", out)
	}
	if !strings.Contains(out, "host=h") {
		t.Fatalf("attrs lost through WithAttrs: %q", out)
	}
}

func TestNew_JSONFileTee(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l, c, err := New(Config{Format: FormatJSON, File: FileConfig{Dir: dir}}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("upload started", "job_id", 7)
	closeIf(c)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("console is not json: %v (%q)", err, buf.String())
	}
	b, err := os.ReadFile(filepath.Join(dir, DefaultFileName))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("file is not json: %v (%q)", err, b)
	}
	if rec["msg"] != "upload started" || rec["job_id"] != float64(7) {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNew_InvalidFormats(t *testing.T) {
	if _, _, err := New(Config{Format: "xml"}, io.Discard); err == nil {
		t.Fatalf("expected error for console format")
	}
	if _, _, err := New(Config{File: FileConfig{Path: filepath.Join(t.TempDir(), "x.log"), Format: "xml"}}, io.Discard); err == nil {
		t.Fatalf("expected error for file format")
	}
	if _, _, err := New(Config{Level: "nope"}, io.Discard); err == nil {
		t.Fatalf("expected error for level")
	}
}
