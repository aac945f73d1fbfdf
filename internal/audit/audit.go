package audit

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileName is the saving throw log kept next to the lock file.
const FileName = "saving_throws.txt"

// Entry is one automatic recovery: when it happened and the lock file text
// that was recovered from.
type Entry struct {
	At  time.Time `json:"at"`
	Raw string    `json:"raw"`
}

// Line renders e as "<RFC3339 timestamp>: <raw>". Newlines in raw are
// folded so each entry stays on one line.
func (e Entry) Line() string {
	raw := strings.Join(strings.Fields(e.Raw), " ")
	return e.At.Format(time.RFC3339) + ": " + raw
}

// Log is the append-only saving throw log. Entries are never removed.
type Log struct {
	path string
}

// NewLog returns the log stored in dir.
func NewLog(dir string) *Log { return &Log{path: filepath.Join(dir, FileName)} }

func (l *Log) Path() string { return l.path }

// Append adds one entry.
func (l *Log) Append(e Entry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.WriteString(e.Line() + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}

// Entries reads all entries back. Lines whose timestamp does not parse are
// returned with a zero At and the whole line as Raw.
func (l *Log) Entries() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Entry
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, parseLine(line))
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

func parseLine(line string) Entry {
	// RFC3339 timestamps never contain ": ", so the first one ends the timestamp
	ts, raw, ok := strings.Cut(line, ": ")
	if !ok {
		return Entry{Raw: line}
	}
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Entry{Raw: line}
	}
	return Entry{At: at, Raw: raw}
}
