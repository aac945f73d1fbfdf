package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileSuffix is appended to the host name to form the lock file name.
const FileSuffix = "-upload.txt"

// Store persists the single Record for one remote host. It parses and
// formats but never decides what a record means.
type Store struct {
	dir  string
	host string
}

// NewStore returns the store for host kept in dir. Nothing is touched on disk.
func NewStore(dir, host string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("lock file directory is required")
	}
	if host == "" {
		return nil, errors.New("lock file host is required")
	}
	return &Store{dir: filepath.Clean(dir), host: host}, nil
}

func (s *Store) Dir() string  { return s.dir }
func (s *Store) Host() string { return s.host }

// Path is the lock file location.
func (s *Store) Path() string { return filepath.Join(s.dir, s.host+FileSuffix) }

// ReadRaw returns the file content, or "" when the file does not exist.
func (s *Store) ReadRaw() (string, error) {
	b, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read lock file: %w", err)
	}
	return string(b), nil
}

// Read parses the lock file. A missing file reads as None.
func (s *Store) Read() (Record, error) {
	raw, err := s.ReadRaw()
	if err != nil {
		return Record{}, err
	}
	return Parse(raw), nil
}

// ModTime reports when the lock file was last written; zero if absent.
func (s *Store) ModTime() (time.Time, error) {
	fi, err := os.Stat(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("stat lock file: %w", err)
	}
	return fi.ModTime(), nil
}

// Write replaces the file with the formatted record.
func (s *Store) Write(r Record) error { return s.WriteRaw(Format(r)) }

// WriteRaw replaces the file with content. The new content is written to a
// temporary file in the same directory, synced and renamed over the lock
// file, so readers see either the old or the new content in full.
func (s *Store) WriteRaw(content string) (err error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+s.host+"-upload-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp lock file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.WriteString(content); err != nil {
		return fmt.Errorf("write temp lock file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp lock file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp lock file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp lock file: %w", err)
	}
	if err = os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("replace lock file: %w", err)
	}
	return nil
}
