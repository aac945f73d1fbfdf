// Package csvfilter reshapes SIS CSV extracts before they are uploaded.
package csvfilter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoRows is returned by WriteFile when a filter left nothing to upload.
var ErrNoRows = errors.New("no rows to write")

// Row maps column name to value.
type Row map[string]string

// Filter turns the rows of one extract into the rows to upload.
type Filter func([]Row) []Row

// byte order marks seen at the start of exported headers. The last one is a
// UTF-8 BOM that was decoded as Latin-1 somewhere upstream.
var boms = []string{"\ufeff", "\ufffe", "\u00ef\u00bb\u00bf"}

func stripBOM(s string) string {
	for _, b := range boms {
		if strings.HasPrefix(s, b) {
			return s[len(b):]
		}
	}
	return s
}

// ReadFile reads a CSV file with a header line. The header is returned in
// file order. Short rows are padded with empty values.
func ReadFile(path string) ([]Row, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open csv: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Read is ReadFile for an open reader.
func Read(r io.Reader) ([]Row, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = stripBOM(header[i])
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}
		row := make(Row, len(header))
		for i, k := range header {
			if i < len(rec) {
				row[k] = rec[i]
			} else {
				row[k] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

// Columns returns the output columns for rows: the entries of header the
// first row still has, then any column a filter added, sorted.
func Columns(header []string, rows []Row) []string {
	if len(rows) == 0 {
		return nil
	}
	first := rows[0]
	seen := make(map[string]bool, len(first))
	cols := make([]string, 0, len(first))
	for _, k := range header {
		if _, ok := first[k]; ok && !seen[k] {
			cols = append(cols, k)
			seen[k] = true
		}
	}
	var extra []string
	for k := range first {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

// WriteFile writes rows to path with CRLF line endings. Nothing is written
// when rows is empty.
func WriteFile(path string, header []string, rows []Row) error {
	if len(rows) == 0 {
		return ErrNoRows
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	if err := Write(f, header, rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close csv: %w", err)
	}
	return nil
}

// Write is WriteFile for an open writer.
func Write(w io.Writer, header []string, rows []Row) error {
	if len(rows) == 0 {
		return ErrNoRows
	}
	cols := Columns(header, rows)
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	rec := make([]string, len(cols))
	for _, row := range rows {
		for i, k := range cols {
			rec[i] = row[k]
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Apply reads in, runs f over it and writes the result to out. It returns
// the number of rows written.
func Apply(in, out string, f Filter) (int, error) {
	rows, header, err := ReadFile(in)
	if err != nil {
		return 0, err
	}
	filtered := f(rows)
	if err := WriteFile(out, header, filtered); err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(out), err)
	}
	return len(filtered), nil
}
