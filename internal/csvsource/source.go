// Package csvsource reads CSV files as restartable row sources for the
// sync engine.
package csvsource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/csvsync/internal/core"
)

// Options controls how a CSV file is read.
type Options struct {
	// FailOnDuplicateColumns turns a repeated header name into a fatal
	// error. Otherwise the last occurrence wins and a warning is logged.
	FailOnDuplicateColumns bool

	// Delimiter defaults to ','.
	Delimiter rune

	Logger *slog.Logger
}

// File is a CSV file on disk. Each pass reopens the file, so rows are
// streamed and never held in memory.
type File struct {
	path   string
	opts   Options
	layout layout
}

// Open reads the header of the CSV file at path.
func Open(path string, opts Options) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.Wrap(core.KindFatalConfig, fmt.Sprintf("csv file %s does not exist", path), err)
		}
		return nil, core.Wrap(core.KindFatalConfig, "open csv file", err)
	}
	defer f.Close()

	l, err := readLayout(newReader(f, opts), opts)
	if err != nil {
		return nil, err
	}
	return &File{path: path, opts: opts, layout: l}, nil
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Dir returns the directory relative file references resolve against.
func (f *File) Dir() string { return filepath.Dir(f.path) }

// Stem returns the file name without extension, used as the default title
// of a new table.
func (f *File) Stem() string {
	base := filepath.Base(f.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Header returns the column names after duplicate resolution.
func (f *File) Header() []string { return f.layout.header }

// Each calls fn for every data row in file order.
func (f *File) Each(fn func(line int, record []string) error) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", f.path, err)
	}
	defer file.Close()

	r := newReader(file, f.opts)
	if _, err := r.Read(); err != nil {
		return parseError(f.path, err)
	}
	return f.layout.each(r, f.path, fn)
}

// Buffer is a CSV document held in memory, used for stdin and tests.
type Buffer struct {
	layout layout
	lines  []int
	rows   [][]string
}

// Read parses every row of r. name labels parse errors.
func Read(r io.Reader, name string, opts Options) (*Buffer, error) {
	cr := newReader(r, opts)
	l, err := readLayout(cr, opts)
	if err != nil {
		return nil, err
	}
	b := &Buffer{layout: l}
	err = l.each(cr, name, func(line int, record []string) error {
		b.lines = append(b.lines, line)
		b.rows = append(b.rows, record)
		return nil
	})
	if err != nil {
		return nil, core.Wrap(core.KindFatalConfig, "read csv", err)
	}
	return b, nil
}

// Header returns the column names after duplicate resolution.
func (b *Buffer) Header() []string { return b.layout.header }

// Len returns the number of data rows.
func (b *Buffer) Len() int { return len(b.rows) }

// Each calls fn for every data row in order.
func (b *Buffer) Each(fn func(line int, record []string) error) error {
	for i, rec := range b.rows {
		if err := fn(b.lines[i], rec); err != nil {
			return err
		}
	}
	return nil
}

func newReader(r io.Reader, opts Options) *csv.Reader {
	cr := csv.NewReader(wrap(r))
	cr.FieldsPerRecord = -1
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	return cr
}

// layout maps raw record positions to the resolved header.
type layout struct {
	header []string
	// cols holds, per resolved column, the raw position its value is read from.
	cols []int
}

func readLayout(r *csv.Reader, opts Options) (layout, error) {
	raw, err := r.Read()
	if err == io.EOF {
		return layout{}, core.Errorf(core.KindFatalConfig, "csv file has no columns")
	}
	if err != nil {
		return layout{}, core.Wrap(core.KindFatalConfig, "read csv header", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var l layout
	index := make(map[string]int, len(raw))
	for pos, name := range raw {
		name = strings.TrimSpace(name)
		if i, dup := index[name]; dup {
			if opts.FailOnDuplicateColumns {
				return layout{}, core.Errorf(core.KindFatalConfig, "duplicate csv column %q", name)
			}
			logger.Warn("duplicate csv column, last occurrence wins", "column", name)
			l.cols[i] = pos
			continue
		}
		index[name] = len(l.header)
		l.header = append(l.header, name)
		l.cols = append(l.cols, pos)
	}
	if len(l.header) == 1 && l.header[0] == "" {
		return layout{}, core.Errorf(core.KindFatalConfig, "csv file has no columns")
	}
	return l, nil
}

func (l layout) each(r *csv.Reader, name string, fn func(line int, record []string) error) error {
	for {
		raw, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return parseError(name, err)
		}
		line, _ := r.FieldPos(0)
		rec := make([]string, len(l.cols))
		for i, pos := range l.cols {
			if pos < len(raw) {
				rec[i] = raw[pos]
			}
		}
		if err := fn(line, rec); err != nil {
			return err
		}
	}
}

func parseError(name string, err error) error {
	return fmt.Errorf("parse error in %s: %w", name, err)
}
