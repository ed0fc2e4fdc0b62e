package flintdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// FlatFile is an append-oriented delimited row store bound to a Meta, with no
// indexing. The dialect follows the file suffix: .csv gets comma-delimited
// RFC-style quoting, .tsv tab-delimited backslash escaping, anything else the
// schema's DELIMITER/QUOTE options. A trailing .gz adds transparent gzip
// compression. The first line carries column names unless HEADER=ABSENT.
type FlatFile struct {
	mu     sync.Mutex
	meta   *Meta
	path   string
	f      *os.File
	gz     *gzip.Writer
	w      *bufio.Writer
	count  int64
	closed bool
	log    *logrus.Entry

	delim      byte
	quote      byte // 0 disables quoting and enables backslash escaping
	escape     byte
	compressed bool
}

// OpenFlatFile opens or creates the delimited file at path. The schema
// sidecar (path + ".desc") is authoritative when present; creating a new
// file requires a meta.
func OpenFlatFile(path string, m *Meta) (*FlatFile, error) {
	onDisk, err := ReadMetaFile(path + MetaSuffix)
	switch {
	case err == nil:
		if m != nil && !m.Compatible(onDisk) {
			return nil, fmt.Errorf("%w: supplied schema differs from %s", ErrSchemaMismatch, path+MetaSuffix)
		}
		m = onDisk
	case errors.Is(err, ErrNotFound):
		if m == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err := m.WriteFile(path + MetaSuffix); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	ff := &FlatFile{
		meta: m,
		path: path,
		log:  logrus.WithFields(logrus.Fields{"file": path}),
	}
	ff.detectDialect()

	st, statErr := os.Stat(path)
	existed := statErr == nil && st.Size() > 0

	ff.f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if ff.compressed {
		ff.gz = gzip.NewWriter(ff.f)
		ff.w = bufio.NewWriter(ff.gz)
	} else {
		ff.w = bufio.NewWriter(ff.f)
	}

	if existed {
		ff.count, err = ff.countRows()
		if err != nil {
			ff.f.Close()
			return nil, err
		}
	} else if !m.AbsentHeader {
		if err := ff.writeHeader(); err != nil {
			ff.f.Close()
			return nil, err
		}
	}
	return ff, nil
}

// detectDialect derives the field syntax from the file suffix, falling back
// to the schema options.
func (ff *FlatFile) detectDialect() {
	name := strings.ToLower(ff.path)
	if strings.HasSuffix(name, ".gz") {
		ff.compressed = true
		name = strings.TrimSuffix(name, ".gz")
	}
	switch {
	case strings.HasSuffix(name, ".csv"):
		ff.delim, ff.quote = ',', '"'
	case strings.HasSuffix(name, ".tsv"):
		ff.delim, ff.quote = '\t', 0
	default:
		ff.delim, ff.quote = ff.meta.Delimiter, ff.meta.Quote
	}
	ff.escape = ff.meta.Escape
	if ff.escape == 0 {
		ff.escape = '\\'
	}
}

// Meta returns the bound schema.
func (ff *FlatFile) Meta() *Meta { return ff.meta }

// Path returns the file path.
func (ff *FlatFile) Path() string { return ff.path }

// Rows returns the data row count, header excluded.
func (ff *FlatFile) Rows() int64 {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.count
}

// Bytes returns the file size on disk.
func (ff *FlatFile) Bytes() int64 {
	st, err := os.Stat(ff.path)
	if err != nil {
		return 0
	}
	return st.Size()
}

func (ff *FlatFile) writeHeader() error {
	names := make([]string, ff.meta.NumColumns())
	for i := range names {
		names[i] = ff.meta.Column(i).Name
	}
	return ff.writeFields(names)
}

// Write appends row and returns the running row count. Null values render as
// the schema's NULL option; with the default empty NilStr a null in a string
// column reads back as the empty string, so schemas with nullable string
// columns should set a distinct marker.
func (ff *FlatFile) Write(r *Row) (int64, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.closed {
		return -1, ErrClosed
	}
	if err := r.Validate(); err != nil {
		return -1, err
	}
	fields := make([]string, ff.meta.NumColumns())
	for i := 0; i < ff.meta.NumColumns(); i++ {
		if r.vals[i].IsNil() {
			fields[i] = ff.meta.NilStr
			continue
		}
		fields[i] = r.vals[i].String()
	}
	if err := ff.writeFields(fields); err != nil {
		return -1, err
	}
	ff.count++
	return ff.count, nil
}

func (ff *FlatFile) writeFields(fields []string) error {
	for i, fld := range fields {
		if i > 0 {
			if err := ff.w.WriteByte(ff.delim); err != nil {
				return err
			}
		}
		if err := ff.writeField(fld); err != nil {
			return err
		}
	}
	return ff.w.WriteByte('\n')
}

func (ff *FlatFile) writeField(s string) error {
	if ff.quote != 0 {
		if !strings.ContainsAny(s, string([]byte{ff.delim, ff.quote, '\n', '\r'})) {
			_, err := ff.w.WriteString(s)
			return err
		}
		if err := ff.w.WriteByte(ff.quote); err != nil {
			return err
		}
		for i := 0; i < len(s); i++ {
			if s[i] == ff.quote {
				if err := ff.w.WriteByte(ff.quote); err != nil {
					return err
				}
			}
			if err := ff.w.WriteByte(s[i]); err != nil {
				return err
			}
		}
		return ff.w.WriteByte(ff.quote)
	}
	// escape dialect
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ff.escape, ff.delim:
			if err := ff.w.WriteByte(ff.escape); err != nil {
				return err
			}
		case '\n':
			if err := ff.w.WriteByte(ff.escape); err != nil {
				return err
			}
			c = 'n'
		case '\r':
			if err := ff.w.WriteByte(ff.escape); err != nil {
				return err
			}
			c = 'r'
		}
		if err := ff.w.WriteByte(c); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes buffered writes down to the file.
func (ff *FlatFile) Flush() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.flushLocked()
}

func (ff *FlatFile) flushLocked() error {
	if ff.closed {
		return ErrClosed
	}
	if err := ff.w.Flush(); err != nil {
		return err
	}
	if ff.gz != nil {
		return ff.gz.Flush()
	}
	return nil
}

// Find compiles the predicate and returns a row cursor over the full file in
// write order. The yielded row is borrowed, valid until the next advance.
func (ff *FlatFile) Find(predicate string) (RowCursor, error) {
	ff.mu.Lock()
	if ff.closed {
		ff.mu.Unlock()
		return nil, ErrClosed
	}
	if err := ff.flushLocked(); err != nil {
		ff.mu.Unlock()
		return nil, err
	}
	ff.mu.Unlock()

	f, err := CompileFilter(ff.meta, predicate)
	if err != nil {
		return nil, err
	}
	rd, closer, err := ff.openReader()
	if err != nil {
		return nil, err
	}
	c := &flatFileCursor{ff: ff, rd: rd, closer: closer, filter: f}
	if !ff.meta.AbsentHeader {
		if _, err := c.readRecord(); err != nil && err != io.EOF {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (ff *FlatFile) openReader() (*bufio.Reader, io.Closer, error) {
	f, err := os.Open(ff.path)
	if err != nil {
		return nil, nil, err
	}
	if !ff.compressed {
		return bufio.NewReader(f), f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return bufio.NewReader(zr), multiCloser{zr, f}, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// countRows scans the existing file to establish the running count.
func (ff *FlatFile) countRows() (int64, error) {
	rd, closer, err := ff.openReader()
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	c := &flatFileCursor{ff: ff, rd: rd}
	var n int64
	first := true
	for {
		_, err := c.readRecord()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		if first && !ff.meta.AbsentHeader {
			first = false
			continue
		}
		first = false
		n++
	}
}

// Close flushes and releases the file handle. Close is idempotent.
func (ff *FlatFile) Close() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.closed {
		return nil
	}
	ff.closed = true
	if err := ff.w.Flush(); err != nil {
		return err
	}
	if ff.gz != nil {
		if err := ff.gz.Close(); err != nil {
			return err
		}
	}
	return ff.f.Close()
}

// DropFlatFile removes the data file and its schema sidecar, failing with
// ErrNotFound when neither exists.
func DropFlatFile(path string) error {
	removed := false
	for _, p := range []string{path, path + MetaSuffix} {
		err := os.Remove(p)
		if err == nil {
			removed = true
			continue
		}
		if !os.IsNotExist(err) {
			return err
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return nil
}

// flatFileCursor scans records in write order.
type flatFileCursor struct {
	ff     *FlatFile
	rd     *bufio.Reader
	closer io.Closer
	filter *Filter
	row    *Row
	err    error
	closed bool
}

func (c *flatFileCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	for {
		fields, err := c.readRecord()
		if err == io.EOF {
			return false
		}
		if err != nil {
			c.err = err
			return false
		}
		r, err := RowFromStrings(c.ff.meta, fields)
		if err != nil {
			c.err = err
			return false
		}
		if c.filter.Matches(r) {
			c.row = r
			return true
		}
	}
}

func (c *flatFileCursor) Row() *Row { return c.row }
func (c *flatFileCursor) Err() error { return c.err }

func (c *flatFileCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// readRecord reads one logical record, honoring the dialect: quoted fields
// may span lines, escaped fields resolve backslash sequences.
func (c *flatFileCursor) readRecord() ([]string, error) {
	ff := c.ff
	var fields []string
	var cur strings.Builder
	started := false
	inQuote := false

	for {
		b, err := c.rd.ReadByte()
		if err == io.EOF {
			if !started {
				return nil, io.EOF
			}
			fields = append(fields, cur.String())
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		started = true

		if inQuote {
			if b == ff.quote {
				nb, err := c.rd.ReadByte()
				if err == nil && nb == ff.quote {
					cur.WriteByte(ff.quote)
					continue
				}
				if err == nil {
					c.rd.UnreadByte()
				}
				inQuote = false
				continue
			}
			cur.WriteByte(b)
			continue
		}

		switch b {
		case '\n':
			if cur.Len() == 0 && len(fields) == 0 {
				started = false
				continue // blank line
			}
			fields = append(fields, cur.String())
			return fields, nil
		case '\r':
			continue
		case ff.delim:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			switch {
			case ff.quote != 0 && b == ff.quote && cur.Len() == 0:
				inQuote = true
			case ff.quote == 0 && b == ff.escape:
				nb, err := c.rd.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("%w: dangling escape", ErrCorrupt)
				}
				switch nb {
				case 'n':
					cur.WriteByte('\n')
				case 'r':
					cur.WriteByte('\r')
				default:
					cur.WriteByte(nb)
				}
			default:
				cur.WriteByte(b)
			}
		}
	}
}
