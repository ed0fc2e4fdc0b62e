// Package storage implements the on-disk primitives of the engine: a
// fixed-size record file addressed by dense ordinals, and an undo journal
// layered on top of it by the wal package.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	ErrClosed      = errors.New("storage: file is closed")
	ErrBadMagic    = errors.New("storage: bad file magic")
	ErrRecordSize  = errors.New("storage: record size mismatch")
	ErrOutOfRange  = errors.New("storage: record ordinal out of range")
	ErrShortHeader = errors.New("storage: truncated file header")
	ErrReadOnly    = errors.New("storage: file is read-only")
)

const (
	magic      = "FLNT"
	version    = 1
	headerSize = 16
)

// RecordFile stores fixed-size records in a flat file. Records are addressed
// by their dense ordinal; record 0 starts right after the header. The file
// grows by appending and never relocates a record, so an ordinal handed out
// stays valid until the file is truncated.
type RecordFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	recSize  int
	count    int64
	readOnly bool
	closed   bool
}

// Open opens or creates path as a record file with the given record size.
// An existing file must carry a matching size in its header.
func Open(path string, recSize int) (*RecordFile, error) {
	return open(path, recSize, false)
}

// OpenReadOnly opens an existing record file for reads. Mutating calls fail
// with ErrReadOnly, and a missing file is not created.
func OpenReadOnly(path string, recSize int) (*RecordFile, error) {
	return open(path, recSize, true)
}

func open(path string, recSize int, readOnly bool) (*RecordFile, error) {
	if recSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrRecordSize, recSize)
	}
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	rf := &RecordFile{f: f, path: path, recSize: recSize, readOnly: readOnly}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		if readOnly {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrShortHeader, path)
		}
		if err := rf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return rf, nil
	}
	if err := rf.readHeader(st.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return rf, nil
}

func (rf *RecordFile) writeHeader() error {
	var hdr [headerSize]byte
	copy(hdr[:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], version)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(rf.recSize))
	_, err := rf.f.WriteAt(hdr[:], 0)
	return err
}

func (rf *RecordFile) readHeader(size int64) error {
	if size < headerSize {
		return fmt.Errorf("%w: %s", ErrShortHeader, rf.path)
	}
	var hdr [headerSize]byte
	if _, err := rf.f.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	if string(hdr[:4]) != magic {
		return fmt.Errorf("%w: %s", ErrBadMagic, rf.path)
	}
	if got := int(binary.LittleEndian.Uint32(hdr[6:10])); got != rf.recSize {
		return fmt.Errorf("%w: file has %d, want %d", ErrRecordSize, got, rf.recSize)
	}
	// A crash may leave a partial trailing record; it is not counted and the
	// next append overwrites it.
	rf.count = (size - headerSize) / int64(rf.recSize)
	return nil
}

// Path returns the file path.
func (rf *RecordFile) Path() string { return rf.path }

// RecordSize returns the fixed record size in bytes.
func (rf *RecordFile) RecordSize() int { return rf.recSize }

// Count returns the number of records.
func (rf *RecordFile) Count() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.count
}

// Bytes returns the total file size, header included.
func (rf *RecordFile) Bytes() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return headerSize + rf.count*int64(rf.recSize)
}

// Append writes rec as the next record and returns its ordinal.
func (rf *RecordFile) Append(rec []byte) (int64, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return -1, ErrClosed
	}
	if rf.readOnly {
		return -1, ErrReadOnly
	}
	if len(rec) != rf.recSize {
		return -1, fmt.Errorf("%w: %d bytes, want %d", ErrRecordSize, len(rec), rf.recSize)
	}
	id := rf.count
	if _, err := rf.f.WriteAt(rec, rf.offset(id)); err != nil {
		return -1, err
	}
	rf.count++
	return id, nil
}

// WriteAt overwrites the record at ordinal id in place.
func (rf *RecordFile) WriteAt(id int64, rec []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return ErrClosed
	}
	if rf.readOnly {
		return ErrReadOnly
	}
	if len(rec) != rf.recSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrRecordSize, len(rec), rf.recSize)
	}
	if id < 0 || id >= rf.count {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, id, rf.count)
	}
	_, err := rf.f.WriteAt(rec, rf.offset(id))
	return err
}

// ReadAt fills buf with the record at ordinal id. buf must be exactly one
// record long.
func (rf *RecordFile) ReadAt(id int64, buf []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return ErrClosed
	}
	if len(buf) != rf.recSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrRecordSize, len(buf), rf.recSize)
	}
	if id < 0 || id >= rf.count {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, id, rf.count)
	}
	if _, err := rf.f.ReadAt(buf, rf.offset(id)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: %d of %d", ErrOutOfRange, id, rf.count)
		}
		return err
	}
	return nil
}

// Truncate discards every record at or after ordinal n.
func (rf *RecordFile) Truncate(n int64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return ErrClosed
	}
	if rf.readOnly {
		return ErrReadOnly
	}
	if n < 0 || n > rf.count {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, n, rf.count)
	}
	if err := rf.f.Truncate(rf.offset(n)); err != nil {
		return err
	}
	rf.count = n
	return nil
}

// Sync flushes file contents to stable storage.
func (rf *RecordFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return ErrClosed
	}
	if rf.readOnly {
		return nil
	}
	return rf.f.Sync()
}

// Close releases the file. Close is idempotent.
func (rf *RecordFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return nil
	}
	rf.closed = true
	return rf.f.Close()
}

func (rf *RecordFile) offset(id int64) int64 {
	return headerSize + id*int64(rf.recSize)
}
