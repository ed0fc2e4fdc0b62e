package flintdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fillmemory/flintdb/storage"
)

// FileSort sorts a spooled row stream under a caller comparator. Rows are
// deep-copied to a backing spool file on Add, so peak memory stays bounded by
// the ordinal permutation, not the row payloads. The sort is stable: rows
// comparing equal keep their insertion order.
type FileSort struct {
	mu     sync.Mutex
	meta   *Meta
	spool  *storage.RecordFile
	order  []int64
	buf    []byte
	closed bool
}

// NewFileSort creates a sorter for rows of schema m, spooling to a temporary
// file under dir (the system temp directory when dir is empty).
func NewFileSort(m *Meta, dir string) (*FileSort, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "flintsort-*.spool")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	f.Close()
	os.Remove(path)

	spool, err := storage.Open(path, m.rowBytes())
	if err != nil {
		return nil, err
	}
	return &FileSort{
		meta:  m,
		spool: spool,
		buf:   make([]byte, m.rowBytes()),
	}, nil
}

// Add spools a private copy of r and returns the running count. The input
// row is not retained past the call.
func (fs *FileSort) Add(r *Row) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return -1, ErrClosed
	}
	if err := encodeRow(fs.meta, r, fs.buf); err != nil {
		return -1, err
	}
	id, err := fs.spool.Append(fs.buf)
	if err != nil {
		return -1, err
	}
	fs.order = append(fs.order, id)
	return id + 1, nil
}

// Rows returns the spooled row count.
func (fs *FileSort) Rows() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return int64(len(fs.order))
}

// Sort imposes a total order using cmp (negative, zero, positive). Payloads
// are read lazily from the spool during merging; only the ordinal permutation
// is held in memory. Sorting again with the same comparator yields the same
// sequence.
func (fs *FileSort) Sort(cmp func(a, b *Row) int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	n := len(fs.order)
	if n < 2 {
		return nil
	}

	// bottom-up merge over the ordinal permutation; ties keep the left run's
	// element first, which preserves insertion order
	src := append([]int64(nil), fs.order...)
	dst := make([]int64, n)
	var err error
	for width := 1; width < n; width *= 2 {
		for lo := 0; lo < n; lo += 2 * width {
			mid := min(lo+width, n)
			hi := min(lo+2*width, n)
			if e := fs.merge(src, dst, lo, mid, hi, cmp); e != nil {
				err = e
			}
		}
		src, dst = dst, src
		if err != nil {
			return err
		}
	}
	fs.order = src
	return nil
}

func (fs *FileSort) merge(src, dst []int64, lo, mid, hi int, cmp func(a, b *Row) int) error {
	i, j := lo, mid
	for k := lo; k < hi; k++ {
		switch {
		case i >= mid:
			dst[k] = src[j]
			j++
		case j >= hi:
			dst[k] = src[i]
			i++
		default:
			a, err := fs.fetch(src[i])
			if err != nil {
				return err
			}
			b, err := fs.fetch(src[j])
			if err != nil {
				return err
			}
			if cmp(a, b) <= 0 {
				dst[k] = src[i]
				i++
			} else {
				dst[k] = src[j]
				j++
			}
		}
	}
	return nil
}

func (fs *FileSort) fetch(id int64) (*Row, error) {
	if err := fs.spool.ReadAt(id, fs.buf); err != nil {
		return nil, err
	}
	r := NewRow(fs.meta)
	if err := decodeRow(fs.meta, fs.buf, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Read returns the i-th row in sorted order (insertion order before Sort) as
// a fresh owned row.
func (fs *FileSort) Read(i int64) (*Row, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, ErrClosed
	}
	if i < 0 || i >= int64(len(fs.order)) {
		return nil, fmt.Errorf("%w: ordinal %d of %d", ErrIndexOutOfRange, i, len(fs.order))
	}
	return fs.fetch(fs.order[i])
}

// Close removes the spool file. Close is idempotent.
func (fs *FileSort) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	path := fs.spool.Path()
	err := fs.spool.Close()
	if rmErr := os.Remove(filepath.Clean(path)); rmErr != nil && err == nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}
