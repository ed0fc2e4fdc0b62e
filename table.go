package flintdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/s2"
	"github.com/sirupsen/logrus"

	"github.com/fillmemory/flintdb/internal/memindex"
	"github.com/fillmemory/flintdb/internal/wal"
	"github.com/fillmemory/flintdb/storage"
)

const (
	recDead = 0
	recLive = 1

	journalSuffix  = ".journal"
	snapshotSuffix = ".idx"

	snapshotMagic = "FIDX"
)

// Table is a persistent, indexed row store. Row identifiers are dense
// ordinals assigned at insert; deletes tombstone the slot, updates rewrite it
// in place. Indexes live in memory, derived from the data file, and persist
// as snapshots tied to the data watermark on clean close.
//
// A Table serializes its writer internally; readers take a shared lock.
type Table struct {
	mu       sync.RWMutex
	meta     *Meta
	path     string
	data     *storage.RecordFile
	journal  *wal.Journal
	indexes  []*memindex.List
	cache    *lru.Cache[int64, *Row]
	log      *logrus.Entry
	live     int64
	readOnly bool
	closed   bool
}

// OpenMode selects how a table is opened.
type OpenMode int

const (
	// ReadWrite opens the table for mutation, creating missing files.
	ReadWrite OpenMode = iota
	// ReadOnly opens an existing table for reads. Mutations fail with
	// ErrReadOnly and no journal or snapshot files are written.
	ReadOnly
)

// OpenTable opens or creates the table at path for reading and writing. When
// the schema sidecar exists it is authoritative; a supplied meta must then be
// compatible with it. Creating a new table requires a meta.
func OpenTable(path string, m *Meta) (*Table, error) {
	return OpenTableMode(path, ReadWrite, m)
}

// OpenTableMode opens the table at path in the given mode. A read-only open
// requires the data file and sidecar to exist and assumes the table was
// closed cleanly.
func OpenTableMode(path string, mode OpenMode, m *Meta) (*Table, error) {
	readOnly := mode == ReadOnly
	onDisk, err := ReadMetaFile(descPath(path))
	switch {
	case err == nil:
		if m != nil && !m.Compatible(onDisk) {
			return nil, fmt.Errorf("%w: supplied schema differs from %s", ErrSchemaMismatch, descPath(path))
		}
		m = onDisk
	case errors.Is(err, ErrNotFound):
		if m == nil || readOnly {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err := m.WriteFile(descPath(path)); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	t := &Table{
		meta:     m,
		path:     path,
		readOnly: readOnly,
		log:      logrus.WithFields(logrus.Fields{"table": m.Name, "path": path}),
	}

	recSize := 1 + m.rowBytes()
	if readOnly {
		t.data, err = storage.OpenReadOnly(path, recSize)
	} else {
		t.data, err = storage.Open(path, recSize)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	jmode := wal.ParseMode(m.WAL)
	if readOnly {
		jmode = wal.Off
	}
	t.journal, err = wal.Open(path+journalSuffix, jmode)
	if err != nil {
		t.data.Close()
		return nil, err
	}
	if err := t.journal.Recover(tableUndoer{t.data}); err != nil {
		t.journal.Close()
		t.data.Close()
		return nil, fmt.Errorf("recovering %s: %w", path, err)
	}

	entries := int(m.Cache) / recSize
	if entries < 64 {
		entries = 64
	}
	t.cache, _ = lru.New[int64, *Row](entries)

	if err := t.loadIndexes(); err != nil {
		t.journal.Close()
		t.data.Close()
		return nil, err
	}
	t.log.WithFields(logrus.Fields{"rows": t.live, "indexes": len(t.indexes)}).Debug("table opened")
	return t, nil
}

// tableUndoer rolls uncommitted journal entries back into the data file.
type tableUndoer struct{ data *storage.RecordFile }

func (u tableUndoer) UndoAppend(id int64) error            { return u.data.Truncate(id) }
func (u tableUndoer) UndoWrite(id int64, rec []byte) error { return u.data.WriteAt(id, rec) }

// Meta returns the table schema.
func (t *Table) Meta() *Meta { return t.meta }

// Path returns the data file path.
func (t *Table) Path() string { return t.path }

// Rows returns the committed live row count.
func (t *Table) Rows() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Bytes returns the data file size.
func (t *Table) Bytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.Bytes()
}

// Apply inserts row and returns its new identifier. With checkDup set, a row
// whose primary key tuple already exists fails with ErrDuplicateKey.
func (t *Table) Apply(r *Row, checkDup bool) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(r, checkDup, true)
}

func (t *Table) applyLocked(r *Row, checkDup, autoCommit bool) (int64, error) {
	if t.closed {
		return -1, ErrClosed
	}
	if t.readOnly {
		return -1, fmt.Errorf("%w: table %q", ErrReadOnly, t.meta.Name)
	}
	t.applyDefaults(r)
	if err := r.Validate(); err != nil {
		return -1, err
	}
	if checkDup {
		if pi := t.meta.PrimaryIndex(); pi >= 0 {
			dup, err := t.keyExists(pi, r)
			if err != nil {
				return -1, err
			}
			if dup {
				return -1, fmt.Errorf("%w: primary key of table %q", ErrDuplicateKey, t.meta.Name)
			}
		}
	}

	rec := make([]byte, 1+t.meta.rowBytes())
	rec[0] = recLive
	if err := encodeRow(t.meta, r, rec[1:]); err != nil {
		return -1, err
	}

	if autoCommit {
		if err := t.journal.Begin(); err != nil {
			return -1, err
		}
	}
	// the journal entry must reach disk before the record it shadows
	id := t.data.Count()
	if err := t.journal.Appended(id); err != nil {
		return -1, err
	}
	if err := t.journal.Sync(); err != nil {
		return -1, err
	}
	if _, err := t.data.Append(rec); err != nil {
		return -1, err
	}
	if err := t.indexInsert(r, id); err != nil {
		return -1, err
	}
	if autoCommit {
		if err := t.commitLocked(); err != nil {
			return -1, err
		}
	}
	t.live++
	r.id = id
	t.cache.Add(id, r.Copy())
	return id, nil
}

// ApplyAt rewrites the row stored at id. All affected index entries move as
// one logical unit.
func (t *Table) ApplyAt(id int64, r *Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyAtLocked(id, r, true)
}

func (t *Table) applyAtLocked(id int64, r *Row, autoCommit bool) error {
	if t.closed {
		return ErrClosed
	}
	if t.readOnly {
		return fmt.Errorf("%w: table %q", ErrReadOnly, t.meta.Name)
	}
	t.applyDefaults(r)
	if err := r.Validate(); err != nil {
		return err
	}
	before, old, err := t.readLiveLocked(id)
	if err != nil {
		return err
	}

	rec := make([]byte, 1+t.meta.rowBytes())
	rec[0] = recLive
	if err := encodeRow(t.meta, r, rec[1:]); err != nil {
		return err
	}

	if autoCommit {
		if err := t.journal.Begin(); err != nil {
			return err
		}
	}
	if err := t.journal.Written(id, before); err != nil {
		return err
	}
	// the before-image must be durable before the overwrite
	if err := t.journal.Sync(); err != nil {
		return err
	}
	if err := t.data.WriteAt(id, rec); err != nil {
		return err
	}
	if err := t.indexDelete(old, id); err != nil {
		return err
	}
	if err := t.indexInsert(r, id); err != nil {
		return err
	}
	if autoCommit {
		if err := t.commitLocked(); err != nil {
			return err
		}
	}
	r.id = id
	t.cache.Add(id, r.Copy())
	return nil
}

// DeleteAt removes the row at id, returning the removed identifier.
func (t *Table) DeleteAt(id int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteAtLocked(id, true)
}

func (t *Table) deleteAtLocked(id int64, autoCommit bool) (int64, error) {
	if t.closed {
		return -1, ErrClosed
	}
	if t.readOnly {
		return -1, fmt.Errorf("%w: table %q", ErrReadOnly, t.meta.Name)
	}
	before, old, err := t.readLiveLocked(id)
	if err != nil {
		return -1, err
	}

	rec := append([]byte(nil), before...)
	rec[0] = recDead

	if autoCommit {
		if err := t.journal.Begin(); err != nil {
			return -1, err
		}
	}
	if err := t.journal.Written(id, before); err != nil {
		return -1, err
	}
	// the before-image must be durable before the overwrite
	if err := t.journal.Sync(); err != nil {
		return -1, err
	}
	if err := t.data.WriteAt(id, rec); err != nil {
		return -1, err
	}
	if err := t.indexDelete(old, id); err != nil {
		return -1, err
	}
	if autoCommit {
		if err := t.commitLocked(); err != nil {
			return -1, err
		}
	}
	t.live--
	t.cache.Remove(id)
	return id, nil
}

// commitLocked syncs the data file, then appends and syncs the commit
// marker. Journal entries are already on disk ahead of the writes they
// shadow, so recovery undoes anything the marker does not cover.
func (t *Table) commitLocked() error {
	if t.journal.Mode() != wal.Off {
		if err := t.data.Sync(); err != nil {
			return err
		}
	}
	return t.journal.Commit()
}

// Read returns the row stored at id as a borrowed view: valid until the next
// mutation of the table. Copy it to keep it.
func (t *Table) Read(id int64) (*Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}
	if r, ok := t.cache.Get(id); ok {
		return r, nil
	}
	_, r, err := t.readLiveLocked(id)
	if err != nil {
		return nil, err
	}
	t.cache.Add(id, r)
	return r, nil
}

// readLiveLocked reads the record at id, failing with ErrNotFound for
// out-of-range ids and tombstones. It returns the raw record and the decoded
// row.
func (t *Table) readLiveLocked(id int64) ([]byte, *Row, error) {
	rec := make([]byte, t.data.RecordSize())
	if err := t.data.ReadAt(id, rec); err != nil {
		if errors.Is(err, storage.ErrOutOfRange) {
			return nil, nil, fmt.Errorf("%w: row %d", ErrNotFound, id)
		}
		return nil, nil, err
	}
	if rec[0] != recLive {
		return nil, nil, fmt.Errorf("%w: row %d", ErrNotFound, id)
	}
	r := NewRow(t.meta)
	if err := decodeRow(t.meta, rec[1:], r); err != nil {
		return nil, nil, err
	}
	r.id = id
	return rec, r, nil
}

// One performs a point lookup on the named index: the key tuple supplies one
// value per leading key column. On a non-unique match the first row in index
// key order is returned. The row is borrowed.
func (t *Table) One(index string, keys ...Variant) (*Row, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, ErrClosed
	}
	ord := t.meta.IndexOrdinal(index)
	if ord < 0 {
		t.mu.RUnlock()
		return nil, fmt.Errorf("%w: index %q", ErrNotFound, index)
	}
	ix := t.meta.Index(ord)
	if len(keys) == 0 || len(keys) > len(ix.Keys) {
		t.mu.RUnlock()
		return nil, fmt.Errorf("%w: index %q takes 1..%d key values", ErrInvalidSize, index, len(ix.Keys))
	}
	var prefix []byte
	for i, v := range keys {
		at := t.meta.ColumnAt(ix.Keys[i])
		var err error
		prefix, err = encodeVariantKey(prefix, t.meta.Column(at), v)
		if err != nil {
			t.mu.RUnlock()
			return nil, err
		}
	}
	it := t.indexes[ord].Seek(prefix)
	if !it.Valid() || !bytes.HasPrefix(it.Key(), prefix) {
		t.mu.RUnlock()
		return nil, fmt.Errorf("%w: no row matches index %q", ErrNotFound, index)
	}
	id := it.Val()
	t.mu.RUnlock()
	return t.Read(id)
}

// keyExists reports whether any live row shares r's full key tuple on index
// ordinal ord.
func (t *Table) keyExists(ord int, r *Row) (bool, error) {
	ix := t.meta.Index(ord)
	prefix, err := encodeIndexPrefix(t.meta, ix, r, len(ix.Keys))
	if err != nil {
		return false, err
	}
	it := t.indexes[ord].Seek(prefix)
	return it.Valid() && bytes.HasPrefix(it.Key(), prefix), nil
}

// Find compiles the predicate and returns a cursor over matching row ids.
// When an index covers the predicate's leading columns the scan walks that
// index range in key order; otherwise it falls back to a full scan in storage
// order. An empty predicate matches every row.
func (t *Table) Find(predicate string) (IDCursor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}
	f, err := CompileFilter(t.meta, predicate)
	if err != nil {
		return nil, err
	}
	if plan := planIndex(t.meta, f); plan != nil {
		low, high, err := t.planBounds(plan)
		if err != nil {
			return nil, err
		}
		return &indexScanCursor{t: t, ord: plan.ix, low: low, high: high, filter: f}, nil
	}
	return &tableScanCursor{t: t, filter: f}, nil
}

// planBounds translates an index plan into skip list scan bounds. Bounds are
// deliberately loose (inclusive both ends); the filter is re-applied to every
// candidate row, so looseness costs reads, never correctness.
func (t *Table) planBounds(plan *indexPlan) (low, high []byte, err error) {
	ix := t.meta.Index(plan.ix)
	var prefix []byte
	for i, v := range plan.eq {
		at := t.meta.ColumnAt(ix.Keys[i])
		prefix, err = encodeVariantKey(prefix, t.meta.Column(at), v)
		if err != nil {
			return nil, nil, err
		}
	}
	low = prefix
	if plan.hasRange {
		col := t.meta.Column(plan.rangeCol)
		if !plan.low.IsNil() {
			low, err = encodeVariantKey(append([]byte(nil), prefix...), col, plan.low)
			if err != nil {
				return nil, nil, err
			}
		}
		if !plan.high.IsNil() {
			hk, err := encodeVariantKey(append([]byte(nil), prefix...), col, plan.high)
			if err != nil {
				return nil, nil, err
			}
			return low, prefixSuccessor(hk), nil
		}
	}
	if len(prefix) == 0 {
		return low, nil, nil
	}
	return low, prefixSuccessor(prefix), nil
}

// Close persists index snapshots and releases file handles. Close is
// idempotent; any other use after Close fails with ErrClosed.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if !t.readOnly {
		if err := t.saveSnapshot(); err != nil {
			t.log.WithError(err).Warn("index snapshot not saved; next open rebuilds")
		}
	}
	jerr := t.journal.Close()
	derr := t.data.Close()
	if derr != nil {
		return derr
	}
	return jerr
}

// DropTable removes every file constituting the table at path: data, schema
// sidecar, journal and index snapshot. It fails with ErrNotFound when none
// exist.
func DropTable(path string) error {
	removed := false
	for _, p := range []string{path, descPath(path), path + snapshotSuffix} {
		err := os.Remove(p)
		if err == nil {
			removed = true
			continue
		}
		if !os.IsNotExist(err) {
			return err
		}
	}
	if err := wal.Remove(path + journalSuffix); err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return nil
}

// --- defaults ---

func (t *Table) applyDefaults(r *Row) {
	for i := 0; i < t.meta.NumColumns(); i++ {
		c := t.meta.Column(i)
		if c.Default == "" || !r.vals[i].IsNil() {
			continue
		}
		if v, err := ParseVariant(c.Kind, c.Default); err == nil {
			r.vals[i] = v
		}
	}
}

// --- index maintenance ---

func (t *Table) indexInsert(r *Row, id int64) error {
	for i := 0; i < t.meta.NumIndexes(); i++ {
		key, err := encodeIndexKey(t.meta, t.meta.Index(i), r, id)
		if err != nil {
			return err
		}
		t.indexes[i].Put(key, id)
	}
	return nil
}

func (t *Table) indexDelete(r *Row, id int64) error {
	for i := 0; i < t.meta.NumIndexes(); i++ {
		key, err := encodeIndexKey(t.meta, t.meta.Index(i), r, id)
		if err != nil {
			return err
		}
		t.indexes[i].Delete(key)
	}
	return nil
}

// loadIndexes restores indexes from the snapshot file when it matches the
// data watermark, else rebuilds them by scanning the data file.
func (t *Table) loadIndexes() error {
	if err := t.loadSnapshot(); err == nil {
		return nil
	}
	return t.rebuildIndexes()
}

func (t *Table) rebuildIndexes() error {
	t.indexes = make([]*memindex.List, t.meta.NumIndexes())
	for i := range t.indexes {
		t.indexes[i] = memindex.New()
	}
	t.live = 0

	rec := make([]byte, t.data.RecordSize())
	r := NewRow(t.meta)
	count := t.data.Count()
	for id := int64(0); id < count; id++ {
		if err := t.data.ReadAt(id, rec); err != nil {
			return err
		}
		if rec[0] != recLive {
			continue
		}
		if err := decodeRow(t.meta, rec[1:], r); err != nil {
			return fmt.Errorf("row %d: %w", id, err)
		}
		if err := t.indexInsert(r, id); err != nil {
			return err
		}
		t.live++
	}
	if count > 0 {
		t.log.WithField("rows", t.live).Debug("indexes rebuilt from data scan")
	}
	return nil
}

// --- index snapshots ---

// Snapshot layout (s2-compressed): magic, data watermark, live count, index
// count, then per index the entry count and each (key length, key, row id).
func (t *Table) saveSnapshot() error {
	var raw bytes.Buffer
	raw.WriteString(snapshotMagic)
	writeInt64(&raw, t.data.Count())
	writeInt64(&raw, t.live)
	writeInt64(&raw, int64(len(t.indexes)))
	for _, ix := range t.indexes {
		writeInt64(&raw, int64(ix.Len()))
		for it := ix.First(); it.Valid(); it.Next() {
			writeInt64(&raw, int64(len(it.Key())))
			raw.Write(it.Key())
			writeInt64(&raw, it.Val())
		}
	}
	return os.WriteFile(t.path+snapshotSuffix, s2.Encode(nil, raw.Bytes()), 0o644)
}

func (t *Table) loadSnapshot() error {
	comp, err := os.ReadFile(t.path + snapshotSuffix)
	if err != nil {
		return err
	}
	raw, err := s2.Decode(nil, comp)
	if err != nil {
		return fmt.Errorf("%w: index snapshot: %v", ErrCorrupt, err)
	}
	rd := bytes.NewReader(raw)
	magic := make([]byte, len(snapshotMagic))
	if _, err := rd.Read(magic); err != nil || string(magic) != snapshotMagic {
		return fmt.Errorf("%w: index snapshot magic", ErrCorrupt)
	}
	watermark, err := readInt64(rd)
	if err != nil {
		return err
	}
	if watermark != t.data.Count() {
		return fmt.Errorf("%w: snapshot watermark %d, data has %d records", ErrSchemaMismatch, watermark, t.data.Count())
	}
	live, err := readInt64(rd)
	if err != nil {
		return err
	}
	n, err := readInt64(rd)
	if err != nil {
		return err
	}
	if int(n) != t.meta.NumIndexes() {
		return fmt.Errorf("%w: snapshot has %d indexes, schema has %d", ErrSchemaMismatch, n, t.meta.NumIndexes())
	}

	indexes := make([]*memindex.List, n)
	for i := range indexes {
		indexes[i] = memindex.New()
		cnt, err := readInt64(rd)
		if err != nil {
			return err
		}
		for j := int64(0); j < cnt; j++ {
			klen, err := readInt64(rd)
			if err != nil {
				return err
			}
			key := make([]byte, klen)
			if _, err := readFull(rd, key); err != nil {
				return err
			}
			id, err := readInt64(rd)
			if err != nil {
				return err
			}
			indexes[i].Put(key, id)
		}
	}
	t.indexes = indexes
	t.live = live
	t.log.Debug("indexes restored from snapshot")
	return nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(rd *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := readFull(rd, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readFull(rd *bytes.Reader, b []byte) (int, error) {
	n, err := rd.Read(b)
	if err != nil || n != len(b) {
		return n, fmt.Errorf("%w: truncated index snapshot", ErrCorrupt)
	}
	return n, nil
}

// --- cursors ---

// tableScanCursor walks every record in storage order.
type tableScanCursor struct {
	t      *Table
	filter *Filter
	next   int64
	cur    int64
	err    error
	closed bool
}

func (c *tableScanCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()
	if c.t.closed {
		return false
	}
	rec := make([]byte, c.t.data.RecordSize())
	r := NewRow(c.t.meta)
	for ; c.next < c.t.data.Count(); c.next++ {
		if err := c.t.data.ReadAt(c.next, rec); err != nil {
			c.err = err
			return false
		}
		if rec[0] != recLive {
			continue
		}
		if err := decodeRow(c.t.meta, rec[1:], r); err != nil {
			c.err = err
			return false
		}
		if c.filter.Matches(r) {
			c.cur = c.next
			c.next++
			return true
		}
	}
	return false
}

func (c *tableScanCursor) ID() int64    { return c.cur }
func (c *tableScanCursor) Err() error   { return c.err }
func (c *tableScanCursor) Close() error { c.closed = true; return nil }

// indexScanCursor walks one index range in key order, re-checking the filter
// against each candidate row.
type indexScanCursor struct {
	t      *Table
	ord    int
	low    []byte
	high   []byte
	filter *Filter
	it     *memindex.Iterator
	cur    int64
	err    error
	closed bool
}

func (c *indexScanCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()
	if c.t.closed {
		return false
	}
	if c.it == nil {
		c.it = c.t.indexes[c.ord].Seek(c.low)
	}
	for c.it.Valid() {
		if c.high != nil && bytes.Compare(c.it.Key(), c.high) >= 0 {
			return false
		}
		id := c.it.Val()
		c.it.Next()
		_, r, err := c.t.readLiveLocked(id)
		if err != nil {
			c.err = err
			return false
		}
		if c.filter.Matches(r) {
			c.cur = id
			return true
		}
	}
	return false
}

func (c *indexScanCursor) ID() int64    { return c.cur }
func (c *indexScanCursor) Err() error   { return c.err }
func (c *indexScanCursor) Close() error { c.closed = true; return nil }
