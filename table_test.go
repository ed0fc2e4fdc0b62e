package flintdb

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fillmemory/flintdb/internal/wal"
	"github.com/fillmemory/flintdb/storage"
)

func peopleMeta(t *testing.T) *Meta {
	t.Helper()
	m := NewMeta("people")
	require.NoError(t, m.AddColumn("id", KindInt64, 0, 0, true, "", ""))
	require.NoError(t, m.AddColumn("name", KindString, 64, 0, true, "", ""))
	require.NoError(t, m.AddColumn("age", KindInt32, 0, 0, true, "", ""))
	require.NoError(t, m.AddIndex(PrimaryName, "", "id"))
	require.NoError(t, m.AddIndex("by_age", "", "age"))
	return m
}

func personRow(t *testing.T, m *Meta, id int64, name string, age int32) *Row {
	t.Helper()
	r := NewRow(m)
	require.NoError(t, r.SetInt64(0, id))
	require.NoError(t, r.SetString(1, name))
	require.NoError(t, r.SetInt32(2, age))
	return r
}

func openPeople(t *testing.T, dir string) *Table {
	t.Helper()
	tbl, err := OpenTable(filepath.Join(dir, "people"+TableSuffix), peopleMeta(t))
	require.NoError(t, err)
	return tbl
}

func collectIDs(t *testing.T, c IDCursor) []int64 {
	t.Helper()
	var ids []int64
	for c.Next() {
		ids = append(ids, c.ID())
	}
	require.NoError(t, c.Err())
	require.NoError(t, c.Close())
	return ids
}

func TestTableCRUDScenario(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	for i, age := range []int32{30, 31, 32} {
		_, err := tbl.Apply(personRow(t, tbl.Meta(), int64(i+1), "p", age), true)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), tbl.Rows())

	c, err := tbl.Find("age >= 31")
	require.NoError(t, err)
	ids := collectIDs(t, c)
	matched := map[int64]bool{}
	for _, id := range ids {
		r, err := tbl.Read(id)
		require.NoError(t, err)
		pk, err := r.Int64(0)
		require.NoError(t, err)
		matched[pk] = true
	}
	assert.Equal(t, map[int64]bool{2: true, 3: true}, matched)

	// delete the row whose primary key is 3
	r, err := tbl.One(PrimaryName, NewInt64(3))
	require.NoError(t, err)
	_, err = tbl.DeleteAt(r.ID())
	require.NoError(t, err)

	c, err = tbl.Find("")
	require.NoError(t, err)
	left := map[int64]bool{}
	for _, id := range collectIDs(t, c) {
		r, err := tbl.Read(id)
		require.NoError(t, err)
		pk, _ := r.Int64(0)
		left[pk] = true
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true}, left)
}

func TestApplyAssignsMonotonicIDs(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	var prev int64 = -1
	for i := int64(1); i <= 10; i++ {
		id, err := tbl.Apply(personRow(t, tbl.Meta(), i, "x", 20), false)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestApplyDuplicateKey(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	_, err := tbl.Apply(personRow(t, tbl.Meta(), 1, "first", 40), true)
	require.NoError(t, err)

	_, err = tbl.Apply(personRow(t, tbl.Meta(), 1, "second", 41), true)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	// without duplicate checking the insert goes through
	_, err = tbl.Apply(personRow(t, tbl.Meta(), 1, "second", 41), false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tbl.Rows())
}

func TestApplyValidation(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	r := NewRow(tbl.Meta())
	require.NoError(t, r.SetInt64(0, 1))
	// name and age stay null but are NOT NULL
	_, err := tbl.Apply(r, false)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int64(0), tbl.Rows())
}

func TestApplyAtAndIndexConsistency(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	id, err := tbl.Apply(personRow(t, tbl.Meta(), 1, "young", 20), true)
	require.NoError(t, err)

	require.NoError(t, tbl.ApplyAt(id, personRow(t, tbl.Meta(), 1, "old", 80)))

	// old index entry is gone
	c, err := tbl.Find("age = 20")
	require.NoError(t, err)
	assert.Empty(t, collectIDs(t, c))

	c, err = tbl.Find("age = 80")
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, collectIDs(t, c))

	r, err := tbl.Read(id)
	require.NoError(t, err)
	name, _ := r.Str(1)
	assert.Equal(t, "old", name)

	assert.ErrorIs(t, tbl.ApplyAt(99, personRow(t, tbl.Meta(), 2, "x", 1)), ErrNotFound)
}

func TestDeleteAt(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	id, err := tbl.Apply(personRow(t, tbl.Meta(), 1, "gone", 50), true)
	require.NoError(t, err)

	got, err := tbl.DeleteAt(id)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = tbl.Read(id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.DeleteAt(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), tbl.Rows())
}

func TestOnePointLookup(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	for i := int64(1); i <= 3; i++ {
		_, err := tbl.Apply(personRow(t, tbl.Meta(), i, "p", 33), true)
		require.NoError(t, err)
	}

	r, err := tbl.One(PrimaryName, NewInt64(2))
	require.NoError(t, err)
	pk, _ := r.Int64(0)
	assert.Equal(t, int64(2), pk)

	// non-unique index: first match in index key order
	r, err = tbl.One("by_age", NewInt32(33))
	require.NoError(t, err)
	pk, _ = r.Int64(0)
	assert.Equal(t, int64(1), pk)

	_, err = tbl.One(PrimaryName, NewInt64(42))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.One("no_such_index", NewInt64(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndexScanMatchesFullScan(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	ages := []int32{55, 12, 78, 33, 41, 12, 90, 3, 33, 67}
	for i, age := range ages {
		_, err := tbl.Apply(personRow(t, tbl.Meta(), int64(i+1), "p", age), true)
		require.NoError(t, err)
	}

	for _, pred := range []string{"age >= 33", "age < 40", "age = 12", "age > 12 AND age <= 67"} {
		c, err := tbl.Find(pred)
		require.NoError(t, err)
		indexed := collectIDs(t, c)

		f, err := CompileFilter(tbl.Meta(), pred)
		require.NoError(t, err)
		var scanned []int64
		c, err = tbl.Find("")
		require.NoError(t, err)
		for _, id := range collectIDs(t, c) {
			r, err := tbl.Read(id)
			require.NoError(t, err)
			if f.Matches(r) {
				scanned = append(scanned, id)
			}
		}
		sort.Slice(indexed, func(i, j int) bool { return indexed[i] < indexed[j] })
		assert.Equal(t, scanned, indexed, pred)
	}
}

func TestReopenRestoresRowsAndIndexes(t *testing.T) {
	dir := t.TempDir()
	tbl := openPeople(t, dir)
	for i := int64(1); i <= 5; i++ {
		_, err := tbl.Apply(personRow(t, tbl.Meta(), i, "p", int32(i*10)), true)
		require.NoError(t, err)
	}
	require.NoError(t, tbl.Close())

	// reopen without supplying a schema: the sidecar is authoritative
	tbl, err := OpenTable(filepath.Join(dir, "people"+TableSuffix), nil)
	require.NoError(t, err)
	defer tbl.Close()
	assert.Equal(t, int64(5), tbl.Rows())

	c, err := tbl.Find("age >= 30")
	require.NoError(t, err)
	assert.Len(t, collectIDs(t, c), 3)
}

func TestOpenSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	tbl := openPeople(t, dir)
	require.NoError(t, tbl.Close())

	other := NewMeta("people")
	require.NoError(t, other.AddColumn("id", KindInt64, 0, 0, true, "", ""))
	_, err := OpenTable(filepath.Join(dir, "people"+TableSuffix), other)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestOpenMissingWithoutMeta(t *testing.T) {
	_, err := OpenTable(filepath.Join(t.TempDir(), "absent"+TableSuffix), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenTableReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "people"+TableSuffix)

	// a read-only open never creates files
	_, err := OpenTableMode(path, ReadOnly, nil)
	require.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	tbl := openPeople(t, dir)
	for i := int64(1); i <= 3; i++ {
		_, err := tbl.Apply(personRow(t, tbl.Meta(), i, "p", int32(i*10)), true)
		require.NoError(t, err)
	}
	require.NoError(t, tbl.Close())

	ro, err := OpenTableMode(path, ReadOnly, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ro.Rows())

	r, err := ro.One(PrimaryName, NewInt64(2))
	require.NoError(t, err)
	age, _ := r.Int32(2)
	assert.Equal(t, int32(20), age)

	c, err := ro.Find("age >= 20")
	require.NoError(t, err)
	assert.Len(t, collectIDs(t, c), 2)

	_, err = ro.Apply(personRow(t, ro.Meta(), 4, "x", 40), false)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.ApplyAt(0, personRow(t, ro.Meta(), 1, "x", 40)), ErrReadOnly)
	_, err = ro.DeleteAt(0)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = ro.Begin()
	assert.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, ro.Close())

	// sidecar present but data file gone
	require.NoError(t, os.Remove(path))
	_, err = OpenTableMode(path, ReadOnly, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverUncommittedOverwrite(t *testing.T) {
	dir := t.TempDir()
	m := peopleMeta(t)
	m.WAL = "LOG"
	path := filepath.Join(dir, "people"+TableSuffix)
	tbl, err := OpenTable(path, m)
	require.NoError(t, err)
	id, err := tbl.Apply(personRow(t, tbl.Meta(), 1, "settled", 30), true)
	require.NoError(t, err)
	require.NoError(t, tbl.Close())

	// stage the crash window of an update: the before-image reached the
	// journal, the overwrite reached the data file, the commit marker did not
	recSize := 1 + m.rowBytes()
	df, err := storage.Open(path, recSize)
	require.NoError(t, err)
	before := make([]byte, recSize)
	require.NoError(t, df.ReadAt(id, before))

	require.NoError(t, os.Truncate(path+journalSuffix, 0))
	j, err := wal.Open(path+journalSuffix, wal.Log)
	require.NoError(t, err)
	require.NoError(t, j.Begin())
	require.NoError(t, j.Written(id, before))
	require.NoError(t, j.Sync())
	require.NoError(t, j.Close())

	after := make([]byte, recSize)
	after[0] = recLive
	require.NoError(t, encodeRow(m, personRow(t, m, 1, "phantom", 99), after[1:]))
	require.NoError(t, df.WriteAt(id, after))
	require.NoError(t, df.Close())

	tbl, err = OpenTable(path, nil)
	require.NoError(t, err)
	defer tbl.Close()
	r, err := tbl.Read(id)
	require.NoError(t, err)
	name, _ := r.Str(1)
	assert.Equal(t, "settled", name)

	c, err := tbl.Find("age = 99")
	require.NoError(t, err)
	assert.Empty(t, collectIDs(t, c))
	c, err = tbl.Find("age = 30")
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, collectIDs(t, c))
}

func TestUseAfterClose(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close())

	_, err := tbl.Apply(personRow(t, tbl.Meta(), 1, "x", 1), false)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tbl.Read(0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tbl.Find("")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDropTable(t *testing.T) {
	dir := t.TempDir()
	tbl := openPeople(t, dir)
	_, err := tbl.Apply(personRow(t, tbl.Meta(), 1, "x", 1), false)
	require.NoError(t, err)
	require.NoError(t, tbl.Close())

	path := filepath.Join(dir, "people"+TableSuffix)
	require.NoError(t, DropTable(path))
	_, err = OpenTable(path, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, DropTable(path), ErrNotFound)
}

func TestTxCommit(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	tx, err := tbl.Begin()
	require.NoError(t, err)
	_, err = tx.Apply(personRow(t, tbl.Meta(), 1, "a", 10), true)
	require.NoError(t, err)
	id2, err := tx.Apply(personRow(t, tbl.Meta(), 2, "b", 20), true)
	require.NoError(t, err)
	_, err = tx.DeleteAt(id2)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(1), tbl.Rows())
	c, err := tbl.Find("")
	require.NoError(t, err)
	assert.Len(t, collectIDs(t, c), 1)
}

func TestTxRollback(t *testing.T) {
	tbl := openPeople(t, t.TempDir())
	defer tbl.Close()

	keepID, err := tbl.Apply(personRow(t, tbl.Meta(), 1, "keep", 10), true)
	require.NoError(t, err)

	tx, err := tbl.Begin()
	require.NoError(t, err)
	_, err = tx.Apply(personRow(t, tbl.Meta(), 2, "drop", 20), true)
	require.NoError(t, err)
	require.NoError(t, tx.ApplyAt(keepID, personRow(t, tbl.Meta(), 1, "mutated", 99)))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback()) // idempotent

	assert.Equal(t, int64(1), tbl.Rows())
	r, err := tbl.Read(keepID)
	require.NoError(t, err)
	name, _ := r.Str(1)
	assert.Equal(t, "keep", name)

	c, err := tbl.Find("age = 99")
	require.NoError(t, err)
	assert.Empty(t, collectIDs(t, c))
	c, err = tbl.Find("age = 10")
	require.NoError(t, err)
	assert.Equal(t, []int64{keepID}, collectIDs(t, c))
}

func TestColumnDefaults(t *testing.T) {
	m := NewMeta("with_default")
	require.NoError(t, m.AddColumn("id", KindInt64, 0, 0, true, "", ""))
	require.NoError(t, m.AddColumn("status", KindString, 16, 0, true, "new", ""))
	require.NoError(t, m.AddIndex(PrimaryName, "", "id"))

	tbl, err := OpenTable(filepath.Join(t.TempDir(), "with_default"+TableSuffix), m)
	require.NoError(t, err)
	defer tbl.Close()

	r := NewRow(m)
	require.NoError(t, r.SetInt64(0, 1))
	id, err := tbl.Apply(r, false)
	require.NoError(t, err)

	got, err := tbl.Read(id)
	require.NoError(t, err)
	status, _ := got.Str(1)
	assert.Equal(t, "new", status)
}
