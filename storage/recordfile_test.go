package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "records.dat")
}

func TestAppendRead(t *testing.T) {
	rf, err := Open(tempFile(t), 8)
	require.NoError(t, err)
	defer rf.Close()

	id0, err := rf.Append([]byte("record-0"))
	require.NoError(t, err)
	id1, err := rf.Append([]byte("record-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), id0)
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), rf.Count())

	buf := make([]byte, 8)
	require.NoError(t, rf.ReadAt(id1, buf))
	assert.Equal(t, "record-1", string(buf))

	err = rf.ReadAt(5, buf)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWriteAtInPlace(t *testing.T) {
	rf, err := Open(tempFile(t), 4)
	require.NoError(t, err)
	defer rf.Close()

	id, err := rf.Append([]byte("aaaa"))
	require.NoError(t, err)
	require.NoError(t, rf.WriteAt(id, []byte("bbbb")))

	buf := make([]byte, 4)
	require.NoError(t, rf.ReadAt(id, buf))
	assert.Equal(t, "bbbb", string(buf))
	assert.Equal(t, int64(1), rf.Count())
}

func TestReopenKeepsRecords(t *testing.T) {
	path := tempFile(t)
	rf, err := Open(path, 4)
	require.NoError(t, err)
	_, err = rf.Append([]byte("keep"))
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	rf, err = Open(path, 4)
	require.NoError(t, err)
	defer rf.Close()
	assert.Equal(t, int64(1), rf.Count())

	buf := make([]byte, 4)
	require.NoError(t, rf.ReadAt(0, buf))
	assert.Equal(t, "keep", string(buf))
}

func TestReopenRejectsSizeMismatch(t *testing.T) {
	path := tempFile(t)
	rf, err := Open(path, 4)
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	_, err = Open(path, 8)
	assert.ErrorIs(t, err, ErrRecordSize)
}

func TestPartialTrailingRecordIgnored(t *testing.T) {
	path := tempFile(t)
	rf, err := Open(path, 4)
	require.NoError(t, err)
	_, err = rf.Append([]byte("full"))
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	// simulate a torn append
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("xy"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rf, err = Open(path, 4)
	require.NoError(t, err)
	defer rf.Close()
	assert.Equal(t, int64(1), rf.Count())

	id, err := rf.Append([]byte("next"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, rf.ReadAt(id, buf))
	assert.Equal(t, "next", string(buf))
}

func TestTruncate(t *testing.T) {
	rf, err := Open(tempFile(t), 4)
	require.NoError(t, err)
	defer rf.Close()

	for _, s := range []string{"r000", "r001", "r002"} {
		_, err := rf.Append([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, rf.Truncate(1))
	assert.Equal(t, int64(1), rf.Count())

	buf := make([]byte, 4)
	assert.ErrorIs(t, rf.ReadAt(1, buf), ErrOutOfRange)
	require.NoError(t, rf.ReadAt(0, buf))
	assert.Equal(t, "r000", string(buf))
}

func TestOpenReadOnly(t *testing.T) {
	path := tempFile(t)
	rf, err := Open(path, 4)
	require.NoError(t, err)
	_, err = rf.Append([]byte("keep"))
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	ro, err := OpenReadOnly(path, 4)
	require.NoError(t, err)
	defer ro.Close()
	assert.Equal(t, int64(1), ro.Count())

	buf := make([]byte, 4)
	require.NoError(t, ro.ReadAt(0, buf))
	assert.Equal(t, "keep", string(buf))

	_, err = ro.Append([]byte("nope"))
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.WriteAt(0, []byte("nope")), ErrReadOnly)
	assert.ErrorIs(t, ro.Truncate(0), ErrReadOnly)
	require.NoError(t, ro.Sync())

	_, err = OpenReadOnly(filepath.Join(t.TempDir(), "missing.dat"), 4)
	assert.True(t, os.IsNotExist(err))
}

func TestClosedFile(t *testing.T) {
	rf, err := Open(tempFile(t), 4)
	require.NoError(t, err)
	require.NoError(t, rf.Close())
	require.NoError(t, rf.Close())

	_, err = rf.Append([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, rf.ReadAt(0, make([]byte, 4)), ErrClosed)
}
