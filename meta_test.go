package flintdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddColumnRules(t *testing.T) {
	m := NewMeta("t")
	require.NoError(t, m.AddColumn("a", KindInt32, 0, 0, false, "", ""))
	assert.Equal(t, 4, m.Column(0).Bytes)

	// duplicate name, case-insensitive
	err := m.AddColumn("A", KindInt64, 0, 0, false, "", "")
	assert.ErrorIs(t, err, ErrDuplicateColumn)

	// sized kinds need a declared capacity
	err = m.AddColumn("s", KindString, 0, 0, false, "", "")
	assert.ErrorIs(t, err, ErrInvalidSize)
	require.NoError(t, m.AddColumn("s", KindString, 32, 0, false, "", ""))
	assert.Equal(t, 32, m.Column(1).Bytes)

	// unstorable kinds
	err = m.AddColumn("o", KindObject, 0, 0, false, "", "")
	assert.ErrorIs(t, err, ErrInvalidSize)
	err = m.AddColumn("z", KindZero, 0, 0, false, "", "")
	assert.ErrorIs(t, err, ErrInvalidSize)

	// name length bound
	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	err = m.AddColumn(string(long), KindInt32, 0, 0, false, "", "")
	assert.ErrorIs(t, err, ErrInvalidSize)
	err = m.AddColumn("", KindInt32, 0, 0, false, "", "")
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestAddColumnLimit(t *testing.T) {
	m := NewMeta("wide")
	for i := 0; i < MaxColumns; i++ {
		require.NoError(t, m.AddColumn(colName(i), KindInt32, 0, 0, false, "", ""))
	}
	err := m.AddColumn("overflow", KindInt32, 0, 0, false, "", "")
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func colName(i int) string {
	return "c" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestAddIndexRules(t *testing.T) {
	m := NewMeta("t")
	require.NoError(t, m.AddColumn("id", KindInt64, 0, 0, true, "", ""))
	require.NoError(t, m.AddColumn("price", KindDecimal, 0, 2, false, "", ""))

	require.NoError(t, m.AddIndex(PrimaryName, "", "id"))
	assert.Equal(t, 0, m.PrimaryIndex())
	assert.True(t, m.Index(0).Primary())
	assert.Equal(t, "bptree", m.Index(0).Algorithm)

	err := m.AddIndex("PRIMARY", "", "id")
	assert.ErrorIs(t, err, ErrDuplicateIndex)

	err = m.AddIndex("by_bogus", "", "bogus")
	assert.ErrorIs(t, err, ErrUnknownColumn)

	// decimal columns have no order-preserving key encoding
	err = m.AddIndex("by_price", "", "price")
	assert.ErrorIs(t, err, ErrInvalidSize)

	err = m.AddIndex("empty", "")
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestColumnAtCaseInsensitive(t *testing.T) {
	m := NewMeta("t")
	require.NoError(t, m.AddColumn("UserName", KindString, 16, 0, false, "", ""))
	assert.Equal(t, 0, m.ColumnAt("username"))
	assert.Equal(t, 0, m.ColumnAt("USERNAME"))
	assert.Equal(t, -1, m.ColumnAt("missing"))
}

func TestCompatible(t *testing.T) {
	a := NewMeta("t")
	require.NoError(t, a.AddColumn("id", KindInt64, 0, 0, true, "", ""))
	require.NoError(t, a.AddColumn("name", KindString, 64, 0, false, "", ""))
	require.NoError(t, a.AddIndex(PrimaryName, "", "id"))

	b := NewMeta("t")
	require.NoError(t, b.AddColumn("ID", KindInt64, 0, 0, true, "", ""))
	require.NoError(t, b.AddColumn("NAME", KindString, 64, 0, false, "", ""))
	require.NoError(t, b.AddIndex("PRIMARY", "", "ID"))
	b.Cache = 1
	b.WAL = "LOG"
	// names compare case-insensitively; options do not count
	assert.True(t, a.Compatible(b))

	c := NewMeta("t")
	require.NoError(t, c.AddColumn("id", KindInt64, 0, 0, true, "", ""))
	require.NoError(t, c.AddColumn("name", KindString, 32, 0, false, "", ""))
	require.NoError(t, c.AddIndex(PrimaryName, "", "id"))
	assert.False(t, a.Compatible(c))

	// nullability changes which rows the table accepts
	d := NewMeta("t")
	require.NoError(t, d.AddColumn("id", KindInt64, 0, 0, false, "", ""))
	require.NoError(t, d.AddColumn("name", KindString, 64, 0, false, "", ""))
	require.NoError(t, d.AddIndex(PrimaryName, "", "id"))
	assert.False(t, a.Compatible(d))

	assert.False(t, a.Compatible(nil))
}

func TestSchemaStringRoundTrip(t *testing.T) {
	m := NewMeta("orders")
	require.NoError(t, m.AddColumn("id", KindInt64, 0, 0, true, "", ""))
	require.NoError(t, m.AddColumn("customer", KindString, 64, 0, true, "", "buyer name"))
	require.NoError(t, m.AddColumn("status", KindString, 16, 0, false, "open", ""))
	require.NoError(t, m.AddColumn("total", KindDecimal, 0, 4, false, "", ""))
	require.NoError(t, m.AddColumn("placed", KindTime, 0, 0, false, "", ""))
	require.NoError(t, m.AddIndex(PrimaryName, "", "id"))
	require.NoError(t, m.AddIndex("by_customer", "", "customer", "placed"))
	m.WAL = "LOG"
	m.NilStr = "\\N"
	m.Cache = 4 * 1024 * 1024

	back, err := ParseSchema(m.SchemaString())
	require.NoError(t, err)
	assert.True(t, m.Compatible(back))
	assert.Equal(t, "orders", back.Name)
	assert.Equal(t, "open", back.Column(2).Default)
	assert.Equal(t, "buyer name", back.Column(1).Comment)
	assert.Equal(t, "LOG", back.WAL)
	assert.Equal(t, "\\N", back.NilStr)
	assert.Equal(t, int64(4*1024*1024), back.Cache)
	assert.Equal(t, m.Date, back.Date)

	// the rendering is a fixed point
	assert.Equal(t, m.SchemaString(), back.SchemaString())
}

func TestSchemaStringFlatFileOptions(t *testing.T) {
	m := NewMeta("log.csv")
	require.NoError(t, m.AddColumn("line", KindString, 256, 0, false, "", ""))
	m.Delimiter = ','
	m.AbsentHeader = true
	m.Quote = '\''
	m.NilStr = "n,a"

	back, err := ParseSchema(m.SchemaString())
	require.NoError(t, err)
	assert.Equal(t, byte(','), back.Delimiter)
	assert.Equal(t, byte('\''), back.Quote)
	assert.True(t, back.AbsentHeader)
	// option values holding delimiters or quotes survive the round trip
	assert.Equal(t, "n,a", back.NilStr)
	assert.Equal(t, m.SchemaString(), back.SchemaString())
}

func TestParseSchemaErrors(t *testing.T) {
	_, err := ParseSchema("SELECT 1")
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	_, err = ParseSchema("CREATE TABLE t (a WIBBLE)")
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	_, err = ParseSchema("not sql at all")
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestMetaFileRoundTrip(t *testing.T) {
	m := NewMeta("t")
	require.NoError(t, m.AddColumn("id", KindInt64, 0, 0, true, "", ""))
	require.NoError(t, m.AddIndex(PrimaryName, "", "id"))

	path := filepath.Join(t.TempDir(), "t"+MetaSuffix)
	require.NoError(t, m.WriteFile(path))

	back, err := ReadMetaFile(path)
	require.NoError(t, err)
	assert.True(t, m.Compatible(back))

	_, err = ReadMetaFile(filepath.Join(t.TempDir(), "missing.desc"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRowBytes(t *testing.T) {
	m := NewMeta("t")
	require.NoError(t, m.AddColumn("a", KindInt32, 0, 0, false, "", ""))   // 1+4
	require.NoError(t, m.AddColumn("s", KindString, 10, 0, false, "", "")) // 1+4+10
	require.NoError(t, m.AddColumn("d", KindDecimal, 0, 2, false, "", "")) // 1+2+16
	assert.Equal(t, 2+5+15+19, m.rowBytes())
}
