package flintdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peopleDDL = `CREATE TABLE people (
  id INT64 NOT NULL,
  name STRING(64) NOT NULL,
  age INT NOT NULL,
  PRIMARY KEY (id)
)`

func execOK(t *testing.T, dir, stmt string) *Result {
	t.Helper()
	res, err := Exec(dir, stmt)
	require.NoError(t, err, stmt)
	return res
}

func TestExecTableLifecycle(t *testing.T) {
	dir := t.TempDir()

	execOK(t, dir, peopleDDL)
	res := execOK(t, dir, `INSERT INTO people (id, name, age) VALUES (1, 'Ann', 30), (2, 'Bob', 31), (3, 'Cid', 32)`)
	assert.Equal(t, int64(3), res.Affected)

	res = execOK(t, dir, `SELECT name, age FROM people WHERE age >= 31`)
	assert.Equal(t, []string{"name", "age"}, res.Columns)
	var names []string
	for res.Rows.Next() {
		n, err := res.Rows.Row().Str(0)
		require.NoError(t, err)
		names = append(names, n)
	}
	require.NoError(t, res.Rows.Err())
	require.NoError(t, res.Rows.Close())
	assert.ElementsMatch(t, []string{"Bob", "Cid"}, names)

	res = execOK(t, dir, `UPDATE people SET age = 25 WHERE id = 1`)
	assert.Equal(t, int64(1), res.Affected)
	res = execOK(t, dir, `SELECT age FROM people WHERE id = 1`)
	require.True(t, res.Rows.Next())
	age, _ := res.Rows.Row().Int32(0)
	assert.Equal(t, int32(25), age)
	res.Rows.Close()

	res = execOK(t, dir, `DELETE FROM people WHERE age >= 31`)
	assert.Equal(t, int64(2), res.Affected)
	res = execOK(t, dir, `SELECT * FROM people`)
	assert.Equal(t, int64(1), res.Affected)
	res.Rows.Close()

	execOK(t, dir, `DROP TABLE people`)
	_, err := Exec(dir, `SELECT * FROM people`)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecSelectLimit(t *testing.T) {
	dir := t.TempDir()
	execOK(t, dir, peopleDDL)
	execOK(t, dir, `INSERT INTO people VALUES (1, 'a', 10), (2, 'b', 20), (3, 'c', 30)`)

	res := execOK(t, dir, `SELECT * FROM people LIMIT 2`)
	assert.Equal(t, int64(2), res.Affected)
	res.Rows.Close()
}

func TestExecInsertDuplicatePrimaryKey(t *testing.T) {
	dir := t.TempDir()
	execOK(t, dir, peopleDDL)
	execOK(t, dir, `INSERT INTO people VALUES (1, 'a', 10)`)
	_, err := Exec(dir, `INSERT INTO people VALUES (1, 'b', 20)`)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestExecInsertPartialColumns(t *testing.T) {
	dir := t.TempDir()
	execOK(t, dir, `CREATE TABLE notes (
  id INT64 NOT NULL,
  body STRING(128),
  PRIMARY KEY (id)
)`)
	execOK(t, dir, `INSERT INTO notes (id) VALUES (7)`)

	res := execOK(t, dir, `SELECT body FROM notes WHERE id = 7`)
	require.True(t, res.Rows.Next())
	assert.True(t, res.Rows.Row().IsNil(0))
	res.Rows.Close()
}

func TestExecFlatFile(t *testing.T) {
	dir := t.TempDir()
	execOK(t, dir, `CREATE TABLE sales.csv (
  product STRING(64) NOT NULL,
  category STRING(32) NOT NULL,
  quantity INT NOT NULL,
  price DOUBLE NOT NULL
)`)
	res := execOK(t, dir, `INSERT INTO sales.csv VALUES ('Apple', 'Fruit', 10, 1.5), ('Carrot', 'Vegetable', 8, 1.2)`)
	assert.Equal(t, int64(2), res.Affected)

	res = execOK(t, dir, `SELECT product FROM sales.csv WHERE category = 'Fruit'`)
	require.True(t, res.Rows.Next())
	p, _ := res.Rows.Row().Str(0)
	assert.Equal(t, "Apple", p)
	assert.False(t, res.Rows.Next())
	res.Rows.Close()

	// flat files are append-only
	_, err := Exec(dir, `UPDATE sales.csv SET price = 2.0 WHERE product = 'Apple'`)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = Exec(dir, `DELETE FROM sales.csv`)
	assert.ErrorIs(t, err, ErrReadOnly)

	execOK(t, dir, `DROP TABLE sales.csv`)
}

func TestExecErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Exec(dir, `GRANT ALL`)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = Exec(dir, `SELECT * FROM missing`)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = Exec(dir, ``)
	assert.ErrorIs(t, err, ErrValidation)

	execOK(t, dir, peopleDDL)
	_, err = Exec(dir, `SELECT bogus FROM people`)
	assert.ErrorIs(t, err, ErrUnknownColumn)
	_, err = Exec(dir, `INSERT INTO people (bogus) VALUES (1)`)
	assert.ErrorIs(t, err, ErrUnknownColumn)
}
