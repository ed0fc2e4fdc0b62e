package flintdb

// IDCursor is a pull iterator over row identifiers.
//
// Usage follows the usual shape: for c.Next() { use c.ID() }, then check
// c.Err() and Close. Close is idempotent, and a cursor yields nothing after
// its source is closed.
type IDCursor interface {
	Next() bool
	ID() int64
	Err() error
	Close() error
}

// RowCursor is a pull iterator over rows. The row returned by Row is a
// borrowed view, valid only until the next call to Next or Close; Copy it to
// keep it.
type RowCursor interface {
	Next() bool
	Row() *Row
	Err() error
	Close() error
}
