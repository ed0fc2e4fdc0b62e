package flintdb

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fillmemory/flintdb/internal/sqlparse"
)

// Result is the outcome of one executed statement: a mutation reports
// Affected, a query carries the selected column names and a cursor over
// materialized owned rows.
type Result struct {
	Affected int64
	Columns  []string
	Rows     RowCursor
}

// Exec parses and runs one statement against the tables and flat files under
// dir. Table references resolve by name: a name with a file extension
// (sales.csv, log.tsv.gz) addresses a flat file, anything else a .flintdb
// table.
func Exec(dir, statement string) (*Result, error) {
	stmt, err := sqlparse.Parse(statement)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch s := stmt.(type) {
	case *sqlparse.CreateTable:
		return execCreate(dir, s)
	case *sqlparse.DropTable:
		return execDrop(dir, s)
	case *sqlparse.Insert:
		return execInsert(dir, s)
	case *sqlparse.Select:
		return execSelect(dir, s)
	case *sqlparse.Update:
		return execUpdate(dir, s)
	case *sqlparse.Delete:
		return execDelete(dir, s)
	}
	return nil, fmt.Errorf("%w: unsupported statement", ErrValidation)
}

// flatName reports whether the referenced name addresses a flat file.
func flatName(name string) bool {
	return strings.Contains(name, ".") && !strings.HasSuffix(name, TableSuffix)
}

func storePath(dir, name string) string {
	if flatName(name) || strings.HasSuffix(name, TableSuffix) {
		return filepath.Join(dir, name)
	}
	return filepath.Join(dir, name+TableSuffix)
}

func execCreate(dir string, s *sqlparse.CreateTable) (*Result, error) {
	m, err := metaFromCreate(s)
	if err != nil {
		return nil, err
	}
	if flatName(s.Name) {
		ff, err := OpenFlatFile(storePath(dir, s.Name), m)
		if err != nil {
			return nil, err
		}
		return &Result{}, ff.Close()
	}
	t, err := OpenTable(storePath(dir, s.Name), m)
	if err != nil {
		return nil, err
	}
	return &Result{}, t.Close()
}

func execDrop(dir string, s *sqlparse.DropTable) (*Result, error) {
	if flatName(s.Table) {
		return &Result{}, DropFlatFile(storePath(dir, s.Table))
	}
	return &Result{}, DropTable(storePath(dir, s.Table))
}

// orderFields maps the statement's VALUES fields into declaration order.
func orderFields(m *Meta, cols []string, vals []string) ([]string, error) {
	if len(cols) == 0 {
		if len(vals) > m.NumColumns() {
			return nil, fmt.Errorf("%w: %d values for %d columns", ErrIndexOutOfRange, len(vals), m.NumColumns())
		}
		return vals, nil
	}
	if len(cols) != len(vals) {
		return nil, fmt.Errorf("%w: %d columns, %d values", ErrIndexOutOfRange, len(cols), len(vals))
	}
	out := make([]string, m.NumColumns())
	set := make([]bool, m.NumColumns())
	for i, c := range cols {
		at := m.ColumnAt(c)
		if at < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, c)
		}
		out[at] = vals[i]
		set[at] = true
	}
	// unnamed columns stay null via the NilStr convention
	for i := range out {
		if !set[i] {
			out[i] = m.NilStr
		}
	}
	return out, nil
}

func execInsert(dir string, s *sqlparse.Insert) (*Result, error) {
	if flatName(s.Table) {
		ff, err := OpenFlatFile(storePath(dir, s.Table), nil)
		if err != nil {
			return nil, err
		}
		defer ff.Close()
		var n int64
		for _, vals := range s.Rows {
			fields, err := orderFields(ff.Meta(), s.Columns, vals)
			if err != nil {
				return nil, err
			}
			r, err := RowFromStrings(ff.Meta(), fields)
			if err != nil {
				return nil, err
			}
			if _, err := ff.Write(r); err != nil {
				return nil, err
			}
			n++
		}
		return &Result{Affected: n}, nil
	}

	t, err := OpenTable(storePath(dir, s.Table), nil)
	if err != nil {
		return nil, err
	}
	defer t.Close()
	var n int64
	for _, vals := range s.Rows {
		fields, err := orderFields(t.Meta(), s.Columns, vals)
		if err != nil {
			return nil, err
		}
		r, err := RowFromStrings(t.Meta(), fields)
		if err != nil {
			return nil, err
		}
		if _, err := t.Apply(r, true); err != nil {
			return nil, err
		}
		n++
	}
	return &Result{Affected: n}, nil
}

// projection resolves the select list against the source schema.
type projection struct {
	names []string
	at    []int
	out   *Meta
}

func makeProjection(m *Meta, s *sqlparse.Select) (*projection, error) {
	p := &projection{}
	if s.Star {
		for i := 0; i < m.NumColumns(); i++ {
			p.names = append(p.names, m.Column(i).Name)
			p.at = append(p.at, i)
		}
	} else {
		for _, c := range s.Columns {
			at := m.ColumnAt(c)
			if at < 0 {
				return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, c)
			}
			p.names = append(p.names, m.Column(at).Name)
			p.at = append(p.at, at)
		}
	}
	out := NewMeta(m.Name)
	for _, at := range p.at {
		c := m.Column(at)
		if err := out.AddColumn(c.Name, c.Kind, c.Bytes, c.Precision, false, "", ""); err != nil {
			return nil, err
		}
	}
	p.out = out
	return p, nil
}

func (p *projection) project(r *Row) *Row {
	out := NewRow(p.out)
	for i, at := range p.at {
		out.vals[i] = r.vals[at]
	}
	return out.Copy()
}

func execSelect(dir string, s *sqlparse.Select) (*Result, error) {
	var rows []*Row
	var p *projection

	if flatName(s.Table) {
		ff, err := OpenFlatFile(storePath(dir, s.Table), nil)
		if err != nil {
			return nil, err
		}
		defer ff.Close()
		p, err = makeProjection(ff.Meta(), s)
		if err != nil {
			return nil, err
		}
		c, err := ff.Find(s.Where)
		if err != nil {
			return nil, err
		}
		for c.Next() {
			if s.Limit >= 0 && int64(len(rows)) >= s.Limit {
				break
			}
			rows = append(rows, p.project(c.Row()))
		}
		err = c.Err()
		c.Close()
		if err != nil {
			return nil, err
		}
	} else {
		t, err := OpenTable(storePath(dir, s.Table), nil)
		if err != nil {
			return nil, err
		}
		defer t.Close()
		p, err = makeProjection(t.Meta(), s)
		if err != nil {
			return nil, err
		}
		c, err := t.Find(s.Where)
		if err != nil {
			return nil, err
		}
		for c.Next() {
			if s.Limit >= 0 && int64(len(rows)) >= s.Limit {
				break
			}
			r, err := t.Read(c.ID())
			if err != nil {
				c.Close()
				return nil, err
			}
			rows = append(rows, p.project(r))
		}
		err = c.Err()
		c.Close()
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Affected: int64(len(rows)),
		Columns:  p.names,
		Rows:     &sliceRowCursor{rows: rows},
	}, nil
}

func execUpdate(dir string, s *sqlparse.Update) (*Result, error) {
	if flatName(s.Table) {
		return nil, fmt.Errorf("%w: flat files are append-only; UPDATE needs a table", ErrReadOnly)
	}
	t, err := OpenTable(storePath(dir, s.Table), nil)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	type assign struct {
		at  int
		val Variant
	}
	var assigns []assign
	for _, a := range s.Set {
		at := t.Meta().ColumnAt(a.Column)
		if at < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, a.Column)
		}
		v, err := ParseVariant(t.Meta().Column(at).Kind, a.Value)
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, assign{at: at, val: v})
	}

	ids, err := matchIDs(t, s.Where)
	if err != nil {
		return nil, err
	}
	var n int64
	for _, id := range ids {
		r, err := t.Read(id)
		if err != nil {
			return nil, err
		}
		upd := r.Copy()
		for _, a := range assigns {
			if err := upd.Set(a.at, a.val); err != nil {
				return nil, err
			}
		}
		if err := t.ApplyAt(id, upd); err != nil {
			return nil, err
		}
		n++
	}
	return &Result{Affected: n}, nil
}

func execDelete(dir string, s *sqlparse.Delete) (*Result, error) {
	if flatName(s.Table) {
		return nil, fmt.Errorf("%w: flat files are append-only; DELETE needs a table", ErrReadOnly)
	}
	t, err := OpenTable(storePath(dir, s.Table), nil)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	ids, err := matchIDs(t, s.Where)
	if err != nil {
		return nil, err
	}
	var n int64
	for _, id := range ids {
		if _, err := t.DeleteAt(id); err != nil {
			return nil, err
		}
		n++
	}
	return &Result{Affected: n}, nil
}

// matchIDs materializes the matching id set before mutating, so the scan
// never observes its own writes.
func matchIDs(t *Table, where string) ([]int64, error) {
	c, err := t.Find(where)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for c.Next() {
		ids = append(ids, c.ID())
	}
	err = c.Err()
	c.Close()
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// sliceRowCursor yields pre-materialized owned rows.
type sliceRowCursor struct {
	rows []*Row
	pos  int
}

func (c *sliceRowCursor) Next() bool {
	if c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceRowCursor) Row() *Row {
	if c.pos == 0 || c.pos > len(c.rows) {
		return nil
	}
	return c.rows[c.pos-1]
}

func (c *sliceRowCursor) Err() error   { return nil }
func (c *sliceRowCursor) Close() error { c.pos = len(c.rows); return nil }
