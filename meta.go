package flintdb

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/fillmemory/flintdb/internal/sqlparse"
)

const (
	// TableSuffix is the data file suffix of an indexed table.
	TableSuffix = ".flintdb"
	// MetaSuffix is the sidecar file holding the schema DDL.
	MetaSuffix = ".desc"

	// PrimaryName is the conventional name of the primary index.
	PrimaryName = "primary"

	MaxColumns       = 200
	MaxIndexes       = 5
	MaxIndexKeys     = 5
	MaxNameLength    = 40
	DefaultRowCache  = 1024 * 1024
)

// Column describes one field of a schema.
type Column struct {
	Name      string
	Kind      Kind
	Bytes     int // payload capacity for sized kinds, fixed width otherwise
	Precision int // decimal scale
	NotNull   bool
	Default   string // textual default value, parsed on demand
	Comment   string
}

// Index describes a named, ordered key over schema columns.
type Index struct {
	Name      string
	Algorithm string // hint only; "bptree" by default
	Keys      []string
}

// Primary reports whether this is the primary index (by naming convention).
func (ix Index) Primary() bool { return strings.EqualFold(ix.Name, PrimaryName) }

// Meta is the schema of a table or flat file: ordered column definitions,
// named indexes, and storage options. A Meta is built once and then shared
// read-only by every Row, Table, and FlatFile bound to it.
type Meta struct {
	Name       string
	Version    float64
	Date       string
	Storage    string
	Compressor string
	WAL        string // "", "OFF", "LOG", "TRUNCATE"
	Cache      int64  // row cache capacity
	Compact    int64  // -1 when unset

	// Delimited text options (FlatFile)
	AbsentHeader bool
	Delimiter    byte
	Quote        byte
	Escape       byte
	NilStr       string

	columns []Column
	indexes []Index
	byName  map[string]int
}

// NewMeta returns an empty schema named name.
func NewMeta(name string) *Meta {
	return &Meta{
		Name:      name,
		Version:   1.0,
		Date:      time.Now().UTC().Format(dateLayout),
		Cache:     DefaultRowCache,
		Compact:   -1,
		Delimiter: '\t',
		Quote:     '"',
		Escape:    '\\',
	}
}

// columnWidth returns the default fixed byte width of a kind, or -1 for kinds
// whose width must be declared.
func columnWidth(k Kind, declared, precision int) int {
	switch k {
	case KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat:
		return 4
	case KindInt64, KindDouble, KindDate, KindTime:
		return 8
	case KindUUID, KindIPv6:
		return 16
	case KindDecimal:
		if declared > 0 {
			return declared
		}
		if precision > 0 {
			bits := int(float64(precision)*math.Log2(10) + 0.999999)
			return (bits+7)/8 + 1
		}
		return 9
	case KindString, KindBytes, KindBlob:
		if declared > 0 {
			return declared
		}
		return -1
	}
	return -1
}

// AddColumn appends a column definition. Sized kinds (STRING/BYTES/BLOB)
// require a positive byte capacity; fixed-width kinds derive it.
func (m *Meta) AddColumn(name string, kind Kind, size, precision int, notNull bool, def, comment string) error {
	if len(m.columns) >= MaxColumns {
		return fmt.Errorf("%w: column limit %d reached", ErrInvalidSize, MaxColumns)
	}
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: column name %q must be 1..%d bytes", ErrInvalidSize, name, MaxNameLength)
	}
	if m.ColumnAt(name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateColumn, name)
	}
	if kind == KindNull || kind == KindZero || kind == KindObject {
		return fmt.Errorf("%w: %s is not a storable column kind", ErrInvalidSize, kind)
	}
	width := columnWidth(kind, size, precision)
	if width <= 0 {
		return fmt.Errorf("%w: %s column %q needs a declared size", ErrInvalidSize, kind, name)
	}
	if kind == KindDecimal && (precision < 0 || precision > 38) {
		return fmt.Errorf("%w: decimal precision %d out of range", ErrInvalidSize, precision)
	}
	m.columns = append(m.columns, Column{
		Name:      name,
		Kind:      kind,
		Bytes:     width,
		Precision: precision,
		NotNull:   notNull,
		Default:   def,
		Comment:   comment,
	})
	m.byName = nil
	return nil
}

// AddIndex appends an index definition over existing columns. Decimal
// columns have no order-preserving key encoding and are rejected.
func (m *Meta) AddIndex(name, algorithm string, keys ...string) error {
	if len(m.indexes) >= MaxIndexes {
		return fmt.Errorf("%w: index limit %d reached", ErrInvalidSize, MaxIndexes)
	}
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: index name %q must be 1..%d bytes", ErrInvalidSize, name, MaxNameLength)
	}
	if m.IndexOrdinal(name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateIndex, name)
	}
	if len(keys) == 0 || len(keys) > MaxIndexKeys {
		return fmt.Errorf("%w: index %q must have 1..%d key columns", ErrInvalidSize, name, MaxIndexKeys)
	}
	for _, k := range keys {
		at := m.ColumnAt(k)
		if at < 0 {
			return fmt.Errorf("%w: index %q references %q", ErrUnknownColumn, name, k)
		}
		if m.columns[at].Kind == KindDecimal {
			return fmt.Errorf("%w: decimal column %q is not indexable", ErrInvalidSize, k)
		}
	}
	if algorithm == "" {
		algorithm = "bptree"
	}
	m.indexes = append(m.indexes, Index{Name: name, Algorithm: algorithm, Keys: append([]string(nil), keys...)})
	return nil
}

// ColumnAt returns the ordinal of the named column, or -1 when absent.
// Callers must check for -1 before indexing.
func (m *Meta) ColumnAt(name string) int {
	if m.byName == nil {
		m.byName = make(map[string]int, len(m.columns))
		for i, c := range m.columns {
			m.byName[strings.ToLower(c.Name)] = i
		}
	}
	if i, ok := m.byName[strings.ToLower(name)]; ok {
		return i
	}
	return -1
}

// NumColumns returns the column count.
func (m *Meta) NumColumns() int { return len(m.columns) }

// Column returns the i-th column definition.
func (m *Meta) Column(i int) Column { return m.columns[i] }

// Columns returns a copy of the column definitions in declaration order.
func (m *Meta) Columns() []Column { return append([]Column(nil), m.columns...) }

// NumIndexes returns the index count.
func (m *Meta) NumIndexes() int { return len(m.indexes) }

// Index returns the i-th index definition.
func (m *Meta) Index(i int) Index { return m.indexes[i] }

// Indexes returns a copy of the index definitions in declaration order.
func (m *Meta) Indexes() []Index { return append([]Index(nil), m.indexes...) }

// IndexOrdinal returns the ordinal of the named index, or -1 when absent.
func (m *Meta) IndexOrdinal(name string) int {
	for i, ix := range m.indexes {
		if strings.EqualFold(ix.Name, name) {
			return i
		}
	}
	return -1
}

// PrimaryIndex returns the ordinal of the primary index, or -1 when the
// schema has none.
func (m *Meta) PrimaryIndex() int { return m.IndexOrdinal(PrimaryName) }

// Compatible reports whether two schemas agree on columns, nullability and
// index shapes. Options (cache sizes, WAL mode) do not participate.
func (m *Meta) Compatible(o *Meta) bool {
	if o == nil || len(m.columns) != len(o.columns) || len(m.indexes) != len(o.indexes) {
		return false
	}
	for i := range m.columns {
		a, b := m.columns[i], o.columns[i]
		if !strings.EqualFold(a.Name, b.Name) || a.Kind != b.Kind || a.Bytes != b.Bytes || a.Precision != b.Precision {
			return false
		}
		if a.NotNull != b.NotNull {
			return false
		}
	}
	for i := range m.indexes {
		a, b := m.indexes[i], o.indexes[i]
		if !strings.EqualFold(a.Name, b.Name) || len(a.Keys) != len(b.Keys) {
			return false
		}
		for j := range a.Keys {
			if !strings.EqualFold(a.Keys[j], b.Keys[j]) {
				return false
			}
		}
	}
	return true
}

// quoted renders val as a single-quoted literal with backslash escapes, so
// values holding commas or quotes survive option splitting.
func quoted(val string) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	for _, r := range val {
		if r == '\'' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	sb.WriteByte('\'')
	return sb.String()
}

func quoteSingle(sb *strings.Builder, val string) {
	sb.WriteByte(' ')
	sb.WriteString(quoted(val))
}

func bytesUnit(v int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case v <= 0:
		return fmt.Sprintf("%d", v)
	case v%gb == 0:
		return fmt.Sprintf("%dG", v/gb)
	case v%mb == 0:
		return fmt.Sprintf("%dM", v/mb)
	case v%kb == 0:
		return fmt.Sprintf("%dK", v/kb)
	}
	return fmt.Sprintf("%d", v)
}

// SchemaString renders the canonical CREATE TABLE text. Column and index
// ordering is declaration order, so rendering is deterministic and
// ParseSchema is its exact inverse.
func (m *Meta) SchemaString() string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	sb.WriteString(m.Name)
	sb.WriteString(" (\n")

	for i, c := range m.columns {
		if i > 0 {
			sb.WriteString(", \n")
		}
		sb.WriteString("  ")
		sb.WriteString(c.Name)
		sb.WriteString(" ")
		sb.WriteString(c.Kind.String())
		if c.Kind.isSized() || c.Precision > 0 {
			sb.WriteString("(")
			if c.Bytes > 0 {
				fmt.Fprintf(&sb, "%d", c.Bytes)
			}
			if c.Precision > 0 {
				if c.Bytes > 0 {
					sb.WriteString(",")
				}
				fmt.Fprintf(&sb, "%d", c.Precision)
			}
			sb.WriteString(")")
		}
		if c.NotNull {
			sb.WriteString(" NOT NULL")
		}
		if c.Default != "" {
			sb.WriteString(" DEFAULT")
			quoteSingle(&sb, c.Default)
		}
		if c.Comment != "" {
			sb.WriteString(" COMMENT")
			quoteSingle(&sb, c.Comment)
		}
	}

	for _, ix := range m.indexes {
		sb.WriteString(", \n  ")
		if ix.Primary() {
			sb.WriteString("PRIMARY KEY ")
		} else {
			sb.WriteString("KEY ")
			sb.WriteString(ix.Name)
			sb.WriteString(" ")
		}
		sb.WriteString("(")
		sb.WriteString(strings.Join(ix.Keys, ", "))
		sb.WriteString(")")
	}
	sb.WriteString("\n)")

	var opts []string
	if m.Storage != "" {
		opts = append(opts, "STORAGE="+m.Storage)
	}
	if m.Compressor != "" {
		opts = append(opts, "COMPRESSOR="+m.Compressor)
	}
	if m.Compact >= 0 {
		opts = append(opts, "COMPACT="+bytesUnit(m.Compact))
	}
	if m.Cache > 0 {
		opts = append(opts, "CACHE="+bytesUnit(m.Cache))
	}
	if m.Date != "" {
		opts = append(opts, "DATE="+m.Date)
	}
	if m.AbsentHeader {
		opts = append(opts, "HEADER=ABSENT")
	}
	if m.Delimiter != 0 && m.Delimiter != '\t' {
		opts = append(opts, "DELIMITER="+quoted(string(m.Delimiter)))
	}
	if m.Quote != 0 && m.Quote != '"' {
		opts = append(opts, "QUOTE="+quoted(string(m.Quote)))
	}
	if m.NilStr != "" {
		opts = append(opts, "NULL="+quoted(m.NilStr))
	}
	if m.WAL != "" {
		opts = append(opts, "WAL="+m.WAL)
	}
	if len(opts) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(opts, ", "))
	}
	return sb.String()
}

// ParseSchema parses a CREATE TABLE DDL string into a Meta. It accepts
// everything SchemaString emits (round-trip law) plus whitespace variation.
func ParseSchema(ddl string) (*Meta, error) {
	stmt, err := sqlparse.Parse(ddl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	ct, ok := stmt.(*sqlparse.CreateTable)
	if !ok {
		return nil, fmt.Errorf("%w: not a CREATE TABLE statement", ErrSchemaMismatch)
	}
	return metaFromCreate(ct)
}

func metaFromCreate(ct *sqlparse.CreateTable) (*Meta, error) {
	m := NewMeta(ct.Name)
	m.Date = "" // only present when the DDL carries DATE=
	for _, cd := range ct.Columns {
		kind := KindOf(cd.Type)
		if kind == KindNull {
			return nil, fmt.Errorf("%w: unknown column type %q", ErrSchemaMismatch, cd.Type)
		}
		if err := m.AddColumn(cd.Name, kind, cd.Bytes, cd.Precision, cd.NotNull, cd.Default, cd.Comment); err != nil {
			return nil, err
		}
	}
	for _, kd := range ct.Keys {
		name := kd.Name
		if kd.Primary {
			name = PrimaryName
		}
		if err := m.AddIndex(name, "", kd.Columns...); err != nil {
			return nil, err
		}
	}
	for _, opt := range ct.Options {
		applyOption(m, opt.Name, opt.Value)
	}
	return m, nil
}

func applyOption(m *Meta, name, value string) {
	switch strings.ToUpper(name) {
	case "STORAGE":
		m.Storage = value
	case "COMPRESSOR":
		m.Compressor = value
	case "COMPACT":
		m.Compact = sqlparse.ParseBytesUnit(value)
	case "CACHE":
		m.Cache = sqlparse.ParseBytesUnit(value)
	case "DATE":
		m.Date = value
	case "HEADER":
		m.AbsentHeader = strings.EqualFold(value, "ABSENT") || strings.EqualFold(value, "SKIP")
	case "DELIMITER":
		if len(value) == 1 {
			m.Delimiter = value[0]
		} else if value == "" {
			// older sidecars wrote "DELIMITER=," unquoted, losing the comma
			// to option splitting
			m.Delimiter = ','
		}
	case "QUOTE":
		if len(value) == 1 {
			m.Quote = value[0]
		}
	case "NULL":
		m.NilStr = value
	case "WAL":
		m.WAL = strings.ToUpper(value)
	}
}

// ReadMetaFile loads a schema from a .desc sidecar file.
func ReadMetaFile(path string) (*Meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	return ParseSchema(string(raw))
}

// WriteFile persists the schema DDL to path, replacing any existing file.
func (m *Meta) WriteFile(path string) error {
	return os.WriteFile(path, []byte(m.SchemaString()), 0o644)
}

// rowBytes returns the fixed encoded size of one row image under this
// schema: per column one null flag plus the column's fixed width, with a
// 4-byte length prefix for sized payloads.
func (m *Meta) rowBytes() int {
	n := 2 // column count
	for _, c := range m.columns {
		n++ // null flag
		switch c.Kind {
		case KindString, KindBytes, KindBlob:
			n += 4 + c.Bytes
		case KindDecimal:
			n += 2 + 16
		default:
			n += c.Bytes
		}
	}
	return n
}

// descPath maps a table data path to its schema sidecar path.
func descPath(path string) string {
	return strings.TrimSuffix(path, TableSuffix) + MetaSuffix
}
