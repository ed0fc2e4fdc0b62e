// Package sqlparse implements the small SQL dialect the engine speaks:
// CREATE TABLE (which doubles as the persisted schema format), DROP TABLE,
// INSERT, SELECT, UPDATE and DELETE. WHERE clauses are not parsed here; they
// are carried verbatim and compiled by the engine's filter layer.
package sqlparse

// Statement is the common interface of all parsed statements.
type Statement interface{ stmt() }

// ColumnDef is one column of a CREATE TABLE statement.
type ColumnDef struct {
	Name      string
	Type      string
	Bytes     int // 0 when not declared
	Precision int // 0 when not declared
	NotNull   bool
	Default   string
	Comment   string
}

// KeyDef is one PRIMARY KEY or KEY clause of a CREATE TABLE statement.
type KeyDef struct {
	Name    string
	Primary bool
	Columns []string
}

// Option is a trailing NAME=VALUE table option.
type Option struct {
	Name  string
	Value string
}

// CreateTable is a parsed CREATE TABLE statement.
type CreateTable struct {
	Name    string
	Columns []ColumnDef
	Keys    []KeyDef
	Options []Option
}

// DropTable is a parsed DROP TABLE statement.
type DropTable struct {
	Table string
}

// Insert is a parsed INSERT statement. Each row holds the VALUES fields as
// text with string quoting removed; a bare NULL becomes the empty string.
type Insert struct {
	Table   string
	Columns []string // empty means declaration order
	Rows    [][]string
}

// Select is a parsed SELECT statement.
type Select struct {
	Table   string
	Columns []string // nil when Star
	Star    bool
	Where   string // raw predicate text, may be empty
	Limit   int64  // -1 when absent
}

// Assign is one SET clause of an UPDATE statement.
type Assign struct {
	Column string
	Value  string
}

// Update is a parsed UPDATE statement.
type Update struct {
	Table string
	Set   []Assign
	Where string
}

// Delete is a parsed DELETE statement.
type Delete struct {
	Table string
	Where string
}

func (*CreateTable) stmt() {}
func (*DropTable) stmt()   {}
func (*Insert) stmt()      {}
func (*Select) stmt()      {}
func (*Update) stmt()      {}
func (*Delete) stmt()      {}
