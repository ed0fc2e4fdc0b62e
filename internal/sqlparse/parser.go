package sqlparse

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse parses a single SQL statement into its AST form.
func Parse(query string) (Statement, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("empty statement")
	}
	toks := fields(q)
	head := strings.ToUpper(toks[0])
	switch head {
	case "CREATE":
		if len(toks) >= 2 && strings.EqualFold(toks[1], "TABLE") {
			return parseCreateTable(q)
		}
		return nil, fmt.Errorf("unsupported CREATE statement")
	case "DROP":
		if len(toks) >= 3 && strings.EqualFold(toks[1], "TABLE") {
			return &DropTable{Table: toks[2]}, nil
		}
		return nil, fmt.Errorf("unsupported DROP statement")
	case "INSERT":
		return parseInsert(q)
	case "SELECT":
		return parseSelect(q)
	case "UPDATE":
		return parseUpdate(q)
	case "DELETE":
		return parseDelete(q)
	}
	return nil, fmt.Errorf("unsupported statement %q", toks[0])
}

func parseCreateTable(q string) (*CreateTable, error) {
	open, closing, err := matchParen(q)
	if err != nil {
		return nil, err
	}
	pre := fields(q[:open])
	if len(pre) != 3 {
		return nil, fmt.Errorf("CREATE TABLE: missing table name")
	}
	ct := &CreateTable{Name: pre[2]}

	for _, item := range splitTop(q[open+1:closing], ',') {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if err := parseTableItem(ct, item); err != nil {
			return nil, err
		}
	}

	for _, opt := range splitTop(strings.TrimSpace(q[closing+1:]), ',') {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		eq := strings.IndexByte(opt, '=')
		if eq < 0 {
			return nil, fmt.Errorf("malformed table option %q", opt)
		}
		val, _ := unquote(strings.TrimSpace(opt[eq+1:]))
		ct.Options = append(ct.Options, Option{
			Name:  strings.TrimSpace(opt[:eq]),
			Value: val,
		})
	}
	return ct, nil
}

func parseTableItem(ct *CreateTable, item string) error {
	toks := fields(item)
	if len(toks) == 0 {
		return fmt.Errorf("empty table item")
	}
	up0 := strings.ToUpper(toks[0])

	if up0 == "PRIMARY" || up0 == "KEY" {
		kd := KeyDef{Primary: up0 == "PRIMARY"}
		rest := item
		if kd.Primary {
			if len(toks) < 2 || !strings.EqualFold(toks[1], "KEY") {
				return fmt.Errorf("malformed PRIMARY KEY clause %q", item)
			}
		} else {
			if len(toks) < 2 {
				return fmt.Errorf("malformed KEY clause %q", item)
			}
			// KEY name (cols) or KEY name(cols)
			name := toks[1]
			if p := strings.IndexByte(name, '('); p >= 0 {
				name = name[:p]
			}
			kd.Name = name
		}
		open, closing, err := matchParen(rest)
		if err != nil {
			return fmt.Errorf("malformed key clause %q: %v", item, err)
		}
		for _, col := range splitTop(rest[open+1:closing], ',') {
			col = strings.TrimSpace(col)
			if col != "" {
				kd.Columns = append(kd.Columns, col)
			}
		}
		if len(kd.Columns) == 0 {
			return fmt.Errorf("key clause %q has no columns", item)
		}
		ct.Keys = append(ct.Keys, kd)
		return nil
	}

	// column definition: name TYPE[(bytes[,precision])] [NOT NULL] [DEFAULT 'v'] [COMMENT 'v']
	if len(toks) < 2 {
		return fmt.Errorf("malformed column definition %q", item)
	}
	cd := ColumnDef{Name: toks[0]}
	typ := toks[1]
	i := 2
	if p := strings.IndexByte(typ, '('); p >= 0 {
		if !strings.HasSuffix(typ, ")") {
			return fmt.Errorf("malformed type %q", typ)
		}
		if err := parseTypeParams(&cd, typ[p+1:len(typ)-1]); err != nil {
			return err
		}
		typ = typ[:p]
	} else if i < len(toks) && strings.HasPrefix(toks[i], "(") && strings.HasSuffix(toks[i], ")") {
		if err := parseTypeParams(&cd, toks[i][1:len(toks[i])-1]); err != nil {
			return err
		}
		i++
	}
	cd.Type = typ

	for ; i < len(toks); i++ {
		switch strings.ToUpper(toks[i]) {
		case "NOT":
			if i+1 < len(toks) && strings.EqualFold(toks[i+1], "NULL") {
				cd.NotNull = true
				i++
			}
		case "NULL":
			// nullable is the default
		case "DEFAULT":
			if i+1 < len(toks) {
				i++
				cd.Default, _ = unquote(toks[i])
			}
		case "COMMENT":
			if i+1 < len(toks) {
				i++
				cd.Comment, _ = unquote(toks[i])
			}
		}
	}
	ct.Columns = append(ct.Columns, cd)
	return nil
}

func parseTypeParams(cd *ColumnDef, body string) error {
	parts := splitTop(body, ',')
	if len(parts) >= 1 && strings.TrimSpace(parts[0]) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return fmt.Errorf("malformed type size %q", parts[0])
		}
		cd.Bytes = n
	}
	if len(parts) >= 2 && strings.TrimSpace(parts[1]) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return fmt.Errorf("malformed type precision %q", parts[1])
		}
		cd.Precision = n
	}
	return nil
}

func parseInsert(q string) (*Insert, error) {
	toks := fields(q)
	if len(toks) < 3 || !strings.EqualFold(toks[1], "INTO") {
		return nil, fmt.Errorf("malformed INSERT statement")
	}
	in := &Insert{}
	vpos := keywordAt(q, "VALUES")
	if vpos < 0 {
		return nil, fmt.Errorf("INSERT: missing VALUES")
	}
	head := fields(q[:vpos])
	// head: INSERT INTO <table> [(col, ...)]
	if len(head) < 3 {
		return nil, fmt.Errorf("INSERT: missing table")
	}
	table := head[2]
	if p := strings.IndexByte(table, '('); p >= 0 {
		for _, c := range splitTop(strings.TrimSuffix(table[p+1:], ")"), ',') {
			in.Columns = append(in.Columns, strings.TrimSpace(c))
		}
		table = table[:p]
	} else if len(head) > 3 && strings.HasPrefix(head[3], "(") {
		body := strings.TrimSuffix(strings.TrimPrefix(head[3], "("), ")")
		for _, c := range splitTop(body, ',') {
			in.Columns = append(in.Columns, strings.TrimSpace(c))
		}
	}
	in.Table = table

	for _, tuple := range splitTop(strings.TrimSpace(q[vpos+len("VALUES"):]), ',') {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}
		if !strings.HasPrefix(tuple, "(") || !strings.HasSuffix(tuple, ")") {
			return nil, fmt.Errorf("INSERT: malformed values tuple %q", tuple)
		}
		var row []string
		for _, v := range splitTop(tuple[1:len(tuple)-1], ',') {
			row = append(row, literal(v))
		}
		in.Rows = append(in.Rows, row)
	}
	if len(in.Rows) == 0 {
		return nil, fmt.Errorf("INSERT: no values")
	}
	return in, nil
}

// literal normalizes a VALUES / SET literal: quotes are stripped and a bare
// NULL becomes the empty string.
func literal(v string) string {
	v = strings.TrimSpace(v)
	if s, quoted := unquote(v); quoted {
		return s
	}
	if strings.EqualFold(v, "NULL") {
		return ""
	}
	return v
}

func parseSelect(q string) (*Select, error) {
	fpos := keywordAt(q, "FROM")
	if fpos < 0 {
		return nil, fmt.Errorf("SELECT: missing FROM")
	}
	sel := &Select{Limit: -1}
	cols := strings.TrimSpace(q[len("SELECT"):fpos])
	if cols == "*" {
		sel.Star = true
	} else {
		for _, c := range splitTop(cols, ',') {
			c = strings.TrimSpace(c)
			if c == "" {
				return nil, fmt.Errorf("SELECT: empty column")
			}
			sel.Columns = append(sel.Columns, c)
		}
	}

	rest := q[fpos+len("FROM"):]
	where, limitStr, err := tailClauses(&rest)
	if err != nil {
		return nil, err
	}
	toks := fields(rest)
	if len(toks) != 1 {
		return nil, fmt.Errorf("SELECT: malformed table reference %q", rest)
	}
	sel.Table = toks[0]
	sel.Where = where
	if limitStr != "" {
		n, err := strconv.ParseInt(limitStr, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("SELECT: malformed LIMIT %q", limitStr)
		}
		sel.Limit = n
	}
	return sel, nil
}

// tailClauses strips WHERE and LIMIT clauses from *rest and returns them.
func tailClauses(rest *string) (where, limit string, err error) {
	s := *rest
	if lpos := keywordAt(s, "LIMIT"); lpos >= 0 {
		limit = strings.TrimSpace(s[lpos+len("LIMIT"):])
		s = s[:lpos]
	}
	if wpos := keywordAt(s, "WHERE"); wpos >= 0 {
		where = strings.TrimSpace(s[wpos+len("WHERE"):])
		s = s[:wpos]
	}
	*rest = strings.TrimSpace(s)
	return where, limit, nil
}

func parseUpdate(q string) (*Update, error) {
	spos := keywordAt(q, "SET")
	if spos < 0 {
		return nil, fmt.Errorf("UPDATE: missing SET")
	}
	head := fields(q[:spos])
	if len(head) != 2 {
		return nil, fmt.Errorf("UPDATE: malformed table reference")
	}
	up := &Update{Table: head[1]}

	rest := q[spos+len("SET"):]
	if wpos := keywordAt(rest, "WHERE"); wpos >= 0 {
		up.Where = strings.TrimSpace(rest[wpos+len("WHERE"):])
		rest = rest[:wpos]
	}
	for _, a := range splitTop(strings.TrimSpace(rest), ',') {
		eq := strings.IndexByte(a, '=')
		if eq < 0 {
			return nil, fmt.Errorf("UPDATE: malformed assignment %q", a)
		}
		up.Set = append(up.Set, Assign{
			Column: strings.TrimSpace(a[:eq]),
			Value:  literal(a[eq+1:]),
		})
	}
	if len(up.Set) == 0 {
		return nil, fmt.Errorf("UPDATE: no assignments")
	}
	return up, nil
}

func parseDelete(q string) (*Delete, error) {
	toks := fields(q)
	if len(toks) < 3 || !strings.EqualFold(toks[1], "FROM") {
		return nil, fmt.Errorf("malformed DELETE statement")
	}
	del := &Delete{Table: toks[2]}
	if wpos := keywordAt(q, "WHERE"); wpos >= 0 {
		del.Where = strings.TrimSpace(q[wpos+len("WHERE"):])
	}
	return del, nil
}
