package flintdb

import (
	"fmt"
	"strings"
)

// Filter is a compiled row predicate of the form
//
//	column op value [AND|OR ...]
//
// with parentheses for grouping. Supported operators are =, <, <=, >, >=,
// <>, != and LIKE ('%' and '_' wildcards). BETWEEN, IN, NOT and IS are
// rejected at compile time.
type Filter struct {
	text string
	root pred
}

// CompileFilter compiles expr against the schema. An empty expression
// compiles to a filter matching every row.
func CompileFilter(m *Meta, expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	f := &Filter{text: expr}
	if expr == "" {
		return f, nil
	}
	p := &filterParser{meta: m, toks: scanFilter(expr)}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("%w: trailing input %q", ErrValidation, p.peek().text)
	}
	f.root = root
	return f, nil
}

// Matches evaluates the predicate against r.
func (f *Filter) Matches(r *Row) bool {
	if f == nil || f.root == nil {
		return true
	}
	return f.root.eval(r)
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.text
}

type pred interface {
	eval(r *Row) bool
}

type andPred struct{ l, r pred }
type orPred struct{ l, r pred }

func (p andPred) eval(r *Row) bool { return p.l.eval(r) && p.r.eval(r) }
func (p orPred) eval(r *Row) bool  { return p.l.eval(r) || p.r.eval(r) }

type cmpOp int

const (
	opEQ cmpOp = iota
	opNE
	opLT
	opLE
	opGT
	opGE
	opLIKE
)

func (op cmpOp) String() string {
	switch op {
	case opEQ:
		return "="
	case opNE:
		return "<>"
	case opLT:
		return "<"
	case opLE:
		return "<="
	case opGT:
		return ">"
	case opGE:
		return ">="
	}
	return "LIKE"
}

type cmpPred struct {
	col     int
	op      cmpOp
	val     Variant
	nullLit bool
	pattern string // LIKE only
}

func (p cmpPred) eval(r *Row) bool {
	v := r.vals[p.col]
	if p.nullLit {
		switch p.op {
		case opEQ:
			return v.IsNil()
		case opNE:
			return !v.IsNil()
		}
		return false
	}
	if v.IsNil() {
		return false
	}
	if p.op == opLIKE {
		s, err := v.Str()
		if err != nil {
			return false
		}
		return likeMatch(p.pattern, s)
	}
	c := v.Compare(p.val)
	switch p.op {
	case opEQ:
		return c == 0
	case opNE:
		return c != 0
	case opLT:
		return c < 0
	case opLE:
		return c <= 0
	case opGT:
		return c > 0
	case opGE:
		return c >= 0
	}
	return false
}

// likeMatch implements SQL LIKE: '%' matches any run, '_' one byte.
func likeMatch(pattern, s string) bool {
	// iterative two-pointer match with backtracking on '%'
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '_' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '%':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '%' {
		pi++
	}
	return pi == len(pattern)
}

// --- tokenizer ---

type filterToken struct {
	text   string
	quoted bool
}

func scanFilter(s string) []filterToken {
	var toks []filterToken
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')':
			toks = append(toks, filterToken{text: string(c)})
			i++
		case c == '\'' || c == '"':
			q := c
			j := i + 1
			var sb strings.Builder
			for j < len(s) {
				if s[j] == '\\' && j+1 < len(s) {
					sb.WriteByte(s[j+1])
					j += 2
					continue
				}
				if s[j] == q {
					break
				}
				sb.WriteByte(s[j])
				j++
			}
			toks = append(toks, filterToken{text: sb.String(), quoted: true})
			i = j + 1
		case strings.ContainsRune("=<>!", rune(c)):
			j := i + 1
			for j < len(s) && strings.ContainsRune("=<>!", rune(s[j])) {
				j++
			}
			toks = append(toks, filterToken{text: s[i:j]})
			i = j
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n\r()=<>!'\"", rune(s[j])) {
				j++
			}
			toks = append(toks, filterToken{text: s[i:j]})
			i = j
		}
	}
	return toks
}

// --- parser ---

type filterParser struct {
	meta *Meta
	toks []filterToken
	pos  int
}

func (p *filterParser) eof() bool { return p.pos >= len(p.toks) }

func (p *filterParser) peek() filterToken {
	if p.eof() {
		return filterToken{}
	}
	return p.toks[p.pos]
}

func (p *filterParser) next() filterToken {
	t := p.peek()
	p.pos++
	return t
}

func (p *filterParser) parseOr() (pred, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for !p.eof() && !p.peek().quoted && strings.EqualFold(p.peek().text, "OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orPred{l: left, r: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (pred, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for !p.eof() && !p.peek().quoted && strings.EqualFold(p.peek().text, "AND") {
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = andPred{l: left, r: right}
	}
	return left, nil
}

func (p *filterParser) parseFactor() (pred, error) {
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	if !p.peek().quoted && p.peek().text == "(" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().text != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	}
	return p.parseComparison()
}

func (p *filterParser) parseComparison() (pred, error) {
	colTok := p.next()
	if colTok.quoted {
		return nil, fmt.Errorf("expected column name, got string literal %q", colTok.text)
	}
	switch strings.ToUpper(colTok.text) {
	case "NOT", "BETWEEN", "IN", "IS":
		return nil, fmt.Errorf("operator %s is not supported", strings.ToUpper(colTok.text))
	}
	at := p.meta.ColumnAt(colTok.text)
	if at < 0 {
		return nil, fmt.Errorf("unknown column %q", colTok.text)
	}
	col := p.meta.Column(at)

	if p.eof() {
		return nil, fmt.Errorf("column %q: missing operator", colTok.text)
	}
	opTok := p.next()
	var op cmpOp
	switch {
	case !opTok.quoted && opTok.text == "=":
		op = opEQ
	case !opTok.quoted && (opTok.text == "<>" || opTok.text == "!="):
		op = opNE
	case !opTok.quoted && opTok.text == "<":
		op = opLT
	case !opTok.quoted && opTok.text == "<=":
		op = opLE
	case !opTok.quoted && opTok.text == ">":
		op = opGT
	case !opTok.quoted && opTok.text == ">=":
		op = opGE
	case !opTok.quoted && strings.EqualFold(opTok.text, "LIKE"):
		op = opLIKE
	case !opTok.quoted && (strings.EqualFold(opTok.text, "BETWEEN") ||
		strings.EqualFold(opTok.text, "IN") ||
		strings.EqualFold(opTok.text, "IS") ||
		strings.EqualFold(opTok.text, "NOT")):
		return nil, fmt.Errorf("operator %s is not supported", strings.ToUpper(opTok.text))
	default:
		return nil, fmt.Errorf("column %q: unknown operator %q", colTok.text, opTok.text)
	}

	if p.eof() {
		return nil, fmt.Errorf("column %q: missing value", colTok.text)
	}
	valTok := p.next()

	cp := cmpPred{col: at, op: op}
	if op == opLIKE {
		if col.Kind != KindString {
			return nil, fmt.Errorf("LIKE requires a string column, %q is %s", colTok.text, col.Kind)
		}
		cp.pattern = valTok.text
		return cp, nil
	}
	if !valTok.quoted && strings.EqualFold(valTok.text, "NULL") {
		cp.nullLit = true
		return cp, nil
	}
	v, err := ParseVariant(col.Kind, valTok.text)
	if err != nil {
		return nil, fmt.Errorf("column %q: %v", colTok.text, err)
	}
	if v.IsNil() {
		cp.nullLit = true
		return cp, nil
	}
	cp.val = v
	return cp, nil
}

// --- index planning ---

// indexPlan describes how an index narrows a filter: equality values for the
// leading key columns, plus an optional range bound on the next key column.
// The full filter is still re-applied to every candidate row.
type indexPlan struct {
	ix int // index ordinal

	eq []Variant // leading equality values, one per key column

	hasRange bool
	rangeCol int // ordinal of the bounded column
	low      Variant
	lowInc   bool
	high     Variant
	highInc  bool
}

// conjuncts flattens the predicate into its top-level AND factors, or nil
// when the predicate contains OR (which defeats a single range scan).
func conjuncts(p pred) []cmpPred {
	switch t := p.(type) {
	case cmpPred:
		return []cmpPred{t}
	case andPred:
		l := conjuncts(t.l)
		if l == nil {
			return nil
		}
		r := conjuncts(t.r)
		if r == nil {
			return nil
		}
		return append(l, r...)
	}
	return nil
}

// planIndex picks the index covering the longest equality prefix of the
// filter, or nil when no index helps. Equality on leading key columns forms
// the prefix; a single < <= > >= bound on the following key column extends
// it.
func planIndex(m *Meta, f *Filter) *indexPlan {
	if f == nil || f.root == nil {
		return nil
	}
	cs := conjuncts(f.root)
	if cs == nil {
		return nil
	}

	eqByCol := map[int]Variant{}
	type bound struct {
		v   Variant
		op  cmpOp
	}
	rangeByCol := map[int][]bound{}
	for _, c := range cs {
		if c.nullLit {
			continue
		}
		switch c.op {
		case opEQ:
			eqByCol[c.col] = c.val
		case opLT, opLE, opGT, opGE:
			rangeByCol[c.col] = append(rangeByCol[c.col], bound{v: c.val, op: c.op})
		}
	}

	var best *indexPlan
	bestScore := 0
	for i := 0; i < m.NumIndexes(); i++ {
		ix := m.Index(i)
		plan := &indexPlan{ix: i}
		score := 0
		for _, keyName := range ix.Keys {
			at := m.ColumnAt(keyName)
			if v, ok := eqByCol[at]; ok {
				plan.eq = append(plan.eq, v)
				score += 2
				continue
			}
			if bs, ok := rangeByCol[at]; ok {
				plan.hasRange = true
				plan.rangeCol = at
				for _, b := range bs {
					switch b.op {
					case opGT, opGE:
						if plan.low.IsNil() || b.v.Compare(plan.low) > 0 {
							plan.low = b.v
							plan.lowInc = b.op == opGE
						}
					case opLT, opLE:
						if plan.high.IsNil() || b.v.Compare(plan.high) < 0 {
							plan.high = b.v
							plan.highInc = b.op == opLE
						}
					}
				}
				score++
			}
			break
		}
		if score > bestScore {
			bestScore = score
			best = plan
		}
	}
	return best
}
