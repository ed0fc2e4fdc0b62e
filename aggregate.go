package flintdb

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/shopspring/decimal"
)

// groupKeySep joins rendered group values into the accumulator lookup key.
const groupKeySep = "\x1f"

// GroupBy names one grouping dimension: the source column, the output alias,
// and the output kind.
type GroupBy struct {
	Alias  string
	Column string
	Kind   Kind
}

// Condition admits or rejects a row for one aggregate function. Functions
// are independent: one condition rejecting a row does not affect another
// function's accumulation for the same row.
type Condition interface {
	Admit(r *Row) (bool, error)
}

// celCondition evaluates a CEL expression over the row as a map named "row",
// e.g. `row.category == "Fruit" && row.price < 2.0`.
type celCondition struct {
	prg cel.Program
}

// NewCELCondition compiles expr into an admission condition.
func NewCELCondition(expr string) (Condition, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("row", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: condition %q: %v", ErrValidation, expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &celCondition{prg: prg}, nil
}

func (c *celCondition) Admit(r *Row) (bool, error) {
	out, _, err := c.prg.Eval(map[string]interface{}{"row": r.AsMap()})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition result is %T, want bool", ErrTypeMismatch, out.Value())
	}
	return b, nil
}

// Func is one aggregate function: a named accumulator over an optional source
// column, gated by an optional admission condition.
type Func struct {
	name   string
	alias  string
	kind   Kind
	column string
	cond   Condition
	fresh  func() accumulator
}

func (f *Func) Alias() string { return f.alias }
func (f *Func) Name() string  { return f.name }

// NewCount counts admitted rows.
func NewCount(alias string, cond Condition) *Func {
	return &Func{name: "count", alias: alias, kind: KindInt64, cond: cond,
		fresh: func() accumulator { return &countAcc{} }}
}

// NewSum sums the column, widened to the declared result kind.
func NewSum(alias, column string, kind Kind, cond Condition) *Func {
	return &Func{name: "sum", alias: alias, kind: kind, column: column, cond: cond,
		fresh: func() accumulator { return &sumAcc{} }}
}

// NewAvg averages the column; the division happens at finalize, not
// incrementally.
func NewAvg(alias, column string, kind Kind, cond Condition) *Func {
	return &Func{name: "avg", alias: alias, kind: kind, column: column, cond: cond,
		fresh: func() accumulator { return &avgAcc{} }}
}

// NewMin keeps the smallest admitted value.
func NewMin(alias, column string, kind Kind, cond Condition) *Func {
	return &Func{name: "min", alias: alias, kind: kind, column: column, cond: cond,
		fresh: func() accumulator { return &extremeAcc{want: -1} }}
}

// NewMax keeps the largest admitted value.
func NewMax(alias, column string, kind Kind, cond Condition) *Func {
	return &Func{name: "max", alias: alias, kind: kind, column: column, cond: cond,
		fresh: func() accumulator { return &extremeAcc{want: 1} }}
}

// NewFirst keeps the first admitted value.
func NewFirst(alias, column string, kind Kind, cond Condition) *Func {
	return &Func{name: "first", alias: alias, kind: kind, column: column, cond: cond,
		fresh: func() accumulator { return &firstLastAcc{first: true} }}
}

// NewLast keeps the last admitted value.
func NewLast(alias, column string, kind Kind, cond Condition) *Func {
	return &Func{name: "last", alias: alias, kind: kind, column: column, cond: cond,
		fresh: func() accumulator { return &firstLastAcc{} }}
}

// NewDistinctCount counts distinct admitted values, exactly.
func NewDistinctCount(alias, column string, cond Condition) *Func {
	return &Func{name: "distinct", alias: alias, kind: KindInt64, column: column, cond: cond,
		fresh: func() accumulator { return &distinctAcc{seen: map[string]struct{}{}} }}
}

// accumulator folds admitted values and produces a final variant.
type accumulator interface {
	fold(v Variant)
	result(kind Kind) (Variant, error)
}

type countAcc struct{ n int64 }

func (a *countAcc) fold(Variant) { a.n++ }
func (a *countAcc) result(k Kind) (Variant, error) {
	return castVariant(NewInt64(a.n), k)
}

// sumAcc and avgAcc accumulate in decimal, so integer sums stay exact and
// float sums avoid drift before the final cast.
type sumAcc struct {
	sum decimal.Decimal
	any bool
}

func (a *sumAcc) fold(v Variant) {
	d, err := v.toDecimal()
	if err != nil {
		return
	}
	a.sum = a.sum.Add(d)
	a.any = true
}

func (a *sumAcc) result(k Kind) (Variant, error) {
	if !a.any {
		return Null(), nil
	}
	return castVariant(NewDecimal(a.sum), k)
}

type avgAcc struct {
	sum decimal.Decimal
	n   int64
}

func (a *avgAcc) fold(v Variant) {
	d, err := v.toDecimal()
	if err != nil {
		return
	}
	a.sum = a.sum.Add(d)
	a.n++
}

func (a *avgAcc) result(k Kind) (Variant, error) {
	if a.n == 0 {
		return Null(), nil
	}
	return castVariant(NewDecimal(a.sum.Div(decimal.NewFromInt(a.n))), k)
}

type extremeAcc struct {
	want int // -1 keeps smaller, 1 keeps larger
	best Variant
	any  bool
}

func (a *extremeAcc) fold(v Variant) {
	if v.IsNil() {
		return
	}
	if !a.any || sign(v.Compare(a.best)) == a.want {
		a.best = v
		a.any = true
	}
}

func (a *extremeAcc) result(k Kind) (Variant, error) {
	if !a.any {
		return Null(), nil
	}
	return castVariant(a.best, k)
}

type firstLastAcc struct {
	first bool
	val   Variant
	any   bool
}

func (a *firstLastAcc) fold(v Variant) {
	if a.first && a.any {
		return
	}
	a.val = v
	a.any = true
}

func (a *firstLastAcc) result(k Kind) (Variant, error) {
	if !a.any {
		return Null(), nil
	}
	return castVariant(a.val, k)
}

type distinctAcc struct {
	seen map[string]struct{}
}

func (a *distinctAcc) fold(v Variant) {
	if v.IsNil() {
		return
	}
	a.seen[fmt.Sprintf("%d\x00%s", v.kind, v.String())] = struct{}{}
}

func (a *distinctAcc) result(k Kind) (Variant, error) {
	return castVariant(NewInt64(int64(len(a.seen))), k)
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}

// castVariant converts v to kind k, widening or narrowing numerics and
// falling back to text parsing for everything else.
func castVariant(v Variant, k Kind) (Variant, error) {
	if v.kind == k || v.IsNil() {
		return v, nil
	}
	switch {
	case k == KindDecimal:
		d, err := v.toDecimal()
		if err != nil {
			return Null(), err
		}
		return NewDecimal(d), nil
	case k.isFloat() && isNumeric(v.kind):
		if v.kind == KindDecimal {
			f, _ := v.dec.Float64()
			if k == KindFloat {
				return NewFloat(float32(f)), nil
			}
			return NewDouble(f), nil
		}
		if k == KindFloat {
			return NewFloat(float32(v.toFloat())), nil
		}
		return NewDouble(v.toFloat()), nil
	case k.isInteger() && v.kind.isInteger():
		return ParseVariant(k, v.String())
	}
	return ParseVariant(k, v.String())
}

// groupState is one group's key values and accumulators.
type groupState struct {
	keyVals []Variant
	accs    []accumulator
}

// Aggregate is a streaming group-by: feed rows with Row, finalize with
// Compute. A single instance is not safe for concurrent Row calls.
type Aggregate struct {
	meta    *Meta
	groups  []GroupBy
	funcs   []*Func
	groupAt []int // source column ordinal per group
	funcAt  []int // source column ordinal per func, -1 for count
	states  map[string]*groupState
	order   []string // first-seen group emission order
	out     *Meta
	closed  bool
}

// NewAggregate builds a group-by over rows of schema m.
func NewAggregate(m *Meta, groups []GroupBy, funcs []*Func) (*Aggregate, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: at least one group-by column", ErrValidation)
	}
	if len(funcs) == 0 {
		return nil, fmt.Errorf("%w: at least one aggregate function", ErrValidation)
	}
	a := &Aggregate{
		meta:   m,
		groups: groups,
		funcs:  funcs,
		states: map[string]*groupState{},
	}

	out := NewMeta(m.Name + "_agg")
	for _, g := range groups {
		at := m.ColumnAt(g.Column)
		if at < 0 {
			return nil, fmt.Errorf("%w: group-by %q", ErrUnknownColumn, g.Column)
		}
		a.groupAt = append(a.groupAt, at)
		src := m.Column(at)
		if err := out.AddColumn(g.Alias, g.Kind, src.Bytes, src.Precision, false, "", ""); err != nil {
			return nil, err
		}
	}
	for _, f := range funcs {
		at := -1
		size, prec := 0, 0
		if f.column != "" {
			at = m.ColumnAt(f.column)
			if at < 0 {
				return nil, fmt.Errorf("%w: %s(%s)", ErrUnknownColumn, f.name, f.column)
			}
			size, prec = m.Column(at).Bytes, m.Column(at).Precision
		}
		a.funcAt = append(a.funcAt, at)
		if err := out.AddColumn(f.alias, f.kind, size, prec, false, "", ""); err != nil {
			return nil, err
		}
	}
	a.out = out
	return a, nil
}

// OutputMeta describes Compute's result rows: group aliases first, then
// function aliases, in declaration order.
func (a *Aggregate) OutputMeta() *Meta { return a.out }

// Row folds one input row into the matching group's accumulators.
func (a *Aggregate) Row(r *Row) error {
	if a.closed {
		return ErrClosed
	}
	var kb strings.Builder
	for i, at := range a.groupAt {
		if i > 0 {
			kb.WriteString(groupKeySep)
		}
		kb.WriteString(r.vals[at].String())
	}
	key := kb.String()

	st, ok := a.states[key]
	if !ok {
		st = &groupState{accs: make([]accumulator, len(a.funcs))}
		for _, at := range a.groupAt {
			st.keyVals = append(st.keyVals, r.vals[at])
		}
		for i, f := range a.funcs {
			st.accs[i] = f.fresh()
		}
		a.states[key] = st
		a.order = append(a.order, key)
	}

	for i, f := range a.funcs {
		if f.cond != nil {
			ok, err := f.cond.Admit(r)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		if at := a.funcAt[i]; at >= 0 {
			st.accs[i].fold(r.vals[at])
		} else {
			st.accs[i].fold(Null())
		}
	}
	return nil
}

// Compute finalizes every group and returns one owned row per distinct group
// key, in first-seen order. An aggregate that never saw a row yields an
// empty slice.
func (a *Aggregate) Compute() ([]*Row, error) {
	if a.closed {
		return nil, ErrClosed
	}
	rows := make([]*Row, 0, len(a.order))
	for _, key := range a.order {
		st := a.states[key]
		r := NewRow(a.out)
		for i, g := range a.groups {
			v, err := castVariant(st.keyVals[i], g.Kind)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", g.Alias, err)
			}
			if err := r.Set(i, v); err != nil {
				return nil, err
			}
		}
		for i, f := range a.funcs {
			v, err := st.accs[i].result(f.kind)
			if err != nil {
				return nil, fmt.Errorf("%s %q: %w", f.name, f.alias, err)
			}
			if err := r.Set(len(a.groups)+i, v); err != nil {
				return nil, err
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Close releases all accumulator state. Close is idempotent.
func (a *Aggregate) Close() {
	a.states = nil
	a.order = nil
	a.closed = true
}
