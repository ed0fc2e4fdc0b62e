package flintdb

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Row is a fixed-arity tuple of Variants bound to a Meta. A row carries an
// optional row identifier, assigned by a Table on write and -1 otherwise.
//
// Ownership: rows returned by cursors, Table.Read and Table.One are borrowed
// views, valid only until the next cursor advance or the next mutation on the
// source; call Copy to keep one longer. Rows returned by FileSort.Read and
// Aggregate.Compute are owned by the caller.
type Row struct {
	meta *Meta
	vals []Variant
	id   int64
}

// NewRow returns a fresh, caller-owned row with every slot null.
func NewRow(m *Meta) *Row {
	return &Row{meta: m, vals: make([]Variant, m.NumColumns()), id: -1}
}

// RowFromStrings builds a typed row from text fields in declaration order,
// casting each field to its column kind. Missing trailing fields stay null.
func RowFromStrings(m *Meta, values []string) (*Row, error) {
	if len(values) > m.NumColumns() {
		return nil, fmt.Errorf("%w: %d fields for %d columns", ErrIndexOutOfRange, len(values), m.NumColumns())
	}
	r := NewRow(m)
	for i, s := range values {
		c := m.Column(i)
		if m.NilStr != "" && s == m.NilStr {
			continue
		}
		v, err := ParseVariant(c.Kind, s)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		r.vals[i] = v
	}
	return r, nil
}

// Meta returns the schema this row is bound to.
func (r *Row) Meta() *Meta { return r.meta }

// ID returns the row identifier, or -1 when the row is not persisted.
func (r *Row) ID() int64 { return r.id }

// Len returns the slot count.
func (r *Row) Len() int { return len(r.vals) }

// Get returns the i-th slot.
func (r *Row) Get(i int) (Variant, error) {
	if i < 0 || i >= len(r.vals) {
		return Null(), fmt.Errorf("%w: column %d of %d", ErrIndexOutOfRange, i, len(r.vals))
	}
	return r.vals[i], nil
}

// Set stores v into the i-th slot. The variant kind must match the column's
// declared kind; null (and the zero sentinel) is accepted for any column and
// left for Validate to police.
func (r *Row) Set(i int, v Variant) error {
	if i < 0 || i >= len(r.vals) {
		return fmt.Errorf("%w: column %d of %d", ErrIndexOutOfRange, i, len(r.vals))
	}
	if v.kind != KindNull && v.kind != KindZero && v.kind != r.meta.Column(i).Kind {
		return fmt.Errorf("%w: column %q is %s, value is %s",
			ErrTypeMismatch, r.meta.Column(i).Name, r.meta.Column(i).Kind, v.kind)
	}
	r.vals[i] = v
	return nil
}

func (r *Row) SetInt8(i int, v int8) error       { return r.Set(i, NewInt8(v)) }
func (r *Row) SetUint8(i int, v uint8) error     { return r.Set(i, NewUint8(v)) }
func (r *Row) SetInt16(i int, v int16) error     { return r.Set(i, NewInt16(v)) }
func (r *Row) SetUint16(i int, v uint16) error   { return r.Set(i, NewUint16(v)) }
func (r *Row) SetInt32(i int, v int32) error     { return r.Set(i, NewInt32(v)) }
func (r *Row) SetUint32(i int, v uint32) error   { return r.Set(i, NewUint32(v)) }
func (r *Row) SetInt64(i int, v int64) error     { return r.Set(i, NewInt64(v)) }
func (r *Row) SetDouble(i int, v float64) error  { return r.Set(i, NewDouble(v)) }
func (r *Row) SetFloat(i int, v float32) error   { return r.Set(i, NewFloat(v)) }
func (r *Row) SetString(i int, v string) error   { return r.Set(i, NewString(v)) }
func (r *Row) SetBytes(i int, v []byte) error    { return r.Set(i, NewBytes(v)) }
func (r *Row) SetDate(i int, v time.Time) error  { return r.Set(i, NewDate(v)) }
func (r *Row) SetTime(i int, v time.Time) error  { return r.Set(i, NewTime(v)) }
func (r *Row) SetUUID(i int, v uuid.UUID) error  { return r.Set(i, NewUUID(v)) }
func (r *Row) SetNull(i int) error               { return r.Set(i, Null()) }

func (r *Row) SetDecimal(i int, v decimal.Decimal) error { return r.Set(i, NewDecimal(v)) }

func (r *Row) SetIPv6(i int, ip net.IP) error {
	v, err := NewIPv6(ip)
	if err != nil {
		return err
	}
	return r.Set(i, v)
}

func (r *Row) Int8(i int) (int8, error)      { return get(r, i, Variant.Int8) }
func (r *Row) Uint8(i int) (uint8, error)    { return get(r, i, Variant.Uint8) }
func (r *Row) Int16(i int) (int16, error)    { return get(r, i, Variant.Int16) }
func (r *Row) Uint16(i int) (uint16, error)  { return get(r, i, Variant.Uint16) }
func (r *Row) Int32(i int) (int32, error)    { return get(r, i, Variant.Int32) }
func (r *Row) Uint32(i int) (uint32, error)  { return get(r, i, Variant.Uint32) }
func (r *Row) Int64(i int) (int64, error)    { return get(r, i, Variant.Int64) }
func (r *Row) Double(i int) (float64, error) { return get(r, i, Variant.Double) }
func (r *Row) Float(i int) (float32, error)  { return get(r, i, Variant.Float) }
func (r *Row) Str(i int) (string, error)     { return get(r, i, Variant.Str) }
func (r *Row) Bytes(i int) ([]byte, error)   { return get(r, i, Variant.Bytes) }
func (r *Row) Date(i int) (time.Time, error) { return get(r, i, Variant.Date) }
func (r *Row) Time(i int) (time.Time, error) { return get(r, i, Variant.Time) }
func (r *Row) UUID(i int) (uuid.UUID, error) { return get(r, i, Variant.UUID) }
func (r *Row) IPv6(i int) (net.IP, error)    { return get(r, i, Variant.IPv6) }

func (r *Row) Decimal(i int) (decimal.Decimal, error) { return get(r, i, Variant.Decimal) }

func get[T any](r *Row, i int, f func(Variant) (T, error)) (T, error) {
	v, err := r.Get(i)
	if err != nil {
		var zero T
		return zero, err
	}
	return f(v)
}

// IsNil reports whether slot i holds null; out-of-range reports false.
func (r *Row) IsNil(i int) bool {
	return i >= 0 && i < len(r.vals) && r.vals[i].IsNil()
}

// IsZero reports whether slot i holds a zero value; out-of-range reports false.
func (r *Row) IsZero(i int) bool {
	return i >= 0 && i < len(r.vals) && r.vals[i].IsZero()
}

// Equals reports structural equality over all slots, ignoring identifiers.
func (r *Row) Equals(o *Row) bool {
	if o == nil || len(r.vals) != len(o.vals) {
		return false
	}
	for i := range r.vals {
		if !r.vals[i].Equal(o.vals[i]) {
			return false
		}
	}
	return true
}

// Compare delegates entirely to the supplied comparator.
func (r *Row) Compare(o *Row, cmp func(a, b *Row) int) int {
	return cmp(r, o)
}

// Copy returns a new owned row with deep-copied payloads. The copy keeps the
// source's row identifier.
func (r *Row) Copy() *Row {
	cp := &Row{meta: r.meta, vals: make([]Variant, len(r.vals)), id: r.id}
	for i, v := range r.vals {
		if len(v.b) > 0 {
			b := make([]byte, len(v.b))
			copy(b, v.b)
			v.b = b
		}
		cp.vals[i] = v
	}
	return cp
}

// Validate checks every not-null constraint and every size/precision bound,
// reporting the first violating column. A nil result means the row is valid.
func (r *Row) Validate() error {
	for i, v := range r.vals {
		c := r.meta.Column(i)
		if v.IsNil() {
			if c.NotNull {
				return fmt.Errorf("%w: column %q must not be null", ErrValidation, c.Name)
			}
			continue
		}
		switch c.Kind {
		case KindString, KindBytes, KindBlob:
			if v.Length() > c.Bytes {
				return fmt.Errorf("%w: column %q holds %d bytes, limit %d",
					ErrValidation, c.Name, v.Length(), c.Bytes)
			}
		case KindDecimal:
			if v.kind == KindDecimal {
				if len(v.dec.Coefficient().Bytes()) > decimalMagBytes {
					return fmt.Errorf("%w: column %q decimal magnitude exceeds %d bytes",
						ErrValidation, c.Name, decimalMagBytes)
				}
				if v.dec.Exponent() < -127 || v.dec.Exponent() > 127 {
					return fmt.Errorf("%w: column %q decimal scale out of range", ErrValidation, c.Name)
				}
			}
		}
	}
	return nil
}

// Valid reports Validate() == nil.
func (r *Row) Valid() bool { return r.Validate() == nil }

// AsMap converts the row to a column-name keyed map of native Go values,
// the shape aggregate admission conditions evaluate against.
func (r *Row) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(r.vals))
	for i, v := range r.vals {
		out[r.meta.Column(i).Name] = v.native()
	}
	return out
}

// String renders the row tab-separated, for logs and the CLI.
func (r *Row) String() string {
	parts := make([]string, len(r.vals))
	for i, v := range r.vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, "\t")
}
