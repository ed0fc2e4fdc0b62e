package flintdb

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind identifies the payload type of a Variant. The numeric values are part
// of the on-disk record format and must not be reordered.
type Kind uint8

const (
	KindNull    Kind = 0
	KindZero    Kind = 1 // zero sentinel, kept distinct from typed zeros
	KindInt32   Kind = 2
	KindUint32  Kind = 3
	KindInt8    Kind = 4
	KindUint8   Kind = 5
	KindInt16   Kind = 6
	KindUint16  Kind = 7
	KindInt64   Kind = 8
	KindDouble  Kind = 9
	KindFloat   Kind = 10
	KindString  Kind = 11
	KindDecimal Kind = 12
	KindBytes   Kind = 13
	KindDate    Kind = 14
	KindTime    Kind = 15
	KindUUID    Kind = 16
	KindIPv6    Kind = 17
	KindBlob    Kind = 18
	KindObject  Kind = 31 // extension slot; not storable
)

// String returns the canonical schema name of the kind, as rendered in DDL.
func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "INT"
	case KindUint32:
		return "UINT"
	case KindInt8:
		return "INT8"
	case KindUint8:
		return "UINT8"
	case KindInt16:
		return "INT16"
	case KindUint16:
		return "UINT16"
	case KindInt64:
		return "INT64"
	case KindDouble:
		return "DOUBLE"
	case KindFloat:
		return "FLOAT"
	case KindString:
		return "STRING"
	case KindDecimal:
		return "DECIMAL"
	case KindBytes:
		return "BYTES"
	case KindDate:
		return "DATE"
	case KindTime:
		return "TIME"
	case KindUUID:
		return "UUID"
	case KindIPv6:
		return "IPV6"
	case KindBlob:
		return "BLOB"
	case KindObject:
		return "OBJECT"
	case KindZero:
		return "ZERO"
	default:
		return "NIL"
	}
}

// KindOf maps a schema type name (case-insensitive, optional "TYPE_" prefix)
// back to a Kind. Unknown names map to KindNull.
func KindOf(name string) Kind {
	up := strings.ToUpper(strings.TrimSpace(name))
	up = strings.TrimPrefix(up, "TYPE_")
	switch up {
	case "INT", "INT32", "INTEGER":
		return KindInt32
	case "UINT", "UINT32":
		return KindUint32
	case "INT8":
		return KindInt8
	case "UINT8":
		return KindUint8
	case "INT16":
		return KindInt16
	case "UINT16":
		return KindUint16
	case "INT64", "LONG", "BIGINT":
		return KindInt64
	case "DOUBLE":
		return KindDouble
	case "FLOAT":
		return KindFloat
	case "STRING", "VARCHAR", "CHAR", "TEXT":
		return KindString
	case "DECIMAL", "NUMERIC":
		return KindDecimal
	case "BYTES":
		return KindBytes
	case "DATE":
		return KindDate
	case "TIME", "DATETIME", "TIMESTAMP":
		return KindTime
	case "UUID":
		return KindUUID
	case "IPV6":
		return KindIPv6
	case "BLOB":
		return KindBlob
	case "OBJECT":
		return KindObject
	case "ZERO":
		return KindZero
	default:
		return KindNull
	}
}

func (k Kind) isInteger() bool {
	switch k {
	case KindInt8, KindUint8, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64:
		return true
	}
	return false
}

func (k Kind) isFloat() bool { return k == KindFloat || k == KindDouble }

func (k Kind) isSized() bool {
	switch k {
	case KindString, KindBytes, KindBlob, KindDecimal:
		return true
	}
	return false
}

// Variant is a tagged value. The zero Variant is null. Variants are value
// types; byte payloads are copied on construction so a Variant never aliases
// caller-owned buffers.
type Variant struct {
	kind Kind
	n    int64 // integer kinds; unix seconds for date/time
	f    float64
	s    string
	b    []byte // bytes/blob/uuid/ipv6
	dec  decimal.Decimal
	obj  interface{} // KindObject payload, interpretation deferred to the caller
}

// Null returns the null Variant.
func Null() Variant { return Variant{kind: KindNull} }

// Zero returns the zero-sentinel Variant.
func Zero() Variant { return Variant{kind: KindZero} }

func NewInt8(v int8) Variant      { return Variant{kind: KindInt8, n: int64(v)} }
func NewUint8(v uint8) Variant    { return Variant{kind: KindUint8, n: int64(v)} }
func NewInt16(v int16) Variant    { return Variant{kind: KindInt16, n: int64(v)} }
func NewUint16(v uint16) Variant  { return Variant{kind: KindUint16, n: int64(v)} }
func NewInt32(v int32) Variant    { return Variant{kind: KindInt32, n: int64(v)} }
func NewUint32(v uint32) Variant  { return Variant{kind: KindUint32, n: int64(v)} }
func NewInt64(v int64) Variant    { return Variant{kind: KindInt64, n: v} }
func NewDouble(v float64) Variant { return Variant{kind: KindDouble, f: v} }
func NewFloat(v float32) Variant  { return Variant{kind: KindFloat, f: float64(v)} }

func NewString(s string) Variant { return Variant{kind: KindString, s: s} }

func NewBytes(b []byte) Variant {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Variant{kind: KindBytes, b: cp}
}

func NewBlob(b []byte) Variant {
	v := NewBytes(b)
	v.kind = KindBlob
	return v
}

func NewDecimal(d decimal.Decimal) Variant { return Variant{kind: KindDecimal, dec: d} }

// NewDate truncates t to its calendar day (UTC).
func NewDate(t time.Time) Variant {
	y, m, d := t.UTC().Date()
	return Variant{kind: KindDate, n: time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()}
}

// NewTime keeps second precision.
func NewTime(t time.Time) Variant { return Variant{kind: KindTime, n: t.Unix()} }

func NewUUID(u uuid.UUID) Variant {
	b := make([]byte, 16)
	copy(b, u[:])
	return Variant{kind: KindUUID, b: b}
}

// NewIPv6 stores the 16-byte form of ip; IPv4 addresses are widened.
func NewIPv6(ip net.IP) (Variant, error) {
	v16 := ip.To16()
	if v16 == nil {
		return Null(), fmt.Errorf("%w: not an IP address", ErrTypeMismatch)
	}
	b := make([]byte, 16)
	copy(b, v16)
	return Variant{kind: KindIPv6, b: b}, nil
}

// NewObject wraps an opaque payload. Object variants live in memory only;
// the record codec and AddColumn reject them.
func NewObject(o interface{}) Variant { return Variant{kind: KindObject, obj: o} }

// Kind returns the variant's tag.
func (v Variant) Kind() Kind { return v.kind }

// IsNil reports whether the variant is null.
func (v Variant) IsNil() bool { return v.kind == KindNull }

// IsZero reports whether the variant is the zero sentinel or holds the zero
// value of its kind.
func (v Variant) IsZero() bool {
	switch v.kind {
	case KindZero:
		return true
	case KindNull:
		return false
	case KindDouble, KindFloat:
		return v.f == 0
	case KindString:
		return v.s == ""
	case KindDecimal:
		return v.dec.IsZero()
	case KindBytes, KindBlob, KindUUID, KindIPv6:
		for _, c := range v.b {
			if c != 0 {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj == nil
	default:
		return v.n == 0
	}
}

// Length returns the payload length for sized kinds, 0 otherwise.
func (v Variant) Length() int {
	switch v.kind {
	case KindString:
		return len(v.s)
	case KindBytes, KindBlob, KindUUID, KindIPv6:
		return len(v.b)
	default:
		return 0
	}
}

func (v Variant) mismatch(want Kind) error {
	return fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, v.kind, want)
}

func (v Variant) Int8() (int8, error) {
	if v.kind != KindInt8 {
		return 0, v.mismatch(KindInt8)
	}
	return int8(v.n), nil
}

func (v Variant) Uint8() (uint8, error) {
	if v.kind != KindUint8 {
		return 0, v.mismatch(KindUint8)
	}
	return uint8(v.n), nil
}

func (v Variant) Int16() (int16, error) {
	if v.kind != KindInt16 {
		return 0, v.mismatch(KindInt16)
	}
	return int16(v.n), nil
}

func (v Variant) Uint16() (uint16, error) {
	if v.kind != KindUint16 {
		return 0, v.mismatch(KindUint16)
	}
	return uint16(v.n), nil
}

func (v Variant) Int32() (int32, error) {
	if v.kind != KindInt32 {
		return 0, v.mismatch(KindInt32)
	}
	return int32(v.n), nil
}

func (v Variant) Uint32() (uint32, error) {
	if v.kind != KindUint32 {
		return 0, v.mismatch(KindUint32)
	}
	return uint32(v.n), nil
}

func (v Variant) Int64() (int64, error) {
	if v.kind != KindInt64 {
		return 0, v.mismatch(KindInt64)
	}
	return v.n, nil
}

func (v Variant) Double() (float64, error) {
	if v.kind != KindDouble {
		return 0, v.mismatch(KindDouble)
	}
	return v.f, nil
}

func (v Variant) Float() (float32, error) {
	if v.kind != KindFloat {
		return 0, v.mismatch(KindFloat)
	}
	return float32(v.f), nil
}

func (v Variant) Str() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.s, nil
}

// Bytes returns a copy of the payload of a bytes or blob variant.
func (v Variant) Bytes() ([]byte, error) {
	if v.kind != KindBytes && v.kind != KindBlob {
		return nil, v.mismatch(KindBytes)
	}
	cp := make([]byte, len(v.b))
	copy(cp, v.b)
	return cp, nil
}

func (v Variant) Decimal() (decimal.Decimal, error) {
	if v.kind != KindDecimal {
		return decimal.Decimal{}, v.mismatch(KindDecimal)
	}
	return v.dec, nil
}

func (v Variant) Date() (time.Time, error) {
	if v.kind != KindDate {
		return time.Time{}, v.mismatch(KindDate)
	}
	return time.Unix(v.n, 0).UTC(), nil
}

func (v Variant) Time() (time.Time, error) {
	if v.kind != KindTime {
		return time.Time{}, v.mismatch(KindTime)
	}
	return time.Unix(v.n, 0).UTC(), nil
}

func (v Variant) UUID() (uuid.UUID, error) {
	if v.kind != KindUUID {
		return uuid.UUID{}, v.mismatch(KindUUID)
	}
	var u uuid.UUID
	copy(u[:], v.b)
	return u, nil
}

func (v Variant) IPv6() (net.IP, error) {
	if v.kind != KindIPv6 {
		return nil, v.mismatch(KindIPv6)
	}
	ip := make(net.IP, 16)
	copy(ip, v.b)
	return ip, nil
}

func (v Variant) Object() (interface{}, error) {
	if v.kind != KindObject {
		return nil, v.mismatch(KindObject)
	}
	return v.obj, nil
}

// Equal reports structural equality: kinds must match and values must be
// equal. Decimal equality compares the normalized value, so 1.50 equals 1.5.
func (v Variant) Equal(o Variant) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull, KindZero:
		return true
	case KindDouble, KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindDecimal:
		return v.dec.Equal(o.dec)
	case KindBytes, KindBlob, KindUUID, KindIPv6:
		return bytes.Equal(v.b, o.b)
	case KindObject:
		return v.obj == o.obj
	default:
		return v.n == o.n
	}
}

// Compare imposes a total order usable as a default sort key: null sorts
// first, then the zero sentinel; numeric kinds compare by widened value, so
// an INT32 and an INT64 holding the same number compare equal.
func (v Variant) Compare(o Variant) int {
	if v.kind == KindNull || o.kind == KindNull {
		return boolCompare(v.kind != KindNull, o.kind != KindNull)
	}
	if v.kind == KindZero || o.kind == KindZero {
		return boolCompare(v.kind != KindZero, o.kind != KindZero)
	}
	if isNumeric(v.kind) && isNumeric(o.kind) {
		return numericCompare(v, o)
	}
	if v.kind != o.kind {
		return int(v.kind) - int(o.kind)
	}
	switch v.kind {
	case KindString:
		return strings.Compare(v.s, o.s)
	case KindBytes, KindBlob, KindUUID, KindIPv6:
		return bytes.Compare(v.b, o.b)
	default:
		return 0
	}
}

func isNumeric(k Kind) bool {
	return k.isInteger() || k.isFloat() || k == KindDecimal || k == KindDate || k == KindTime
}

func numericCompare(a, b Variant) int {
	if a.kind == KindDecimal || b.kind == KindDecimal {
		da, _ := a.toDecimal()
		db, _ := b.toDecimal()
		return da.Cmp(db)
	}
	if a.kind.isFloat() || b.kind.isFloat() {
		fa := a.toFloat()
		fb := b.toFloat()
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	switch {
	case a.n < b.n:
		return -1
	case a.n > b.n:
		return 1
	}
	return 0
}

func (v Variant) toFloat() float64 {
	if v.kind.isFloat() {
		return v.f
	}
	return float64(v.n)
}

func (v Variant) toDecimal() (decimal.Decimal, error) {
	switch {
	case v.kind == KindDecimal:
		return v.dec, nil
	case v.kind.isInteger(), v.kind == KindDate, v.kind == KindTime:
		return decimal.NewFromInt(v.n), nil
	case v.kind.isFloat():
		return decimal.NewFromFloat(v.f), nil
	}
	return decimal.Decimal{}, v.mismatch(KindDecimal)
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02 15:04:05"
)

// String renders the value as text, the same form ParseVariant accepts.
// Null renders as the empty string.
func (v Variant) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindZero:
		return "0"
	case KindDouble, KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindDecimal:
		return v.dec.String()
	case KindBytes, KindBlob:
		return hex.EncodeToString(v.b)
	case KindDate:
		return time.Unix(v.n, 0).UTC().Format(dateLayout)
	case KindTime:
		return time.Unix(v.n, 0).UTC().Format(timeLayout)
	case KindUUID:
		var u uuid.UUID
		copy(u[:], v.b)
		return u.String()
	case KindIPv6:
		return net.IP(v.b).String()
	case KindObject:
		return fmt.Sprintf("%v", v.obj)
	case KindUint8, KindUint16, KindUint32:
		return strconv.FormatUint(uint64(v.n), 10)
	default:
		return strconv.FormatInt(v.n, 10)
	}
}

// ParseVariant converts a text field into a variant of the given kind. The
// empty string parses as null for every kind except STRING.
func ParseVariant(k Kind, s string) (Variant, error) {
	if s == "" && k != KindString {
		return Null(), nil
	}
	switch k {
	case KindNull:
		return Null(), nil
	case KindZero:
		return Zero(), nil
	case KindInt8:
		n, err := strconv.ParseInt(s, 10, 8)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewInt8(int8(n)), nil
	case KindUint8:
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewUint8(uint8(n)), nil
	case KindInt16:
		n, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewInt16(int16(n)), nil
	case KindUint16:
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewUint16(uint16(n)), nil
	case KindInt32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewInt32(int32(n)), nil
	case KindUint32:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewUint32(uint32(n)), nil
	case KindInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewInt64(n), nil
	case KindDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewDouble(f), nil
	case KindFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewFloat(float32(f)), nil
	case KindString:
		return NewString(s), nil
	case KindDecimal:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewDecimal(d), nil
	case KindBytes, KindBlob:
		b, err := hex.DecodeString(s)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		v := NewBytes(b)
		v.kind = k
		return v, nil
	case KindDate:
		t, err := time.ParseInLocation(dateLayout, s, time.UTC)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewDate(t), nil
	case KindTime:
		t, err := time.ParseInLocation(timeLayout, s, time.UTC)
		if err != nil {
			t2, err2 := time.ParseInLocation(dateLayout, s, time.UTC)
			if err2 != nil {
				return Null(), parseErr(k, s, err)
			}
			t = t2
		}
		return NewTime(t), nil
	case KindUUID:
		u, err := uuid.Parse(s)
		if err != nil {
			return Null(), parseErr(k, s, err)
		}
		return NewUUID(u), nil
	case KindIPv6:
		ip := net.ParseIP(s)
		if ip == nil {
			return Null(), parseErr(k, s, fmt.Errorf("invalid IP"))
		}
		return NewIPv6(ip)
	}
	return Null(), fmt.Errorf("%w: cannot parse text into %s", ErrTypeMismatch, k)
}

func parseErr(k Kind, s string, err error) error {
	return fmt.Errorf("%w: %q is not a valid %s (%v)", ErrTypeMismatch, s, k, err)
}

// native returns the Go value used for CEL evaluation and CLI display.
func (v Variant) native() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindZero:
		return int64(0)
	case KindDouble, KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindDecimal:
		f, _ := v.dec.Float64()
		return f
	case KindBytes, KindBlob, KindUUID, KindIPv6:
		cp := make([]byte, len(v.b))
		copy(cp, v.b)
		return cp
	case KindDate, KindTime:
		return time.Unix(v.n, 0).UTC()
	case KindObject:
		return v.obj
	case KindUint8, KindUint16, KindUint32:
		return uint64(v.n)
	default:
		return v.n
	}
}
