package flintdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Row image layout. Every row of a schema encodes to exactly Meta.rowBytes()
// bytes: a 2-byte column count, then per column one flag byte followed by the
// column's fixed width. Sized payloads carry a 4-byte length inside their
// reserved capacity; decimals store sign, scale and a 16-byte magnitude.
// Integers are little-endian two's complement, floats IEEE-754 bits.

const (
	flagNull  = 0
	flagValue = 1
	flagZero  = 2

	decimalMagBytes = 16
)

// encodeRow writes r's image into buf, which must be exactly m.rowBytes()
// long. Slots are checked against the column kinds, so a decoded image always
// round-trips.
func encodeRow(m *Meta, r *Row, buf []byte) error {
	if len(buf) != m.rowBytes() {
		return fmt.Errorf("%w: image buffer is %d bytes, want %d", ErrInvalidSize, len(buf), m.rowBytes())
	}
	binary.LittleEndian.PutUint16(buf, uint16(m.NumColumns()))
	off := 2
	for i := 0; i < m.NumColumns(); i++ {
		c := m.Column(i)
		v := r.vals[i]
		width := fieldWidth(c)

		switch v.kind {
		case KindNull:
			buf[off] = flagNull
			zeroFill(buf[off+1 : off+1+width])
			off += 1 + width
			continue
		case KindZero:
			buf[off] = flagZero
			zeroFill(buf[off+1 : off+1+width])
			off += 1 + width
			continue
		}
		if v.kind != c.Kind {
			return fmt.Errorf("%w: column %q is %s, slot holds %s", ErrTypeMismatch, c.Name, c.Kind, v.kind)
		}

		buf[off] = flagValue
		field := buf[off+1 : off+1+width]
		if err := encodeField(c, v, field); err != nil {
			return fmt.Errorf("column %q: %w", c.Name, err)
		}
		off += 1 + width
	}
	return nil
}

// decodeRow rebuilds r from an image produced by encodeRow. The destination
// row must be bound to the same schema.
func decodeRow(m *Meta, buf []byte, r *Row) error {
	if len(buf) != m.rowBytes() {
		return fmt.Errorf("%w: image is %d bytes, want %d", ErrCorrupt, len(buf), m.rowBytes())
	}
	if n := int(binary.LittleEndian.Uint16(buf)); n != m.NumColumns() {
		return fmt.Errorf("%w: image has %d columns, schema has %d", ErrSchemaMismatch, n, m.NumColumns())
	}
	off := 2
	for i := 0; i < m.NumColumns(); i++ {
		c := m.Column(i)
		width := fieldWidth(c)
		flag := buf[off]
		field := buf[off+1 : off+1+width]
		off += 1 + width

		switch flag {
		case flagNull:
			r.vals[i] = Null()
		case flagZero:
			r.vals[i] = Zero()
		case flagValue:
			v, err := decodeField(c, field)
			if err != nil {
				return fmt.Errorf("column %q: %w", c.Name, err)
			}
			r.vals[i] = v
		default:
			return fmt.Errorf("%w: column %q has flag byte %d", ErrCorrupt, c.Name, flag)
		}
	}
	return nil
}

// fieldWidth is the reserved byte width of one column inside the row image,
// excluding the flag byte.
func fieldWidth(c Column) int {
	switch c.Kind {
	case KindString, KindBytes, KindBlob:
		return 4 + c.Bytes
	case KindDecimal:
		return 2 + decimalMagBytes
	default:
		return c.Bytes
	}
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func encodeField(c Column, v Variant, field []byte) error {
	switch c.Kind {
	case KindInt8, KindUint8:
		field[0] = byte(v.n)
	case KindInt16, KindUint16:
		binary.LittleEndian.PutUint16(field, uint16(v.n))
	case KindInt32, KindUint32:
		binary.LittleEndian.PutUint32(field, uint32(v.n))
	case KindInt64, KindDate, KindTime:
		binary.LittleEndian.PutUint64(field, uint64(v.n))
	case KindFloat:
		binary.LittleEndian.PutUint32(field, math.Float32bits(float32(v.f)))
	case KindDouble:
		binary.LittleEndian.PutUint64(field, math.Float64bits(v.f))
	case KindUUID, KindIPv6:
		copy(field, v.b)
	case KindString:
		if len(v.s) > c.Bytes {
			return fmt.Errorf("%w: %d bytes exceed capacity %d", ErrInvalidSize, len(v.s), c.Bytes)
		}
		binary.LittleEndian.PutUint32(field, uint32(len(v.s)))
		n := copy(field[4:], v.s)
		zeroFill(field[4+n:])
	case KindBytes, KindBlob:
		if len(v.b) > c.Bytes {
			return fmt.Errorf("%w: %d bytes exceed capacity %d", ErrInvalidSize, len(v.b), c.Bytes)
		}
		binary.LittleEndian.PutUint32(field, uint32(len(v.b)))
		n := copy(field[4:], v.b)
		zeroFill(field[4+n:])
	case KindDecimal:
		return encodeDecimal(v.dec, field)
	default:
		return fmt.Errorf("%w: %s is not storable", ErrTypeMismatch, c.Kind)
	}
	return nil
}

func decodeField(c Column, field []byte) (Variant, error) {
	switch c.Kind {
	case KindInt8:
		return NewInt8(int8(field[0])), nil
	case KindUint8:
		return NewUint8(field[0]), nil
	case KindInt16:
		return NewInt16(int16(binary.LittleEndian.Uint16(field))), nil
	case KindUint16:
		return NewUint16(binary.LittleEndian.Uint16(field)), nil
	case KindInt32:
		return NewInt32(int32(binary.LittleEndian.Uint32(field))), nil
	case KindUint32:
		return NewUint32(binary.LittleEndian.Uint32(field)), nil
	case KindInt64:
		return NewInt64(int64(binary.LittleEndian.Uint64(field))), nil
	case KindDate:
		return Variant{kind: KindDate, n: int64(binary.LittleEndian.Uint64(field))}, nil
	case KindTime:
		return Variant{kind: KindTime, n: int64(binary.LittleEndian.Uint64(field))}, nil
	case KindFloat:
		return NewFloat(math.Float32frombits(binary.LittleEndian.Uint32(field))), nil
	case KindDouble:
		return NewDouble(math.Float64frombits(binary.LittleEndian.Uint64(field))), nil
	case KindUUID:
		b := make([]byte, 16)
		copy(b, field)
		return Variant{kind: KindUUID, b: b}, nil
	case KindIPv6:
		b := make([]byte, 16)
		copy(b, field)
		return Variant{kind: KindIPv6, b: b}, nil
	case KindString:
		ln := int(binary.LittleEndian.Uint32(field))
		if ln > c.Bytes {
			return Null(), fmt.Errorf("%w: payload length %d exceeds capacity %d", ErrCorrupt, ln, c.Bytes)
		}
		return NewString(string(field[4 : 4+ln])), nil
	case KindBytes, KindBlob:
		ln := int(binary.LittleEndian.Uint32(field))
		if ln > c.Bytes {
			return Null(), fmt.Errorf("%w: payload length %d exceeds capacity %d", ErrCorrupt, ln, c.Bytes)
		}
		v := NewBytes(field[4 : 4+ln])
		v.kind = c.Kind
		return v, nil
	case KindDecimal:
		return decodeDecimal(field)
	}
	return Null(), fmt.Errorf("%w: %s is not storable", ErrTypeMismatch, c.Kind)
}

// encodeDecimal packs sign and scale into the leading two bytes and the
// magnitude big-endian into the remaining sixteen.
func encodeDecimal(d decimal.Decimal, field []byte) error {
	mag := d.Coefficient()
	sign := byte(0)
	if mag.Sign() < 0 {
		sign = 1
		mag = new(big.Int).Neg(mag)
	}
	raw := mag.Bytes()
	if len(raw) > decimalMagBytes {
		return fmt.Errorf("%w: decimal magnitude needs %d bytes, limit %d", ErrInvalidSize, len(raw), decimalMagBytes)
	}
	exp := d.Exponent()
	if exp < -127 || exp > 127 {
		return fmt.Errorf("%w: decimal scale %d out of range", ErrInvalidSize, exp)
	}
	field[0] = sign
	field[1] = byte(int8(exp))
	zeroFill(field[2 : 2+decimalMagBytes-len(raw)])
	copy(field[2+decimalMagBytes-len(raw):], raw)
	return nil
}

func decodeDecimal(field []byte) (Variant, error) {
	mag := new(big.Int).SetBytes(field[2 : 2+decimalMagBytes])
	if field[0] == 1 {
		mag.Neg(mag)
	}
	exp := int32(int8(field[1]))
	return NewDecimal(decimal.NewFromBigInt(mag, exp)), nil
}
