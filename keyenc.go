package flintdb

import (
	"fmt"
	"math"

	"github.com/jgraettinger/cockroach-encoding/encoding"
)

// Index keys are order-preserving byte encodings of the key columns followed
// by the row identifier as a varint suffix, so equal keys stay unique and
// iterate in insertion order.

// encodeVariantKey appends an order-preserving encoding of v to b. Null sorts
// before every value; the zero sentinel encodes as its kind's zero.
func encodeVariantKey(b []byte, c Column, v Variant) ([]byte, error) {
	if v.kind == KindNull {
		return encoding.EncodeNullAscending(b), nil
	}
	switch c.Kind {
	case KindInt8, KindUint8, KindInt16, KindUint16, KindInt32, KindUint32,
		KindInt64, KindDate, KindTime:
		return encoding.EncodeVarintAscending(b, v.n), nil
	case KindFloat, KindDouble:
		var raw [8]byte
		putFloatSortBits(raw[:], v.toFloat())
		return encoding.EncodeBytesAscending(b, raw[:]), nil
	case KindString:
		if v.kind == KindZero {
			return encoding.EncodeStringAscending(b, ""), nil
		}
		return encoding.EncodeStringAscending(b, v.s), nil
	case KindBytes, KindBlob, KindUUID, KindIPv6:
		if v.kind == KindZero {
			return encoding.EncodeBytesAscending(b, nil), nil
		}
		return encoding.EncodeBytesAscending(b, v.b), nil
	}
	return nil, fmt.Errorf("%w: %s column %q has no key encoding", ErrTypeMismatch, c.Kind, c.Name)
}

// putFloatSortBits writes an 8-byte big-endian transform of f whose
// unsigned byte order matches the numeric order of f.
func putFloatSortBits(dst []byte, f float64) {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	for i := 7; i >= 0; i-- {
		dst[i] = byte(bits)
		bits >>= 8
	}
}

// encodeIndexKey builds the full index entry key for r under the given index:
// every key column in declared order, then the row identifier.
func encodeIndexKey(m *Meta, ix Index, r *Row, id int64) ([]byte, error) {
	key, err := encodeIndexPrefix(m, ix, r, len(ix.Keys))
	if err != nil {
		return nil, err
	}
	return encoding.EncodeVarintAscending(key, id), nil
}

// encodeIndexPrefix encodes the first n key columns of r, without the row
// identifier suffix. It is the seek form used by range scans.
func encodeIndexPrefix(m *Meta, ix Index, r *Row, n int) ([]byte, error) {
	var key []byte
	for _, name := range ix.Keys[:n] {
		at := m.ColumnAt(name)
		if at < 0 {
			return nil, fmt.Errorf("%w: index %q references %q", ErrUnknownColumn, ix.Name, name)
		}
		var err error
		key, err = encodeVariantKey(key, m.Column(at), r.vals[at])
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// prefixSuccessor returns the shortest key greater than every key having b as
// a prefix, or nil when no such key exists.
func prefixSuccessor(b []byte) []byte {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			out := make([]byte, i+1)
			copy(out, b[:i+1])
			out[i]++
			return out
		}
	}
	return nil
}
