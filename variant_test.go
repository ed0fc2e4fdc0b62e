package flintdb

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariantConstructorsAndGetters(t *testing.T) {
	v := NewInt32(-7)
	assert.Equal(t, KindInt32, v.Kind())
	n, err := v.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), n)

	// getter on the wrong kind
	_, err = v.Str()
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = v.Int64()
	assert.ErrorIs(t, err, ErrTypeMismatch)

	s := NewString("hello")
	got, err := s.Str()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	d := NewDouble(2.5)
	f, err := d.Double()
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	u := uuid.MustParse("0f9c2b8e-3f2a-4d6c-8b1a-1234567890ab")
	uv := NewUUID(u)
	back, err := uv.UUID()
	require.NoError(t, err)
	assert.Equal(t, u, back)
}

func TestVariantNullAndZero(t *testing.T) {
	assert.True(t, Null().IsNil())
	assert.False(t, Null().IsZero())
	assert.True(t, Zero().IsZero())
	assert.False(t, Zero().IsNil())

	assert.True(t, NewInt32(0).IsZero())
	assert.False(t, NewInt32(1).IsZero())
	assert.True(t, NewString("").IsZero())
	assert.True(t, NewBytes([]byte{0, 0}).IsZero())
	assert.False(t, NewBytes([]byte{0, 1}).IsZero())
}

func TestVariantBytesCopied(t *testing.T) {
	src := []byte{1, 2, 3}
	v := NewBytes(src)
	src[0] = 99
	b, err := v.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	// the returned slice is a copy too
	b[1] = 77
	b2, _ := v.Bytes()
	assert.Equal(t, []byte{1, 2, 3}, b2)
}

func TestVariantEqual(t *testing.T) {
	assert.True(t, NewInt32(5).Equal(NewInt32(5)))
	assert.False(t, NewInt32(5).Equal(NewInt32(6)))
	// same number, different kind
	assert.False(t, NewInt32(5).Equal(NewInt64(5)))
	assert.True(t, Null().Equal(Null()))
	assert.False(t, Null().Equal(Zero()))

	d1, _ := decimal.NewFromString("1.50")
	d2, _ := decimal.NewFromString("1.5")
	assert.True(t, NewDecimal(d1).Equal(NewDecimal(d2)))
}

func TestVariantCompare(t *testing.T) {
	// null first, then zero sentinel, then values
	assert.Negative(t, Null().Compare(Zero()))
	assert.Negative(t, Null().Compare(NewInt32(-100)))
	assert.Negative(t, Zero().Compare(NewInt32(-100)))
	assert.Zero(t, Null().Compare(Null()))

	assert.Negative(t, NewInt32(1).Compare(NewInt32(2)))
	assert.Positive(t, NewInt32(2).Compare(NewInt32(1)))
	assert.Zero(t, NewInt32(2).Compare(NewInt32(2)))

	// numeric widening across kinds
	assert.Zero(t, NewInt32(5).Compare(NewInt64(5)))
	assert.Negative(t, NewInt16(3).Compare(NewDouble(3.5)))
	d, _ := decimal.NewFromString("4.25")
	assert.Positive(t, NewDecimal(d).Compare(NewInt32(4)))

	assert.Negative(t, NewString("apple").Compare(NewString("banana")))
	assert.Negative(t, NewBytes([]byte{1}).Compare(NewBytes([]byte{2})))
}

func TestVariantStringParseRoundTrip(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	u := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	dec, _ := decimal.NewFromString("-12.345")
	ip, err := NewIPv6(net.ParseIP("2001:db8::1"))
	require.NoError(t, err)

	cases := []Variant{
		NewInt8(-5),
		NewUint16(65000),
		NewInt64(1 << 40),
		NewDouble(3.25),
		NewString("plain text"),
		NewDecimal(dec),
		NewBytes([]byte{0xde, 0xad, 0xbe, 0xef}),
		NewDate(day),
		NewTime(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)),
		NewUUID(u),
		ip,
	}
	for _, v := range cases {
		back, err := ParseVariant(v.Kind(), v.String())
		require.NoError(t, err, v.String())
		assert.True(t, v.Equal(back), "%s: %s != %s", v.Kind(), v.String(), back.String())
	}
}

func TestParseVariantEmptyIsNull(t *testing.T) {
	for _, k := range []Kind{KindInt32, KindDouble, KindDate, KindUUID, KindBytes} {
		v, err := ParseVariant(k, "")
		require.NoError(t, err)
		assert.True(t, v.IsNil(), k)
	}
	// STRING keeps the empty string
	v, err := ParseVariant(KindString, "")
	require.NoError(t, err)
	assert.False(t, v.IsNil())
	assert.True(t, v.IsZero())
}

func TestParseVariantErrors(t *testing.T) {
	_, err := ParseVariant(KindInt32, "abc")
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = ParseVariant(KindInt8, "300")
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = ParseVariant(KindUUID, "not-a-uuid")
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = ParseVariant(KindIPv6, "999.1.1.1")
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = ParseVariant(KindBytes, "zz")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestParseVariantTimeAcceptsDateForm(t *testing.T) {
	v, err := ParseVariant(KindTime, "2024-03-15")
	require.NoError(t, err)
	ts, err := v.Time()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), ts)
}

func TestKindOfRoundTrip(t *testing.T) {
	kinds := []Kind{
		KindInt8, KindUint8, KindInt16, KindUint16, KindInt32, KindUint32,
		KindInt64, KindDouble, KindFloat, KindString, KindDecimal, KindBytes,
		KindDate, KindTime, KindUUID, KindIPv6, KindBlob,
	}
	for _, k := range kinds {
		assert.Equal(t, k, KindOf(k.String()), k.String())
	}
	assert.Equal(t, KindInt32, KindOf("integer"))
	assert.Equal(t, KindInt64, KindOf("TYPE_INT64"))
	assert.Equal(t, KindString, KindOf("varchar"))
	assert.Equal(t, KindNull, KindOf("whatever"))
}

func TestNewIPv6WidensV4(t *testing.T) {
	v, err := NewIPv6(net.ParseIP("192.168.1.10"))
	require.NoError(t, err)
	ip, err := v.IPv6()
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("192.168.1.10")))
}
