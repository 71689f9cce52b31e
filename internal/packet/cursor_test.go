package packet

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000,
		0x0FFFFFFF, 0x10000000, 0xFFFFFFFF, 0x100000000,
		math.MaxUint64 >> 1, 1 << 63,
		// Negative tags: ^0 .. ^3 fit in one byte, larger complements recurse.
		math.MaxUint64, math.MaxUint64 - 1, math.MaxUint64 - 3,
		math.MaxUint64 - 4, math.MaxUint64 - 0x7F, math.MaxUint64 - 0xFFFFFFFF,
		math.MaxUint64 - 0x100000000,
	}
	for _, v := range values {
		enc := AppendVarUint(nil, v)
		c := NewCursor(enc)
		got, err := c.ReadVarUint()
		require.NoError(t, err, "value %#x", v)
		assert.Equal(t, v, got, "value %#x encoded as %x", v, enc)
		assert.Zero(t, c.Remaining(), "value %#x left trailing bytes", v)
	}
}

func TestVarUintRoundTripSweep(t *testing.T) {
	// Walk every bit position plus its neighbours.
	for shift := 0; shift < 64; shift++ {
		base := uint64(1) << shift
		for _, v := range []uint64{base - 1, base, base + 1, ^base} {
			got, err := NewCursor(AppendVarUint(nil, v)).ReadVarUint()
			require.NoError(t, err)
			require.Equal(t, v, got, "value %#x", v)
		}
	}
}

func TestVarUintEncodingLengths(t *testing.T) {
	cases := []struct {
		v    uint64
		want []byte
	}{
		{0x00, []byte{0x00}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x80, 0x80}},
		{0x3FFF, []byte{0xBF, 0xFF}},
		{0x4000, []byte{0xC0, 0x40, 0x00}},
		{0x200000, []byte{0xE0, 0x20, 0x00, 0x00}},
		{0x10000000, []byte{0xF0, 0x10, 0x00, 0x00, 0x00}},
		{0x100000000, []byte{0xF4, 0, 0, 0, 1, 0, 0, 0, 0}},
		{math.MaxUint64, []byte{0xFC}},
		{math.MaxUint64 - 2, []byte{0xFE}},
		{math.MaxUint64 - 4, []byte{0xF8, 0x04}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, AppendVarUint(nil, tc.v), "value %#x", tc.v)
	}
}

func TestReadVarUintTruncated(t *testing.T) {
	for _, b := range [][]byte{
		{},
		{0x80},
		{0xC0, 0x01},
		{0xE0, 0x01, 0x02},
		{0xF0, 0x01, 0x02, 0x03},
		{0xF4, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
		{0xF8},
		{0xF8, 0x80},
	} {
		_, err := NewCursor(b).ReadVarUint()
		assert.ErrorIs(t, err, ErrOutOfBounds, "input %x", b)
	}
}

func TestSkipAndRewind(t *testing.T) {
	c := NewCursor([]byte{0x80, 0x05, 0x2A, 0x07})
	c.Skip(1)
	assert.Equal(t, 1, c.Pos())

	v, err := c.ReadVarUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x05), v)

	b, err := c.ReadBytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2A, 0x07}, b)
	assert.Zero(t, c.Remaining())

	_, err = c.ReadByte()
	assert.ErrorIs(t, err, ErrOutOfBounds)

	c.Rewind()
	assert.Equal(t, 0, c.Pos())
	assert.Equal(t, 4, c.Remaining())
	first, err := c.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), first)
}

func TestSkipPastEndPanics(t *testing.T) {
	c := NewCursor([]byte{1, 2})
	assert.Panics(t, func() { c.Skip(3) })
	assert.Panics(t, func() { c.Skip(-1) })
	assert.NotPanics(t, func() { c.Skip(2) })
}

func TestReadBytesOutOfBoundsLeavesPosition(t *testing.T) {
	c := NewCursor([]byte{1, 2, 3})
	c.Skip(1)
	_, err := c.ReadBytes(5)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Equal(t, 1, c.Pos())
}
