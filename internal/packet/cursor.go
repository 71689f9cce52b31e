// Package packet implements the compact variable-length integer encoding
// carried inside voice datagrams, plus a rewindable read cursor over them.
package packet

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned when a read would consume past the end of the
// buffer. Callers treat it as a truncated datagram and drop the packet.
var ErrOutOfBounds = errors.New("packet: read past end of buffer")

// Cursor is a forward reader over an immutable byte slice. The zero value is
// an empty cursor.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a cursor positioned at the first byte of b.
func NewCursor(b []byte) *Cursor {
	return &Cursor{buf: b}
}

// Skip advances the position by n bytes. Callers only skip fixed header
// fields, so an out-of-range skip is a programming error and panics.
func (c *Cursor) Skip(n int) {
	if n < 0 || c.pos+n > len(c.buf) {
		panic(fmt.Sprintf("packet: skip %d at %d exceeds length %d", n, c.pos, len(c.buf)))
	}
	c.pos += n
}

// Rewind moves the position back to the start of the buffer.
func (c *Cursor) Rewind() { c.pos = 0 }

// Pos returns the current read offset.
func (c *Cursor) Pos() int { return c.pos }

// Len returns the total buffer length.
func (c *Cursor) Len() int { return len(c.buf) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Bytes returns the whole underlying buffer regardless of position.
// The slice aliases the cursor's data.
func (c *Cursor) Bytes() []byte { return c.buf }

// ReadByte consumes one byte.
func (c *Cursor) ReadByte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, ErrOutOfBounds
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// ReadBytes consumes n bytes. The returned slice aliases the buffer.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, ErrOutOfBounds
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadVarUint decodes one prefix-tagged variable-length integer.
//
//	0xxxxxxx                      7-bit value
//	10xxxxxx + 1 byte             14-bit value
//	110xxxxx + 2 bytes            21-bit value
//	1110xxxx + 3 bytes            28-bit value
//	111100__ + 4 bytes            32-bit value
//	111101__ + 8 bytes            64-bit value
//	111110__ + varint             bitwise NOT of the following varint
//	111111xx                      bitwise NOT of the 2-bit value xx
//
// On error the position is left where the failing read stopped.
func (c *Cursor) ReadVarUint() (uint64, error) {
	b, err := c.ReadByte()
	if err != nil {
		return 0, err
	}
	v := uint64(b)

	switch {
	case v&0x80 == 0x00:
		return v & 0x7F, nil
	case v&0xC0 == 0x80:
		return c.tail(v&0x3F, 1)
	case v&0xF0 == 0xF0:
		switch v & 0xFC {
		case 0xF0:
			return c.tail(0, 4)
		case 0xF4:
			return c.tail(0, 8)
		case 0xF8:
			inner, err := c.ReadVarUint()
			if err != nil {
				return 0, err
			}
			return ^inner, nil
		default: // 0xFC
			return ^(v & 0x03), nil
		}
	case v&0xF0 == 0xE0:
		return c.tail(v&0x0F, 3)
	default: // 110xxxxx
		return c.tail(v&0x1F, 2)
	}
}

// tail shifts n more big-endian bytes onto the prefix bits.
func (c *Cursor) tail(prefix uint64, n int) (uint64, error) {
	b, err := c.ReadBytes(n)
	if err != nil {
		return 0, err
	}
	v := prefix
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

// AppendVarUint appends the shortest encoding of v to dst. Values whose
// bitwise complement fits in 32 bits with the top bit of v set are written
// with the negative tags, mirroring the server's encoder.
func AppendVarUint(dst []byte, v uint64) []byte {
	if v&0x8000000000000000 != 0 && ^v < 0x100000000 {
		n := ^v
		if n <= 0x3 {
			return append(dst, 0xFC|byte(n))
		}
		dst = append(dst, 0xF8)
		v = n
	}

	switch {
	case v < 0x80:
		return append(dst, byte(v))
	case v < 0x4000:
		return append(dst, byte(v>>8)|0x80, byte(v))
	case v < 0x200000:
		return append(dst, byte(v>>16)|0xC0, byte(v>>8), byte(v))
	case v < 0x10000000:
		return append(dst, byte(v>>24)|0xE0, byte(v>>16), byte(v>>8), byte(v))
	case v < 0x100000000:
		return append(dst, 0xF0, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(dst, 0xF4,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}
