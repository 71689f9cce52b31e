package mumbleproto

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderLen is the fixed control frame header: u16 type, u32 payload length.
const HeaderLen = 6

var (
	ErrShortHeader     = errors.New("mumbleproto: short frame header")
	ErrPayloadTooLarge = errors.New("mumbleproto: payload too large")
)

// Frame is one undecoded control message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

// DefaultLimits allows the largest message a stock server sends (channel
// descriptions and user textures), with headroom.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

// ReadFrame blocks until one complete frame has been read from r. A clean
// end of stream before any header byte is reported as io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	t := MessageType(binary.BigEndian.Uint16(hdr[0:2]))
	n := binary.BigEndian.Uint32(hdr[2:6])
	if n > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: t, Payload: payload}, nil
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(f.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...)
}

// WriteFrame writes f to w in a single Write call so concurrent writers
// sharing a lock never interleave a header with another frame's payload.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderLen+len(f.Payload)), f))
	return err
}
