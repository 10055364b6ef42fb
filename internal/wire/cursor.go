package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"pkt.systems/gridlock/api"
)

// cursor reads fixed-width little-endian fields from a payload, checking
// bounds on every read.
type cursor struct {
	buf []byte
	off int
	op  string
}

func newCursor(op string, payload []byte) *cursor {
	return &cursor{buf: payload, op: op}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) take(n int, field string) ([]byte, error) {
	if c.remaining() < n {
		return nil, api.Errorf(api.KindProtocolTruncated, c.op, "%s needs %d bytes at offset %d, have %d", field, n, c.off, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) int16(field string) (int16, error) {
	b, err := c.take(2, field)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

func (c *cursor) int32(field string) (int32, error) {
	b, err := c.take(4, field)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// float32 reads an IEEE 754 single, the wire's lock timestamp format.
func (c *cursor) float32(field string) (float64, error) {
	b, err := c.take(4, field)
	if err != nil {
		return 0, err
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
}

func (c *cursor) count(field string) (int, error) {
	n, err := c.int32(field)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, api.Errorf(api.KindProtocolMalformed, c.op, "%s is negative (%d)", field, n)
	}
	return int(n), nil
}

// lstring reads a uint32 length followed by that many bytes.
func (c *cursor) lstring(field string, limit int) (string, error) {
	b, err := c.take(4, field+" length")
	if err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(c.remaining()) {
		return "", api.Errorf(api.KindProtocolMalformed, c.op, "%s length %d exceeds remaining %d bytes", field, n, c.remaining())
	}
	if limit > 0 && int(n) > limit {
		return "", api.Errorf(api.KindProtocolMalformed, c.op, "%s length %d exceeds limit %d", field, n, limit)
	}
	s := string(c.buf[c.off : c.off+int(n)])
	c.off += int(n)
	return s, nil
}

// cstring consumes the rest of the payload and returns the bytes before the
// first NUL.
func (c *cursor) cstring() string {
	rest := c.buf[c.off:]
	c.off = len(c.buf)
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rest = rest[:i]
	}
	return string(rest)
}

func (c *cursor) end() error {
	if c.remaining() != 0 {
		return api.Errorf(api.KindProtocolMalformed, c.op, "%d unexpected trailing bytes", c.remaining())
	}
	return nil
}

// builder appends little-endian fields.
type builder struct {
	buf []byte
}

func (b *builder) int16(v int16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, uint16(v))
}

func (b *builder) int32(v int32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(v))
}

// float32 appends t as an IEEE 754 single. Unix seconds lose their low bits
// in the conversion, as they do on the server.
func (b *builder) float32(t float64) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, math.Float32bits(float32(t)))
}

func (b *builder) lstring(s string) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(s)))
	b.buf = append(b.buf, s...)
}

func (b *builder) raw(s string) {
	b.buf = append(b.buf, s...)
}
