package protocol

import (
	"encoding/binary"
	"fmt"
)

// cursor walks an untrusted payload. Every read is bounds-checked against
// the remaining bytes before slicing.
type cursor struct {
	buf []byte
	off int
}

func newCursor(buf []byte) *cursor {
	return &cursor{buf: buf}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) u8(field string) (uint8, error) {
	if c.remaining() < 1 {
		return 0, fmt.Errorf("%w: missing %s", ErrTruncated, field)
	}
	v := c.buf[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u32(field string) (uint32, error) {
	if c.remaining() < 4 {
		return 0, fmt.Errorf("%w: missing %s", ErrTruncated, field)
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off : c.off+4])
	c.off += 4
	return v, nil
}

func (c *cursor) i32(field string) (int32, error) {
	v, err := c.u32(field)
	return int32(v), err
}

// bytes copies n bytes so decoded values never alias the frame buffer.
func (c *cursor) bytes(n uint32, field string) ([]byte, error) {
	if uint64(n) > uint64(c.remaining()) {
		return nil, fmt.Errorf("%w: %s declares %d bytes, %d remain", ErrTruncated, field, n, c.remaining())
	}
	end := c.off + int(n)
	out := make([]byte, n)
	copy(out, c.buf[c.off:end])
	c.off = end
	return out, nil
}

func appendU32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func appendBlob(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}
