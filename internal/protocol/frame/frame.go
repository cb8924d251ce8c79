package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PrefixLen is the size of the little-endian length prefix on every frame.
const PrefixLen = 4

var (
	ErrTruncatedFrame = errors.New("frame: truncated frame")
	ErrFrameTooLarge  = errors.New("frame: frame too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 512 * 1024 * 1024,
	}
}

// flusher is satisfied by *bufio.Writer and similar buffered sinks.
type flusher interface {
	Flush() error
}

// ReadFrame reads one length-prefixed payload from r.
//
// io.EOF is returned only when the stream closed cleanly before the first
// prefix byte. A zero-length frame yields an empty, non-nil payload.
// Oversized frames are drained so the stream stays aligned on the next
// frame boundary.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	n, err := readPrefix(r)
	if err != nil {
		return nil, err
	}
	if limits.MaxFrameBytes > 0 && n > limits.MaxFrameBytes {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, fmt.Errorf("%w: draining %d byte frame: %v", ErrTruncatedFrame, n, err)
		}
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, n, limits.MaxFrameBytes)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: want %d payload bytes: %v", ErrTruncatedFrame, n, err)
		}
	}
	return payload, nil
}

// WriteFrame writes the prefix and payload, then flushes w when it buffers.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if limits.MaxFrameBytes > 0 && uint64(len(payload)) > uint64(limits.MaxFrameBytes) {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, len(payload), limits.MaxFrameBytes)
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d bytes does not fit a u32 prefix", ErrFrameTooLarge, len(payload))
	}
	var prefix [PrefixLen]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return Flush(w)
}

// WriteSentinel writes the zero-length shutdown frame.
func WriteSentinel(w io.Writer) error {
	return WriteFrame(w, nil, Limits{})
}

// ReadUint32 reads one little-endian u32. It follows ReadFrame's EOF rules.
func ReadUint32(r io.Reader) (uint32, error) {
	return readPrefix(r)
}

// WriteUint32 writes one little-endian u32 without flushing.
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// Flush flushes w if it is a buffered writer.
func Flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func readPrefix(r io.Reader) (uint32, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: short length prefix", ErrTruncatedFrame)
		}
		return 0, err
	}
	return binary.LittleEndian.Uint32(prefix[:]), nil
}
