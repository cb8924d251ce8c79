package protocol

import (
	"fmt"
	"strings"
)

const (
	// Magic identifies the protocol family ("BRDR").
	Magic uint32 = 0x42524452
	// Version is the current structured RPC generation.
	Version uint32 = 2
)

// MessageType is the header message_type field.
type MessageType uint32

const (
	MessageRequest  MessageType = 1
	MessageResponse MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	default:
		return fmt.Sprintf("message_type(%d)", uint32(t))
	}
}

// Status is the response status field. Values are stable within a build.
//
//	0 ok
//	1 bad magic
//	2 unsupported version
//	3 unexpected message type
//	4 malformed (truncated, inconsistent lengths, oversized frame, trailing bytes)
//	5 invalid request (zero or oversized batch, meta or image over limit, unknown engine)
//	6 engine error (transformation failed)
type Status uint32

const (
	StatusOK                 Status = 0
	StatusBadMagic           Status = 1
	StatusUnsupportedVersion Status = 2
	StatusUnexpectedType     Status = 3
	StatusMalformed          Status = 4
	StatusInvalidRequest     Status = 5
	StatusEngineError        Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadMagic:
		return "bad_magic"
	case StatusUnsupportedVersion:
		return "unsupported_version"
	case StatusUnexpectedType:
		return "unexpected_message_type"
	case StatusMalformed:
		return "malformed"
	case StatusInvalidRequest:
		return "invalid_request"
	case StatusEngineError:
		return "engine_error"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// IsProtocol reports whether s belongs to the protocol error class.
func (s Status) IsProtocol() bool {
	return s >= StatusBadMagic && s <= StatusMalformed
}

// Layout selects the header field widths on the wire.
type Layout int

const (
	// LayoutWord packs every header field as u32 (16 bytes).
	LayoutWord Layout = iota
	// LayoutPacked packs version and message_type as u8 (10 bytes).
	LayoutPacked
)

func (l Layout) HeaderSize() int {
	if l == LayoutPacked {
		return 4 + 1 + 1 + 4
	}
	return 4 * 4
}

func (l Layout) String() string {
	switch l {
	case LayoutWord:
		return "word"
	case LayoutPacked:
		return "packed"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

func ParseLayout(raw string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "word", "u32":
		return LayoutWord, nil
	case "packed", "byte", "u8":
		return LayoutPacked, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownLayout, raw)
	}
}

// Header is the fixed prefix of every v2 request payload.
type Header struct {
	Magic       uint32
	Version     uint32
	MessageType MessageType
	RequestID   uint32
}

// Request is one decoded batch request.
type Request struct {
	Header Header
	Engine uint8
	Meta   string
	GPUID  int32
	Images [][]byte
}

// Response is one batch reply. Results is empty unless Status is StatusOK.
type Response struct {
	RequestID uint32
	Status    Status
	Error     string
	Results   [][]byte
}

// Limits bounds what a decoded request may carry.
type Limits struct {
	MaxMetaBytes  uint32
	MaxImageBytes uint32
	MaxBatchItems uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxMetaBytes:  64,
		MaxImageBytes: 50 * 1024 * 1024,
		MaxBatchItems: 8,
	}
}
