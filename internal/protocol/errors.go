package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrBadMagic              = errors.New("protocol: bad magic")
	ErrUnsupportedVersion    = errors.New("protocol: unsupported version")
	ErrUnexpectedMessageType = errors.New("protocol: unexpected message type")
	ErrTruncated             = errors.New("protocol: truncated data")
	ErrMalformed             = errors.New("protocol: malformed payload")
	ErrInvalidRequest        = errors.New("protocol: invalid request")
	ErrUnknownLayout         = errors.New("protocol: unknown header layout")
)

// ProtocolError is a decode failure that can still be answered on the wire.
// RequestID is only meaningful when HeaderParsed is true.
type ProtocolError struct {
	Status       Status
	RequestID    uint32
	HeaderParsed bool
	Err          error
}

func (e *ProtocolError) Error() string {
	if e.HeaderParsed {
		return fmt.Sprintf("%v (request_id=%d status=%s)", e.Err, e.RequestID, e.Status)
	}
	return fmt.Sprintf("%v (status=%s)", e.Err, e.Status)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// StatusFor maps a decode or dispatch error onto the status table.
func StatusFor(err error) Status {
	var perr *ProtocolError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &perr):
		return perr.Status
	case errors.Is(err, ErrBadMagic):
		return StatusBadMagic
	case errors.Is(err, ErrUnsupportedVersion):
		return StatusUnsupportedVersion
	case errors.Is(err, ErrUnexpectedMessageType):
		return StatusUnexpectedType
	case errors.Is(err, ErrTruncated), errors.Is(err, ErrMalformed):
		return StatusMalformed
	case errors.Is(err, ErrInvalidRequest):
		return StatusInvalidRequest
	default:
		return StatusEngineError
	}
}

func newProtocolError(status Status, h *Header, err error) *ProtocolError {
	pe := &ProtocolError{Status: status, Err: err}
	if h != nil {
		pe.HeaderParsed = true
		pe.RequestID = h.RequestID
	}
	return pe
}
