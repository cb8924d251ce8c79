package protocol

import (
	"errors"
	"fmt"
)

// EncodeHeader writes h using the codec's layout.
func (c Codec) EncodeHeader(h Header) ([]byte, error) {
	buf := make([]byte, 0, c.Layout.HeaderSize())
	buf = appendU32(buf, h.Magic)
	switch c.Layout {
	case LayoutPacked:
		if h.Version > 0xFF || uint32(h.MessageType) > 0xFF {
			return nil, fmt.Errorf("%w: version %d or message_type %d overflows packed layout", ErrMalformed, h.Version, h.MessageType)
		}
		buf = append(buf, byte(h.Version), byte(h.MessageType))
	case LayoutWord:
		buf = appendU32(buf, h.Version)
		buf = appendU32(buf, uint32(h.MessageType))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayout, c.Layout)
	}
	return appendU32(buf, h.RequestID), nil
}

// EncodeRequest serializes req. Zero Magic/Version/MessageType are filled
// with the codec defaults so callers only need to set RequestID.
func (c Codec) EncodeRequest(req Request) ([]byte, error) {
	h := req.Header
	if h.Magic == 0 {
		h.Magic = Magic
	}
	if h.Version == 0 {
		h.Version = c.HeaderVersion()
	}
	if h.MessageType == 0 {
		h.MessageType = MessageRequest
	}
	buf, err := c.EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	buf = append(buf, req.Engine)
	buf = appendBlob(buf, []byte(req.Meta))
	buf = appendU32(buf, uint32(req.GPUID))
	buf = appendU32(buf, uint32(len(req.Images)))
	for _, img := range req.Images {
		buf = appendBlob(buf, img)
	}
	return buf, nil
}

// EncodeResponse serializes resp. Lengths come from the data present.
func EncodeResponse(resp Response) []byte {
	size := 4 * 4
	size += len(resp.Error)
	for _, r := range resp.Results {
		size += 4 + len(r)
	}
	buf := make([]byte, 0, size)
	buf = appendU32(buf, resp.RequestID)
	buf = appendU32(buf, uint32(resp.Status))
	buf = appendBlob(buf, []byte(resp.Error))
	buf = appendU32(buf, uint32(len(resp.Results)))
	for _, r := range resp.Results {
		buf = appendBlob(buf, r)
	}
	return buf
}

// ErrorResponse builds the failure reply for err, echoing requestID.
func ErrorResponse(requestID uint32, err error) Response {
	msg := err.Error()
	var perr *ProtocolError
	if errors.As(err, &perr) && perr.Err != nil {
		msg = perr.Err.Error()
	}
	return Response{
		RequestID: requestID,
		Status:    StatusFor(err),
		Error:     msg,
	}
}
