package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// DecodeHeader parses the fixed header at the start of payload. It checks
// only that enough bytes exist; policy checks happen in DecodeRequest.
func (c Codec) DecodeHeader(payload []byte) (Header, error) {
	size := c.Layout.HeaderSize()
	if len(payload) < size {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTruncated, size, len(payload))
	}
	h := Header{Magic: binary.LittleEndian.Uint32(payload[0:4])}
	switch c.Layout {
	case LayoutPacked:
		h.Version = uint32(payload[4])
		h.MessageType = MessageType(payload[5])
		h.RequestID = binary.LittleEndian.Uint32(payload[6:10])
	case LayoutWord:
		h.Version = binary.LittleEndian.Uint32(payload[4:8])
		h.MessageType = MessageType(binary.LittleEndian.Uint32(payload[8:12]))
		h.RequestID = binary.LittleEndian.Uint32(payload[12:16])
	default:
		return Header{}, fmt.Errorf("%w: %s", ErrUnknownLayout, c.Layout)
	}
	return h, nil
}

// DecodeRequest parses one v2 request payload. Every failure is a
// *ProtocolError carrying the best-known request id.
func (c Codec) DecodeRequest(payload []byte) (Request, error) {
	h, err := c.DecodeHeader(payload)
	if err != nil {
		return Request{}, newProtocolError(StatusMalformed, nil, err)
	}
	if h.Magic != Magic {
		return Request{}, newProtocolError(StatusBadMagic, &h,
			fmt.Errorf("%w: got 0x%08X, expected 0x%08X", ErrBadMagic, h.Magic, Magic))
	}
	knownVersion := c.acceptsVersion(h.Version)
	if !knownVersion && c.StrictVersion {
		return Request{}, newProtocolError(StatusUnsupportedVersion, &h,
			fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version))
	}
	if h.MessageType != MessageRequest {
		return Request{}, newProtocolError(StatusUnexpectedType, &h,
			fmt.Errorf("%w: %s", ErrUnexpectedMessageType, h.MessageType))
	}

	req, err := c.decodeBody(h, payload[c.Layout.HeaderSize():])
	if err != nil {
		status := StatusFor(err)
		if !knownVersion && status == StatusMalformed {
			return Request{}, newProtocolError(StatusUnsupportedVersion, &h,
				fmt.Errorf("%w: %d (body does not parse: %v)", ErrUnsupportedVersion, h.Version, err))
		}
		return Request{}, newProtocolError(status, &h, err)
	}
	return req, nil
}

func (c Codec) decodeBody(h Header, body []byte) (Request, error) {
	cur := newCursor(body)
	req := Request{Header: h}

	engine, err := cur.u8("engine")
	if err != nil {
		return Request{}, err
	}
	req.Engine = engine

	metaLen, err := cur.u32("meta_len")
	if err != nil {
		return Request{}, err
	}
	if c.Limits.MaxMetaBytes > 0 && metaLen > c.Limits.MaxMetaBytes {
		return Request{}, fmt.Errorf("%w: meta is %d bytes, limit %d", ErrInvalidRequest, metaLen, c.Limits.MaxMetaBytes)
	}
	meta, err := cur.bytes(metaLen, "meta")
	if err != nil {
		return Request{}, err
	}
	if !utf8.Valid(meta) {
		return Request{}, fmt.Errorf("%w: meta is not valid UTF-8", ErrInvalidRequest)
	}
	req.Meta = string(meta)

	if req.GPUID, err = cur.i32("gpu_id"); err != nil {
		return Request{}, err
	}

	count, err := cur.u32("image_count")
	if err != nil {
		return Request{}, err
	}
	if count == 0 {
		return Request{}, fmt.Errorf("%w: image_count must be positive", ErrInvalidRequest)
	}
	if c.Limits.MaxBatchItems > 0 && count > c.Limits.MaxBatchItems {
		return Request{}, fmt.Errorf("%w: image_count %d exceeds max batch items %d", ErrInvalidRequest, count, c.Limits.MaxBatchItems)
	}
	// Each image needs at least its size field.
	if uint64(count)*4 > uint64(cur.remaining()) {
		return Request{}, fmt.Errorf("%w: image_count %d cannot fit in %d bytes", ErrTruncated, count, cur.remaining())
	}

	req.Images = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		field := fmt.Sprintf("image[%d]", i)
		size, err := cur.u32(field + " size")
		if err != nil {
			return Request{}, err
		}
		if c.Limits.MaxImageBytes > 0 && size > c.Limits.MaxImageBytes {
			return Request{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrInvalidRequest, field, size, c.Limits.MaxImageBytes)
		}
		img, err := cur.bytes(size, field)
		if err != nil {
			return Request{}, err
		}
		req.Images = append(req.Images, img)
	}

	if cur.remaining() > 0 {
		return Request{}, fmt.Errorf("%w: %d trailing bytes after images", ErrMalformed, cur.remaining())
	}
	return req, nil
}

// DecodeResponse parses one v2 response payload (controller side).
func DecodeResponse(payload []byte) (Response, error) {
	cur := newCursor(payload)
	var resp Response
	var err error

	if resp.RequestID, err = cur.u32("request_id"); err != nil {
		return Response{}, err
	}
	status, err := cur.u32("status")
	if err != nil {
		return Response{}, err
	}
	resp.Status = Status(status)

	errLen, err := cur.u32("error_len")
	if err != nil {
		return Response{}, err
	}
	msg, err := cur.bytes(errLen, "error")
	if err != nil {
		return Response{}, err
	}
	resp.Error = string(msg)

	count, err := cur.u32("result_count")
	if err != nil {
		return Response{}, err
	}
	if uint64(count)*4 > uint64(cur.remaining()) {
		return Response{}, fmt.Errorf("%w: result_count %d cannot fit in %d bytes", ErrTruncated, count, cur.remaining())
	}
	if count > 0 {
		resp.Results = make([][]byte, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		field := fmt.Sprintf("result[%d]", i)
		size, err := cur.u32(field + " size")
		if err != nil {
			return Response{}, err
		}
		out, err := cur.bytes(size, field)
		if err != nil {
			return Response{}, err
		}
		resp.Results = append(resp.Results, out)
	}
	if cur.remaining() > 0 {
		return Response{}, fmt.Errorf("%w: %d trailing bytes after results", ErrMalformed, cur.remaining())
	}
	return resp, nil
}

// RequestIDOf returns the request id carried by a decode error, if any.
func RequestIDOf(err error) (uint32, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) && perr.HeaderParsed {
		return perr.RequestID, true
	}
	return 0, false
}
