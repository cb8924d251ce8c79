// Package client is the controller side of the worker protocol: it frames
// v2 requests onto a worker stream, pairs each response with its request,
// and supervises a spawned worker process.
package client

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/upscalerd/internal/engine"
	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/danmuck/upscalerd/internal/protocol/frame"
)

var (
	ErrNoResponse        = errors.New("client: worker closed the stream without a response")
	ErrRequestIDMismatch = errors.New("client: response request_id does not match")
	ErrClosed            = errors.New("client: shut down")
)

// StatusError is a non-OK response surfaced as an error.
type StatusError struct {
	RequestID uint32
	Status    protocol.Status
	Message   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: request %d failed: %s: %s", e.RequestID, e.Status, e.Message)
}

// Client issues one request at a time over a worker stream.
type Client struct {
	rw     io.ReadWriter
	codec  protocol.Codec
	limits frame.Limits

	mu     sync.Mutex
	nextID atomic.Uint32
	closed bool
}

func New(rw io.ReadWriter, codec protocol.Codec) *Client {
	return &Client{rw: rw, codec: codec, limits: frame.DefaultLimits()}
}

// NextRequestID returns a fresh non-zero request id.
func (c *Client) NextRequestID() uint32 {
	for {
		if id := c.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// Call sends req and waits for its response. A zero RequestID is assigned
// automatically. Only transport failures and a mismatched echo are errors;
// a non-OK status is returned in the Response.
func (c *Client) Call(req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Response{}, ErrClosed
	}
	if req.Header.RequestID == 0 {
		req.Header.RequestID = c.NextRequestID()
	}

	payload, err := c.codec.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := frame.WriteFrame(c.rw, payload, c.limits); err != nil {
		return protocol.Response{}, fmt.Errorf("client: write request %d: %w", req.Header.RequestID, err)
	}

	raw, err := frame.ReadFrame(c.rw, c.limits)
	if err != nil {
		if err == io.EOF {
			return protocol.Response{}, fmt.Errorf("%w: request %d", ErrNoResponse, req.Header.RequestID)
		}
		return protocol.Response{}, fmt.Errorf("client: read response %d: %w", req.Header.RequestID, err)
	}
	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return protocol.Response{}, err
	}
	if resp.RequestID != req.Header.RequestID {
		return resp, fmt.Errorf("%w: sent %d, got %d", ErrRequestIDMismatch, req.Header.RequestID, resp.RequestID)
	}
	return resp, nil
}

// Upscale sends one batch and returns its results, or a *StatusError when
// the worker rejected it.
func (c *Client) Upscale(kind engine.Kind, meta string, gpuID int32, images [][]byte) ([][]byte, error) {
	resp, err := c.Call(protocol.Request{
		Engine: uint8(kind),
		Meta:   meta,
		GPUID:  gpuID,
		Images: images,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusOK {
		return nil, &StatusError{RequestID: resp.RequestID, Status: resp.Status, Message: resp.Error}
	}
	if len(resp.Results) != len(images) {
		return nil, fmt.Errorf("%w: request %d sent %d images, got %d results",
			protocol.ErrMalformed, resp.RequestID, len(images), len(resp.Results))
	}
	return resp.Results, nil
}

// Shutdown writes the zero-length sentinel. No further calls are allowed.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return frame.WriteSentinel(c.rw)
}
