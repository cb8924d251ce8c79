// Package compat holds the pre-v2 grammars served by the worker: the
// stateless batch encoding and the single-image keep-alive encoding. Both
// reuse the frame length-prefix primitive and carry no header.
package compat

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/upscalerd/internal/protocol/frame"
)

// Keep-alive reply status values.
const (
	StatusOK     uint32 = 0
	StatusFailed uint32 = 1
)

var (
	ErrEmptyBatch    = errors.New("compat: empty batch")
	ErrBatchTooLarge = errors.New("compat: batch too large")
	ErrEmptyImage    = errors.New("compat: empty image")
)

// ReadBatch reads `num_images:u32 (size:u32 bytes)*`.
func ReadBatch(r io.Reader, maxItems uint32, limits frame.Limits) ([][]byte, error) {
	count, err := frame.ReadUint32(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing num_images", frame.ErrTruncatedFrame)
		}
		return nil, err
	}
	if count == 0 {
		return nil, ErrEmptyBatch
	}
	if maxItems > 0 && count > maxItems {
		return nil, fmt.Errorf("%w: %d images, limit %d", ErrBatchTooLarge, count, maxItems)
	}
	images := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		img, err := frame.ReadFrame(r, limits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: image %d of %d missing", frame.ErrTruncatedFrame, i, count)
			}
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		if len(img) == 0 {
			return nil, fmt.Errorf("%w: image %d", ErrEmptyImage, i)
		}
		images = append(images, img)
	}
	return images, nil
}

// WriteBatch writes `num_images:u32 (size:u32 bytes)*` and flushes once.
func WriteBatch(w io.Writer, images [][]byte) error {
	if err := frame.WriteUint32(w, uint32(len(images))); err != nil {
		return err
	}
	for _, img := range images {
		if err := frame.WriteUint32(w, uint32(len(img))); err != nil {
			return err
		}
		if _, err := w.Write(img); err != nil {
			return err
		}
	}
	return frame.Flush(w)
}

// ReadImage reads one keep-alive request frame. An empty payload is the
// end-of-session marker.
func ReadImage(r io.Reader, limits frame.Limits) ([]byte, error) {
	return frame.ReadFrame(r, limits)
}

// WriteImage writes one keep-alive request frame (controller side).
func WriteImage(w io.Writer, img []byte) error {
	return frame.WriteFrame(w, img, frame.Limits{})
}

// Result is one keep-alive reply.
type Result struct {
	Status uint32
	Image  []byte
}

// WriteResult writes `status:u32 size:u32 bytes` and flushes.
func WriteResult(w io.Writer, res Result) error {
	if err := frame.WriteUint32(w, res.Status); err != nil {
		return err
	}
	return frame.WriteFrame(w, res.Image, frame.Limits{})
}

// ReadResult reads one keep-alive reply (controller side).
func ReadResult(r io.Reader, limits frame.Limits) (Result, error) {
	status, err := frame.ReadUint32(r)
	if err != nil {
		return Result{}, err
	}
	img, err := frame.ReadFrame(r, limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Result{}, fmt.Errorf("%w: missing result size", frame.ErrTruncatedFrame)
		}
		return Result{}, err
	}
	return Result{Status: status, Image: img}, nil
}
