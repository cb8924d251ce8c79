package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"sync/atomic"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxOutputPixels bounds a result when ResampleOptions leaves the
// bound unset.
const DefaultMaxOutputPixels int64 = 64 << 20

// ResampleOptions configures the pure-Go CPU backend.
type ResampleOptions struct {
	// DefaultScale applies when meta carries no scale. Zero means 2.
	DefaultScale int
	// MaxOutputPixels bounds width*height of a result. Zero means
	// DefaultMaxOutputPixels.
	MaxOutputPixels int64
}

// Resample upscales by an integer factor with Catmull-Rom interpolation and
// re-encodes the result as PNG. It ignores GPUID.
type Resample struct {
	opts   ResampleOptions
	closed atomic.Bool
}

func NewResample(opts ResampleOptions) *Resample {
	if opts.DefaultScale < 2 {
		opts.DefaultScale = 2
	}
	if opts.MaxOutputPixels <= 0 {
		opts.MaxOutputPixels = DefaultMaxOutputPixels
	}
	return &Resample{opts: opts}
}

func (r *Resample) Upscale(ctx context.Context, job Job) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scale, err := r.scaleFor(job)
	if err != nil {
		return nil, err
	}

	// Dimensions come from the header so an oversized image is refused
	// before any pixel buffer is allocated.
	hdr, format, err := image.DecodeConfig(bytes.NewReader(job.Image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %s image", ErrDecode, format)
	}
	w, h := int64(hdr.Width)*int64(scale), int64(hdr.Height)*int64(scale)
	if w > r.opts.MaxOutputPixels || h > r.opts.MaxOutputPixels/w {
		return nil, fmt.Errorf("%w: %dx%d output exceeds %d pixels", ErrTransform, w, h, r.opts.MaxOutputPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(job.Image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := src.Bounds()
	if b.Dx() != hdr.Width || b.Dy() != hdr.Height {
		return nil, fmt.Errorf("%w: %s header says %dx%d, decoded %dx%d",
			ErrDecode, format, hdr.Width, hdr.Height, b.Dx(), b.Dy())
	}

	dst := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return nil, fmt.Errorf("%w: encode png: %v", ErrTransform, err)
	}
	return out.Bytes(), nil
}

func (r *Resample) scaleFor(job Job) (int, error) {
	if err := job.Kind.ValidateMeta(job.Meta); err != nil {
		return 0, err
	}
	if n, err := ParseScale(job.Meta); err == nil {
		return n, nil
	}
	return r.opts.DefaultScale, nil
}

func (r *Resample) Close() error {
	r.closed.Store(true)
	return nil
}
