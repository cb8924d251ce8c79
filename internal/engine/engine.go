// Package engine owns the Upscaler capability consumed by the worker session.
//
// Ownership boundary:
// - closed engine kind enum and its wire mapping
// - per-kind meta (quality/scale) validation
// - registry resolved once at startup
// - concrete backends (external binary, pure-Go resample)
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownEngine     = errors.New("engine: unknown engine")
	ErrUnsupportedEngine = errors.New("engine: engine not configured")
	ErrInvalidMeta       = errors.New("engine: invalid meta")
	ErrUnknownBackend    = errors.New("engine: unknown backend")
	ErrDuplicateEngine   = errors.New("engine: engine already registered")
	ErrDecode            = errors.New("engine: image decode failed")
	ErrTransform         = errors.New("engine: transformation failed")
	ErrClosed            = errors.New("engine: upscaler closed")
)

// Kind is the closed set of engines selectable on the wire.
type Kind uint8

const (
	KindRealCUGAN  Kind = 0
	KindRealESRGAN Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindRealCUGAN:
		return "realcugan"
	case KindRealESRGAN:
		return "realesrgan"
	default:
		return fmt.Sprintf("engine(%d)", uint8(k))
	}
}

// KindFromWire maps the request's engine byte onto a Kind.
func KindFromWire(b uint8) (Kind, error) {
	switch Kind(b) {
	case KindRealCUGAN, KindRealESRGAN:
		return Kind(b), nil
	default:
		return 0, fmt.Errorf("%w: selector %d", ErrUnknownEngine, b)
	}
}

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "realcugan", "cugan":
		return KindRealCUGAN, nil
	case "realesrgan", "esrgan":
		return KindRealESRGAN, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEngine, raw)
	}
}

// Quality tags understood by RealCUGAN-style engines.
var qualityTags = map[string]struct{}{"F": {}, "E": {}, "Q": {}, "H": {}}

// ValidateMeta checks the per-request quality/scale tag for this kind.
// RealCUGAN takes a quality tag; RealESRGAN takes a scale factor. Empty
// meta selects the backend default.
func (k Kind) ValidateMeta(meta string) error {
	if meta == "" {
		return nil
	}
	switch k {
	case KindRealCUGAN:
		if _, ok := qualityTags[strings.ToUpper(meta)]; ok {
			return nil
		}
		if _, err := ParseScale(meta); err == nil {
			return nil
		}
		return fmt.Errorf("%w: %s quality %q (want F, E, Q or H)", ErrInvalidMeta, k, meta)
	case KindRealESRGAN:
		if _, err := ParseScale(meta); err != nil {
			return fmt.Errorf("%w: %s scale %q (want 2, 3 or 4)", ErrInvalidMeta, k, meta)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEngine, k)
	}
}

// ParseScale parses a "2"/"3"/"4" (optionally "x2") scale tag.
func ParseScale(meta string) (int, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(meta)), "x")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 2 || n > 4 {
		return 0, fmt.Errorf("%w: scale %q", ErrInvalidMeta, meta)
	}
	return n, nil
}

// Job is one image handed to an Upscaler.
type Job struct {
	Kind  Kind
	Image []byte
	Meta  string
	// GPUID < 0 selects CPU/auto.
	GPUID int32
}

// Upscaler transforms one encoded image into another encoded image.
// Implementations are invoked sequentially by a single session.
type Upscaler interface {
	Upscale(ctx context.Context, job Job) ([]byte, error)
	Close() error
}
