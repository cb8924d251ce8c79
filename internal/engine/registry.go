package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Backend names accepted in Spec.Backend.
const (
	BackendExec     = "exec"
	BackendResample = "resample"
)

// Spec describes one engine kind and the backend serving it.
type Spec struct {
	Kind     Kind
	Backend  string
	Exec     ExecOptions
	Resample ResampleOptions
}

// Registry maps engine kinds to their Upscaler. It is built once per process
// and owned by one session.
type Registry struct {
	engines map[Kind]Upscaler
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[Kind]Upscaler)}
}

// Open builds every backend named in specs. On failure the backends already
// opened are closed.
func Open(specs []Spec, logger zerolog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, spec := range specs {
		u, err := newBackend(spec, logger)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		if err := reg.Register(spec.Kind, u); err != nil {
			_ = u.Close()
			_ = reg.Close()
			return nil, err
		}
		logger.Info().Str("engine", spec.Kind.String()).Str("backend", spec.Backend).Msg("engine ready")
	}
	return reg, nil
}

func newBackend(spec Spec, logger zerolog.Logger) (Upscaler, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Backend)) {
	case BackendExec:
		e, err := NewExec(spec.Kind, spec.Exec, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	case BackendResample, "":
		return NewResample(spec.Resample), nil
	default:
		return nil, fmt.Errorf("%w: %q for %s", ErrUnknownBackend, spec.Backend, spec.Kind)
	}
}

func (r *Registry) Register(kind Kind, u Upscaler) error {
	if _, ok := r.engines[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEngine, kind)
	}
	r.engines[kind] = u
	return nil
}

func (r *Registry) Resolve(kind Kind) (Upscaler, error) {
	u, ok := r.engines[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEngine, kind)
	}
	return u, nil
}

// ResolveWire maps a request engine byte to its configured Upscaler.
func (r *Registry) ResolveWire(selector uint8) (Kind, Upscaler, error) {
	kind, err := KindFromWire(selector)
	if err != nil {
		return 0, nil, err
	}
	u, err := r.Resolve(kind)
	if err != nil {
		return 0, nil, err
	}
	return kind, u, nil
}

func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.engines))
	for k := range r.engines {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases every registered backend.
func (r *Registry) Close() error {
	var errs []error
	for _, kind := range r.Kinds() {
		if err := r.engines[kind].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", kind, err))
		}
		delete(r.engines, kind)
	}
	return errors.Join(errs...)
}
