package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/upscalerd/internal/engine"
	"github.com/danmuck/upscalerd/internal/observability"
	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrTransport      = errors.New("session: transport failure")
	ErrAlreadyStarted = errors.New("session: already started")
	ErrUnknownMode    = errors.New("session: unknown mode")
	ErrEmptyResult    = errors.New("session: upscaler returned empty image")
)

// Session owns one stream and the engine registry serving it.
type Session struct {
	id      string
	cfg     Config
	rw      io.ReadWriter
	engines *engine.Registry
	logger  zerolog.Logger
	started time.Time

	state         atomic.Int32
	served        atomic.Uint64
	failed        atomic.Uint64
	images        atomic.Uint64
	lastRequestID atomic.Uint32
}

// New binds rw and engines to a Session in StateStarting. The Session takes
// ownership of both: they are released when Run returns.
func New(rw io.ReadWriter, engines *engine.Registry, cfg Config) *Session {
	if engines == nil {
		engines = engine.NewRegistry()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeV2
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		cfg:     cfg,
		rw:      rw,
		engines: engines,
		logger:  cfg.Logger.With().Str("session_id", id).Str("mode", string(cfg.Mode)).Logger(),
		started: time.Now(),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	s.state.Store(int32(next))
}

// Run serves the stream until the shutdown sentinel, end of stream, ctx
// cancellation or a transport failure. Protocol and engine failures are
// answered and do not end the session. ctx is handed to every Upscaler call
// and checked between frames; it does not interrupt a blocked read.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStarting), int32(StateReady)) {
		return ErrAlreadyStarted
	}
	observability.SessionOpened()
	s.logger.Info().Str("engines", kindList(s.engines.Kinds())).Msg("session ready")

	var err error
	switch s.cfg.Mode {
	case ModeV2:
		err = s.serveV2(ctx)
	case ModeKeepAlive:
		err = s.serveKeepAlive(ctx)
	case ModeBatch:
		err = s.serveBatch(ctx)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, s.cfg.Mode)
	}

	s.close(err)
	return err
}

func (s *Session) close(cause error) {
	s.setState(StateDraining)
	if err := s.engines.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("engine release failed")
	}
	if c, ok := s.rw.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("stream close failed")
		}
	}
	s.setState(StateClosed)
	observability.SessionClosed()

	event := s.logger.Info()
	if cause != nil && !errors.Is(cause, context.Canceled) {
		event = s.logger.Error().Err(cause)
	}
	event.
		Uint64("served", s.served.Load()).
		Uint64("failed", s.failed.Load()).
		Uint64("images", s.images.Load()).
		Dur("uptime", time.Since(s.started)).
		Msg("session closed")
}

// upscaleAll runs every image through u in order. The first failure fails
// the whole batch and no partial results are returned.
func (s *Session) upscaleAll(ctx context.Context, kind engine.Kind, u engine.Upscaler, meta string, gpuID int32, images [][]byte) ([][]byte, error) {
	results := make([][]byte, 0, len(images))
	for i, img := range images {
		start := time.Now()
		out, err := u.Upscale(ctx, engine.Job{Kind: kind, Image: img, Meta: meta, GPUID: gpuID})
		if err == nil && len(out) == 0 {
			err = ErrEmptyResult
		}
		observability.RecordImage(kind.String(), time.Since(start), err == nil)
		if err != nil {
			err = fmt.Errorf("image %d of %d: %w", i+1, len(images), err)
			if isValidationError(err) {
				return nil, invalidRequest(err)
			}
			return nil, err
		}
		s.images.Add(1)
		results = append(results, out)
	}
	return results, nil
}

func (s *Session) recordOutcome(status protocol.Status, start time.Time) {
	if status == protocol.StatusOK {
		s.served.Add(1)
	} else {
		s.failed.Add(1)
	}
	observability.RecordRequest(string(s.cfg.Mode), status.String(), time.Since(start))
}

func isValidationError(err error) bool {
	return errors.Is(err, engine.ErrInvalidMeta) ||
		errors.Is(err, engine.ErrUnknownEngine) ||
		errors.Is(err, engine.ErrUnsupportedEngine)
}

func invalidRequest(err error) error {
	return fmt.Errorf("%w: %w", protocol.ErrInvalidRequest, err)
}

// drained reports a read that failed because the input was closed after
// cancellation. The session ends with the context's error, not a transport
// failure.
func (s *Session) drained(ctx context.Context, err error) error {
	s.logger.Info().Err(err).Msg("input closed while draining")
	return ctx.Err()
}

func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

func kindList(kinds []engine.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}

// Snapshot is a point-in-time view of a Session, safe to take from any
// goroutine.
type Snapshot struct {
	ID            string    `json:"id"`
	Mode          Mode      `json:"mode"`
	State         string    `json:"state"`
	Served        uint64    `json:"served"`
	Failed        uint64    `json:"failed"`
	Images        uint64    `json:"images"`
	LastRequestID uint32    `json:"last_request_id"`
	Started       time.Time `json:"started"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:            s.id,
		Mode:          s.cfg.Mode,
		State:         s.State().String(),
		Served:        s.served.Load(),
		Failed:        s.failed.Load(),
		Images:        s.images.Load(),
		LastRequestID: s.lastRequestID.Load(),
		Started:       s.started,
	}
}
