package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/upscalerd/internal/observability"
	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/danmuck/upscalerd/internal/protocol/frame"
)

func (s *Session) serveV2(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info().Msg("context cancelled, draining")
			return err
		}

		payload, err := frame.ReadFrame(s.rw, s.cfg.FrameLimits)
		start := time.Now()
		switch {
		case err == io.EOF:
			s.logger.Info().Msg("end of stream")
			return nil
		case errors.Is(err, frame.ErrFrameTooLarge):
			observability.RecordFrameError("too_large")
			s.setState(StateDispatching)
			resp := protocol.ErrorResponse(0, fmt.Errorf("%w: %w", protocol.ErrMalformed, err))
			if err := s.writeResponse(resp, start); err != nil {
				return err
			}
			continue
		case err != nil && ctx.Err() != nil:
			return s.drained(ctx, err)
		case err != nil:
			observability.RecordFrameError("truncated")
			return transportError("read frame", err)
		}

		if len(payload) == 0 {
			s.logger.Info().Msg("shutdown sentinel received")
			return nil
		}

		s.setState(StateDispatching)
		resp := s.serveRequest(ctx, payload)
		if err := s.writeResponse(resp, start); err != nil {
			return err
		}
	}
}

// serveRequest never fails: every decode, validation or engine failure is
// folded into the response with the best-known request id.
func (s *Session) serveRequest(ctx context.Context, payload []byte) protocol.Response {
	req, err := s.cfg.Codec.DecodeRequest(payload)
	if err != nil {
		id, _ := protocol.RequestIDOf(err)
		return protocol.ErrorResponse(id, err)
	}
	id := req.Header.RequestID
	logger := s.logger.With().Uint32("request_id", id).Logger()

	kind, u, err := s.engines.ResolveWire(req.Engine)
	if err != nil {
		return protocol.ErrorResponse(id, invalidRequest(err))
	}
	if err := kind.ValidateMeta(req.Meta); err != nil {
		return protocol.ErrorResponse(id, invalidRequest(err))
	}

	logger.Debug().
		Str("engine", kind.String()).
		Str("meta", req.Meta).
		Int32("gpu_id", req.GPUID).
		Int("images", len(req.Images)).
		Msg("dispatching")

	results, err := s.upscaleAll(ctx, kind, u, req.Meta, req.GPUID, req.Images)
	if err != nil {
		return protocol.ErrorResponse(id, err)
	}
	return protocol.Response{RequestID: id, Status: protocol.StatusOK, Results: results}
}

func (s *Session) writeResponse(resp protocol.Response, start time.Time) error {
	payload := protocol.EncodeResponse(resp)
	if limit := s.cfg.FrameLimits.MaxFrameBytes; limit > 0 && uint64(len(payload)) > uint64(limit) {
		resp = protocol.ErrorResponse(resp.RequestID,
			fmt.Errorf("%w: %d byte response exceeds frame limit %d", frame.ErrFrameTooLarge, len(payload), limit))
		payload = protocol.EncodeResponse(resp)
	}
	if err := frame.WriteFrame(s.rw, payload, frame.Limits{}); err != nil {
		return transportError("write response", err)
	}

	s.lastRequestID.Store(resp.RequestID)
	s.recordOutcome(resp.Status, start)
	event := s.logger.Info()
	if resp.Status != protocol.StatusOK {
		event = s.logger.Warn().Str("error", resp.Error)
	}
	event.
		Uint32("request_id", resp.RequestID).
		Str("status", resp.Status.String()).
		Int("results", len(resp.Results)).
		Dur("elapsed", time.Since(start)).
		Msg("response sent")

	s.setState(StateReady)
	return nil
}
