package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/upscalerd/internal/observability"
	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/danmuck/upscalerd/internal/protocol/compat"
	"github.com/danmuck/upscalerd/internal/protocol/frame"
)

// serveKeepAlive answers one `status size bytes` reply per image frame using
// the configured default engine and meta.
func (s *Session) serveKeepAlive(ctx context.Context) error {
	u, err := s.engines.Resolve(s.cfg.DefaultEngine)
	if err != nil {
		return err
	}
	if err := s.cfg.DefaultEngine.ValidateMeta(s.cfg.DefaultMeta); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info().Msg("context cancelled, draining")
			return err
		}

		img, err := compat.ReadImage(s.rw, s.cfg.FrameLimits)
		start := time.Now()
		switch {
		case err == io.EOF:
			s.logger.Info().Msg("end of stream")
			return nil
		case errors.Is(err, frame.ErrFrameTooLarge):
			observability.RecordFrameError("too_large")
			s.logger.Warn().Err(err).Msg("image frame rejected")
			if err := s.writeResult(compat.Result{Status: compat.StatusFailed}, protocol.StatusMalformed, start); err != nil {
				return err
			}
			continue
		case err != nil && ctx.Err() != nil:
			return s.drained(ctx, err)
		case err != nil:
			observability.RecordFrameError("truncated")
			return transportError("read image", err)
		}
		if len(img) == 0 {
			s.logger.Info().Msg("shutdown sentinel received")
			return nil
		}

		s.setState(StateDispatching)
		results, err := s.upscaleAll(ctx, s.cfg.DefaultEngine, u, s.cfg.DefaultMeta, s.cfg.DefaultGPUID, [][]byte{img})
		if err != nil {
			s.logger.Warn().Err(err).Msg("keepalive image failed")
			if err := s.writeResult(compat.Result{Status: compat.StatusFailed}, protocol.StatusFor(err), start); err != nil {
				return err
			}
			continue
		}
		if err := s.writeResult(compat.Result{Status: compat.StatusOK, Image: results[0]}, protocol.StatusOK, start); err != nil {
			return err
		}
	}
}

func (s *Session) writeResult(res compat.Result, status protocol.Status, start time.Time) error {
	if err := compat.WriteResult(s.rw, res); err != nil {
		return transportError("write result", err)
	}
	s.recordOutcome(status, start)
	s.logger.Debug().
		Uint32("status", res.Status).
		Int("bytes", len(res.Image)).
		Dur("elapsed", time.Since(start)).
		Msg("result sent")
	s.setState(StateReady)
	return nil
}

// serveBatch serves exactly one legacy batch. It has no error channel: any
// failure is returned and nothing is written.
func (s *Session) serveBatch(ctx context.Context) error {
	u, err := s.engines.Resolve(s.cfg.DefaultEngine)
	if err != nil {
		return err
	}
	images, err := compat.ReadBatch(s.rw, s.cfg.Codec.Limits.MaxBatchItems, s.cfg.FrameLimits)
	if err != nil {
		if ctx.Err() != nil {
			return s.drained(ctx, err)
		}
		if errors.Is(err, frame.ErrTruncatedFrame) {
			return transportError("read batch", err)
		}
		return fmt.Errorf("read batch: %w", err)
	}
	start := time.Now()
	s.setState(StateDispatching)
	s.logger.Info().Int("images", len(images)).Msg("batch received")

	results, err := s.upscaleAll(ctx, s.cfg.DefaultEngine, u, s.cfg.DefaultMeta, s.cfg.DefaultGPUID, images)
	if err != nil {
		s.recordOutcome(protocol.StatusFor(err), start)
		return err
	}
	if err := compat.WriteBatch(s.rw, results); err != nil {
		return transportError("write batch", err)
	}
	s.recordOutcome(protocol.StatusOK, start)
	s.logger.Info().Int("results", len(results)).Dur("elapsed", time.Since(start)).Msg("batch sent")
	return nil
}
