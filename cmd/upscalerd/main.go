package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/upscalerd/internal/config"
	"github.com/danmuck/upscalerd/internal/engine"
	"github.com/danmuck/upscalerd/internal/logging"
	"github.com/danmuck/upscalerd/internal/server"
	"github.com/danmuck/upscalerd/internal/session"
	"github.com/gin-gonic/gin"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2

	streamBufferSize = 1 << 20
	signalGrace      = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to TOML config (built-in defaults when empty)")
	modeFlag := flag.String("mode", "", "override mode: v2|keepalive|batch")
	adminAddr := flag.String("admin", "", "override admin listen address (host:port)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *modeFlag, *adminAddr)
	if err != nil {
		logger := logging.ConfigureRuntime()
		logger.Error().Err(err).Str("path", *configPath).Msg("config rejected")
		return exitConfig
	}

	// stdout carries frames; nothing else may write to it.
	gin.DefaultWriter = os.Stderr
	gin.DefaultErrorWriter = os.Stderr

	logger := logging.Install(cfg.Logging()).With().Str("app", "upscalerd").Logger()
	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("layout", cfg.Codec.Layout.String()).
		Bool("strict_version", cfg.Codec.StrictVersion).
		Msg("starting worker")

	engines, err := engine.Open(cfg.Engines, logger)
	if err != nil {
		logger.Error().Err(err).Msg("engine setup failed")
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdin := openStdin()
	stream := bufio.NewReadWriter(
		bufio.NewReaderSize(stdin, streamBufferSize),
		bufio.NewWriterSize(os.Stdout, streamBufferSize),
	)
	sess := session.New(stream, engines, cfg.Session(logger))

	if cfg.Admin.Addr != "" {
		admin := server.New(cfg.Admin, func() any { return sess.Snapshot() }, logger)
		adminCtx, cancelAdmin := context.WithCancel(ctx)
		defer cancelAdmin()
		go func() {
			if err := admin.Serve(adminCtx); err != nil {
				logger.Error().Err(err).Msg("admin server failed")
			}
		}()
	}

	// A read blocked on stdin does not observe ctx. Closing stdin ends it
	// when the fd is pollable; the grace timer covers the rest.
	go func() {
		<-ctx.Done()
		if sess.State() == session.StateClosed {
			return
		}
		logger.Warn().Str("state", sess.State().String()).Msg("signal received, draining")
		time.AfterFunc(signalGrace, func() {
			logger.Error().Dur("grace", signalGrace).Msg("session did not drain, exiting")
			os.Exit(exitFailed)
		})
		_ = stdin.Close()
	}()

	err = sess.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	default:
		logger.Error().Err(err).Msg("worker exited")
		return exitFailed
	}
}

func loadConfig(path, mode, adminAddr string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if mode != "" {
		m, err := session.ParseMode(mode)
		if err != nil {
			return config.Config{}, fmt.Errorf("-mode: %w", err)
		}
		cfg.Mode = m
	}
	if adminAddr != "" {
		cfg.Admin.Addr = adminAddr
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
