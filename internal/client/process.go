package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/rs/zerolog"
)

type ProcessConfig struct {
	Binary string
	Args   []string
	Env    []string
	Codec  protocol.Codec
	Logger zerolog.Logger

	// Escalation timeouts used by Close. Zero values take the defaults.
	StdinTimeout   time.Duration
	SigtermTimeout time.Duration
	SigkillTimeout time.Duration
}

const (
	defaultStdinTimeout   = 2 * time.Second
	defaultSigtermTimeout = time.Second
	defaultSigkillTimeout = 500 * time.Millisecond
)

// Process is a spawned worker with a Client bound to its stdin/stdout.
type Process struct {
	*Client

	cfg    ProcessConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	logger zerolog.Logger

	done     chan struct{}
	waitErr  error
	closeErr error
	once     sync.Once
}

// Start launches the worker. Its stderr is forwarded line by line to the
// logger; stdout carries protocol frames only.
func Start(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	cmd := exec.CommandContext(ctx, cfg.Binary, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("client: stdin pipe: %w", err)
	}
	// Owned pipe: Wait must not close the read side.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("client: stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	logger := cfg.Logger.With().Str("worker", cfg.Binary).Logger()
	cmd.Stderr = &lineLogger{logger: logger}

	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("client: start worker: %w", err)
	}
	logger.Info().Int("pid", cmd.Process.Pid).Msg("worker started")

	stream := struct {
		io.Reader
		io.Writer
	}{bufio.NewReader(stdout), stdin}

	p := &Process{
		Client: New(stream, cfg.Codec),
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Wait blocks until the worker exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Close asks the worker to stop and escalates until it does: sentinel and
// stdin close, then SIGTERM, then SIGKILL. It returns the worker's exit
// error, if any.
func (p *Process) Close() error {
	p.once.Do(func() {
		p.closeErr = p.shutdown()
		_ = p.stdout.Close()
	})
	return p.closeErr
}

func (p *Process) shutdown() error {
	stdinTimeout := orDefault(p.cfg.StdinTimeout, defaultStdinTimeout)
	sigtermTimeout := orDefault(p.cfg.SigtermTimeout, defaultSigtermTimeout)
	sigkillTimeout := orDefault(p.cfg.SigkillTimeout, defaultSigkillTimeout)

	if err := p.Shutdown(); err != nil {
		p.logger.Debug().Err(err).Msg("sentinel write failed")
	}
	if err := p.stdin.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("stdin close failed")
	}
	if p.waitFor(stdinTimeout) {
		p.logger.Info().Msg("worker exited after sentinel")
		return p.waitErr
	}

	p.logger.Warn().Dur("after", stdinTimeout).Msg("worker still running, sending SIGTERM")
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Error().Err(err).Msg("SIGTERM failed")
	} else if p.waitFor(sigtermTimeout) {
		return p.waitErr
	}

	p.logger.Warn().Dur("after", sigtermTimeout).Msg("worker still running, sending SIGKILL")
	if err := p.cmd.Process.Kill(); err != nil {
		p.logger.Error().Err(err).Msg("SIGKILL failed")
	}
	if !p.waitFor(sigkillTimeout) {
		return fmt.Errorf("client: worker %d did not exit after SIGKILL", p.cmd.Process.Pid)
	}
	return p.waitErr
}

func (p *Process) waitFor(d time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(d):
		return false
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// lineLogger forwards worker stderr to a zerolog logger one line at a time.
type lineLogger struct {
	logger zerolog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.logger.Info().Str("stream", "stderr").Msg(string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
