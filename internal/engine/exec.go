package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/upscalerd/internal/tools"
	"github.com/rs/zerolog"
)

var ErrBinaryRequired = errors.New("engine: exec backend requires a binary")

// ExecOptions configures the external-binary backend.
type ExecOptions struct {
	Binary string
	// Model is passed as --model when set.
	Model string
	// Format is the output encoding requested from the binary. Zero means webp.
	Format string
	// TileSize is passed as --tile-size when positive.
	TileSize int
	// Timeout bounds one image. Zero means no bound beyond ctx.
	Timeout time.Duration
	// WorkDir holds per-image temp files. Empty means os.TempDir().
	WorkDir   string
	ExtraArgs []string
	// Runner executes the binary. Nil means tools.ExecRunner.
	Runner tools.CommandRunner
}

// Exec runs an external engine binary in file mode, once per image.
type Exec struct {
	kind   Kind
	opts   ExecOptions
	logger zerolog.Logger
	seq    atomic.Uint64
	closed atomic.Bool
}

func NewExec(kind Kind, opts ExecOptions, logger zerolog.Logger) (*Exec, error) {
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, fmt.Errorf("%w: %s", ErrBinaryRequired, kind)
	}
	path, err := exec.LookPath(opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("engine: %s binary %q: %w", kind, opts.Binary, err)
	}
	opts.Binary = path
	if opts.Format == "" {
		opts.Format = "webp"
	}
	if opts.Runner == nil {
		opts.Runner = tools.ExecRunner{}
	}
	return &Exec{
		kind:   kind,
		opts:   opts,
		logger: logger.With().Str("engine", kind.String()).Str("backend", BackendExec).Logger(),
	}, nil
}

func (e *Exec) Upscale(ctx context.Context, job Job) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := job.Kind.ValidateMeta(job.Meta); err != nil {
		return nil, err
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp(e.opts.WorkDir, "upscalerd-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", ErrTransform, err)
	}
	defer os.RemoveAll(dir)

	n := e.seq.Add(1)
	in := filepath.Join(dir, fmt.Sprintf("in-%d", n))
	out := filepath.Join(dir, fmt.Sprintf("out-%d.%s", n, e.opts.Format))
	if err := os.WriteFile(in, job.Image, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write input: %v", ErrTransform, err)
	}

	start := time.Now()
	_, stderr, code, err := e.opts.Runner.Run(ctx, e.opts.Binary, e.args(job, in, out)...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransform, ctxErr)
		}
		return nil, fmt.Errorf("%w: exit %d: %s", ErrTransform, code, lastLine(string(stderr)))
	}
	e.logger.Debug().Dur("elapsed", time.Since(start)).Int("input_bytes", len(job.Image)).Msg("exec upscale done")

	result, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrTransform, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrTransform)
	}
	return result, nil
}

func (e *Exec) args(job Job, in, out string) []string {
	args := []string{
		"--engine", job.Kind.String(),
		"--mode", "file",
		"--input", in,
		"--output", out,
		"--gpu-id", gpuArg(job.GPUID),
		"--format", e.opts.Format,
	}
	if job.Meta != "" {
		if job.Kind == KindRealESRGAN {
			args = append(args, "--scale", strings.TrimPrefix(strings.ToLower(job.Meta), "x"))
		} else {
			args = append(args, "--quality", strings.ToUpper(job.Meta))
		}
	}
	if e.opts.Model != "" {
		args = append(args, "--model", e.opts.Model)
	}
	if e.opts.TileSize > 0 {
		args = append(args, "--tile-size", strconv.Itoa(e.opts.TileSize))
	}
	return append(args, e.opts.ExtraArgs...)
}

func gpuArg(id int32) string {
	if id < 0 {
		return "auto"
	}
	return strconv.Itoa(int(id))
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (e *Exec) Close() error {
	e.closed.Store(true)
	return nil
}
