package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/upscalerd/internal/client"
	"github.com/danmuck/upscalerd/internal/engine"
	"github.com/danmuck/upscalerd/internal/logging"
	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/rs/zerolog"
)

type options struct {
	worker     string
	config     string
	engine     string
	meta       string
	gpuID      int
	layout     string
	outDir     string
	batchSize  int
	images     []string
	closeAfter time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.worker, "worker", "upscalerd", "worker binary to spawn")
	flag.StringVar(&opts.config, "config", "", "config path passed to the worker")
	flag.StringVar(&opts.engine, "engine", "realcugan", "engine: realcugan|realesrgan")
	flag.StringVar(&opts.meta, "meta", "", "quality (F/E/Q/H) or scale (2/3/4)")
	flag.IntVar(&opts.gpuID, "gpu", -1, "gpu id, -1 for auto")
	flag.StringVar(&opts.layout, "layout", "word", "header layout: word|packed (must match the worker)")
	flag.StringVar(&opts.outDir, "out", ".", "directory for upscaled images")
	flag.IntVar(&opts.batchSize, "batch", 8, "images per request")
	flag.DurationVar(&opts.closeAfter, "close-timeout", 2*time.Second, "wait for worker exit before SIGTERM")
	flag.Parse()
	opts.images = flag.Args()

	logger := logging.ConfigureRuntime().With().Str("app", "upscalectl").Logger()
	if err := run(context.Background(), opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "upscalectl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	if len(opts.images) == 0 {
		return fmt.Errorf("no input images")
	}
	if opts.batchSize <= 0 {
		return fmt.Errorf("-batch must be positive")
	}
	kind, err := engine.ParseKind(opts.engine)
	if err != nil {
		return err
	}
	layout, err := protocol.ParseLayout(opts.layout)
	if err != nil {
		return err
	}
	codec := protocol.DefaultCodec()
	codec.Layout = layout

	var args []string
	if opts.config != "" {
		args = append(args, "-config", opts.config)
	}
	proc, err := client.Start(ctx, client.ProcessConfig{
		Binary:       opts.worker,
		Args:         args,
		Codec:        codec,
		Logger:       logger,
		StdinTimeout: opts.closeAfter,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := proc.Close(); err != nil {
			logger.Warn().Err(err).Msg("worker exit")
		}
	}()

	for start := 0; start < len(opts.images); start += opts.batchSize {
		end := min(start+opts.batchSize, len(opts.images))
		paths := opts.images[start:end]
		batch := make([][]byte, 0, len(paths))
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			batch = append(batch, data)
		}

		began := time.Now()
		results, err := proc.Upscale(kind, opts.meta, int32(opts.gpuID), batch)
		if err != nil {
			return err
		}
		for i, out := range results {
			target := outputPath(opts.outDir, paths[i], out)
			if err := os.WriteFile(target, out, 0o644); err != nil {
				return err
			}
			logger.Info().Str("input", paths[i]).Str("output", target).Int("bytes", len(out)).Msg("upscaled")
		}
		logger.Info().Int("images", len(batch)).Dur("elapsed", time.Since(began)).Msg("batch done")
	}
	return nil
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
}

func outputPath(dir, input string, data []byte) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	ext, ok := extensions[http.DetectContentType(data)]
	if !ok {
		ext = ".bin"
	}
	return filepath.Join(dir, base+".up"+ext)
}
