package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/upscalerd/internal/engine"
	"github.com/danmuck/upscalerd/internal/logging"
	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/danmuck/upscalerd/internal/protocol/frame"
	"github.com/danmuck/upscalerd/internal/server"
	"github.com/danmuck/upscalerd/internal/session"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("config: invalid")

// File is the on-disk TOML shape of the worker configuration.
type File struct {
	Mode     string          `toml:"mode" comment:"v2 | keepalive | batch"`
	Protocol ProtocolSection `toml:"protocol"`
	Defaults DefaultsSection `toml:"defaults" comment:"engine used by keepalive and batch modes"`
	Admin    AdminSection    `toml:"admin"`
	Log      LogSection      `toml:"log"`
	Engines  []EngineSection `toml:"engines"`
}

type ProtocolSection struct {
	Layout        string   `toml:"layout" comment:"header layout: word (16 bytes) | packed (10 bytes)"`
	Versions      []uint32 `toml:"versions"`
	StrictVersion bool     `toml:"strict_version"`
	MaxMetaBytes  uint32   `toml:"max_meta_bytes"`
	MaxImageBytes uint32   `toml:"max_image_bytes"`
	MaxBatchItems uint32   `toml:"max_batch_items"`
	MaxFrameBytes uint32   `toml:"max_frame_bytes"`
}

type DefaultsSection struct {
	Engine string `toml:"engine"`
	Meta   string `toml:"meta"`
	GPUID  int32  `toml:"gpu_id"`
}

type AdminSection struct {
	Addr        string   `toml:"addr" comment:"empty disables the admin HTTP server"`
	CorsOrigins []string `toml:"cors_origins"`
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format" comment:"console | json"`
}

type EngineSection struct {
	Kind    string `toml:"kind"`
	Backend string `toml:"backend" comment:"exec | resample"`

	Binary    string   `toml:"binary,omitempty"`
	Model     string   `toml:"model,omitempty"`
	Format    string   `toml:"format,omitempty"`
	Timeout   string   `toml:"timeout,omitempty"`
	TileSize  int      `toml:"tile_size,omitempty"`
	WorkDir   string   `toml:"work_dir,omitempty"`
	ExtraArgs []string `toml:"extra_args,omitempty"`

	DefaultScale    int   `toml:"default_scale,omitempty"`
	MaxOutputPixels int64 `toml:"max_output_pixels,omitempty" comment:"resample only; 0 keeps the built-in 64Mi pixel bound"`
}

// Config is the resolved, validated configuration.
type Config struct {
	Mode          session.Mode
	Codec         protocol.Codec
	FrameLimits   frame.Limits
	DefaultEngine engine.Kind
	DefaultMeta   string
	DefaultGPUID  int32
	Admin         server.Config
	LogLevel      zerolog.Level
	LogJSON       bool
	Engines       []engine.Spec
}

func DefaultFile() File {
	codec := protocol.DefaultCodec()
	return File{
		Mode: string(session.ModeV2),
		Protocol: ProtocolSection{
			Layout:        codec.Layout.String(),
			Versions:      append([]uint32(nil), codec.Versions...),
			StrictVersion: codec.StrictVersion,
			MaxMetaBytes:  codec.Limits.MaxMetaBytes,
			MaxImageBytes: codec.Limits.MaxImageBytes,
			MaxBatchItems: codec.Limits.MaxBatchItems,
			MaxFrameBytes: frame.DefaultLimits().MaxFrameBytes,
		},
		Defaults: DefaultsSection{
			Engine: engine.KindRealCUGAN.String(),
			Meta:   "",
			GPUID:  -1,
		},
		Log: LogSection{Level: "info", Format: "console"},
		Engines: []EngineSection{
			{Kind: engine.KindRealCUGAN.String(), Backend: engine.BackendResample, DefaultScale: 2},
			{Kind: engine.KindRealESRGAN.String(), Backend: engine.BackendResample, DefaultScale: 4},
		},
	}
}

func Default() Config {
	cfg, err := Resolve(DefaultFile())
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not resolve: %v", err))
	}
	return cfg
}

// Load reads a TOML file over the defaults. Keys absent from the file keep
// their default; an [[engines]] list replaces the default engines entirely.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	raw := DefaultFile()
	defaultEngines := raw.Engines
	raw.Engines = nil

	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if !meta.IsDefined("engines") {
		raw.Engines = defaultEngines
	}
	if meta.IsDefined("protocol", "versions") && len(raw.Protocol.Versions) == 0 {
		return Config{}, fmt.Errorf("%w: protocol.versions must not be empty", ErrInvalidConfig)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}

	cfg, err := Resolve(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve converts the file shape into typed configuration and validates it.
func Resolve(f File) (Config, error) {
	mode, err := session.ParseMode(f.Mode)
	if err != nil {
		return Config{}, fmt.Errorf("%w: mode: %v", ErrInvalidConfig, err)
	}
	layout, err := protocol.ParseLayout(f.Protocol.Layout)
	if err != nil {
		return Config{}, fmt.Errorf("%w: protocol.layout: %v", ErrInvalidConfig, err)
	}
	defaultKind, err := engine.ParseKind(f.Defaults.Engine)
	if err != nil {
		return Config{}, fmt.Errorf("%w: defaults.engine: %v", ErrInvalidConfig, err)
	}
	level, ok := logging.ParseLevel(f.Log.Level)
	if !ok && strings.TrimSpace(f.Log.Level) != "" {
		return Config{}, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, f.Log.Level)
	}

	specs := make([]engine.Spec, 0, len(f.Engines))
	for i, e := range f.Engines {
		spec, err := resolveEngine(e)
		if err != nil {
			return Config{}, fmt.Errorf("%w: engines[%d]: %v", ErrInvalidConfig, i, err)
		}
		specs = append(specs, spec)
	}

	cfg := Config{
		Mode: mode,
		Codec: protocol.Codec{
			Layout:        layout,
			Versions:      append([]uint32(nil), f.Protocol.Versions...),
			StrictVersion: f.Protocol.StrictVersion,
			Limits: protocol.Limits{
				MaxMetaBytes:  f.Protocol.MaxMetaBytes,
				MaxImageBytes: f.Protocol.MaxImageBytes,
				MaxBatchItems: f.Protocol.MaxBatchItems,
			},
		},
		FrameLimits:   frame.Limits{MaxFrameBytes: f.Protocol.MaxFrameBytes},
		DefaultEngine: defaultKind,
		DefaultMeta:   strings.TrimSpace(f.Defaults.Meta),
		DefaultGPUID:  f.Defaults.GPUID,
		Admin: server.Config{
			Addr:        strings.TrimSpace(f.Admin.Addr),
			CorsOrigins: f.Admin.CorsOrigins,
		},
		LogLevel: level,
		LogJSON:  strings.EqualFold(strings.TrimSpace(f.Log.Format), "json"),
		Engines:  specs,
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveEngine(e EngineSection) (engine.Spec, error) {
	kind, err := engine.ParseKind(e.Kind)
	if err != nil {
		return engine.Spec{}, err
	}
	backend := strings.ToLower(strings.TrimSpace(e.Backend))
	if backend == "" {
		backend = engine.BackendResample
	}
	spec := engine.Spec{
		Kind:    kind,
		Backend: backend,
		Exec: engine.ExecOptions{
			Binary:    strings.TrimSpace(e.Binary),
			Model:     strings.TrimSpace(e.Model),
			Format:    strings.TrimSpace(e.Format),
			TileSize:  e.TileSize,
			WorkDir:   strings.TrimSpace(e.WorkDir),
			ExtraArgs: e.ExtraArgs,
		},
		Resample: engine.ResampleOptions{
			DefaultScale:    e.DefaultScale,
			MaxOutputPixels: e.MaxOutputPixels,
		},
	}
	if t := strings.TrimSpace(e.Timeout); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return engine.Spec{}, fmt.Errorf("parse timeout: %w", err)
		}
		spec.Exec.Timeout = d
	}
	return spec, nil
}

func Validate(cfg Config) error {
	if len(cfg.Codec.Versions) == 0 {
		return fmt.Errorf("%w: protocol.versions must not be empty", ErrInvalidConfig)
	}
	if cfg.Codec.Layout == protocol.LayoutPacked {
		for _, v := range cfg.Codec.Versions {
			if v > 0xFF {
				return fmt.Errorf("%w: version %d does not fit the packed header", ErrInvalidConfig, v)
			}
		}
	}
	if cfg.Codec.Limits.MaxMetaBytes == 0 || cfg.Codec.Limits.MaxImageBytes == 0 || cfg.Codec.Limits.MaxBatchItems == 0 {
		return fmt.Errorf("%w: protocol limits must be positive", ErrInvalidConfig)
	}
	if cfg.FrameLimits.MaxFrameBytes != 0 && cfg.FrameLimits.MaxFrameBytes < cfg.Codec.Limits.MaxImageBytes {
		return fmt.Errorf("%w: max_frame_bytes %d is below max_image_bytes %d",
			ErrInvalidConfig, cfg.FrameLimits.MaxFrameBytes, cfg.Codec.Limits.MaxImageBytes)
	}

	if len(cfg.Engines) == 0 {
		return fmt.Errorf("%w: at least one engine is required", ErrInvalidConfig)
	}
	seen := make(map[engine.Kind]struct{}, len(cfg.Engines))
	for _, spec := range cfg.Engines {
		if _, dup := seen[spec.Kind]; dup {
			return fmt.Errorf("%w: engine %s configured twice", ErrInvalidConfig, spec.Kind)
		}
		seen[spec.Kind] = struct{}{}
		switch spec.Backend {
		case engine.BackendExec:
			if spec.Exec.Binary == "" {
				return fmt.Errorf("%w: engine %s: exec backend requires binary", ErrInvalidConfig, spec.Kind)
			}
		case engine.BackendResample:
		default:
			return fmt.Errorf("%w: engine %s: unknown backend %q", ErrInvalidConfig, spec.Kind, spec.Backend)
		}
	}

	if cfg.Mode != session.ModeV2 {
		if _, ok := seen[cfg.DefaultEngine]; !ok {
			return fmt.Errorf("%w: default engine %s is not configured", ErrInvalidConfig, cfg.DefaultEngine)
		}
	}
	if err := cfg.DefaultEngine.ValidateMeta(cfg.DefaultMeta); err != nil {
		return fmt.Errorf("%w: defaults.meta: %v", ErrInvalidConfig, err)
	}

	if cfg.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Admin.Addr); err != nil {
			return fmt.Errorf("%w: admin.addr %q: %v", ErrInvalidConfig, cfg.Admin.Addr, err)
		}
	}
	return nil
}

// Session returns the session configuration carried by cfg.
func (c Config) Session(logger zerolog.Logger) session.Config {
	return session.Config{
		Mode:          c.Mode,
		Codec:         c.Codec,
		FrameLimits:   c.FrameLimits,
		DefaultEngine: c.DefaultEngine,
		DefaultMeta:   c.DefaultMeta,
		DefaultGPUID:  c.DefaultGPUID,
		Logger:        logger,
	}
}

// Logging returns the runtime logger configuration carried by cfg.
func (c Config) Logging() logging.Config {
	lc := logging.DefaultConfig(logging.ProfileRuntime)
	lc.Level = c.LogLevel
	lc.JSON = c.LogJSON
	return lc
}
