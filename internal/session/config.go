package session

import (
	"github.com/danmuck/upscalerd/internal/engine"
	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/danmuck/upscalerd/internal/protocol/frame"
	"github.com/rs/zerolog"
)

type Config struct {
	Mode        Mode
	Codec       protocol.Codec
	FrameLimits frame.Limits

	// Defaults apply to keepalive and batch modes, which carry no
	// per-request engine selection.
	DefaultEngine engine.Kind
	DefaultMeta   string
	DefaultGPUID  int32

	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Mode:          ModeV2,
		Codec:         protocol.DefaultCodec(),
		FrameLimits:   frame.DefaultLimits(),
		DefaultEngine: engine.KindRealCUGAN,
		DefaultGPUID:  -1,
		Logger:        zerolog.Nop(),
	}
}
