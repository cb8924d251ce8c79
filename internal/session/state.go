package session

import (
	"fmt"
	"strings"
)

type State int32

const (
	StateStarting State = iota
	StateReady
	StateDispatching
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Mode selects the wire grammar a Session speaks. A Session never mixes modes.
type Mode string

const (
	ModeV2        Mode = "v2"
	ModeKeepAlive Mode = "keepalive"
	ModeBatch     Mode = "batch"
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "v2":
		return ModeV2, nil
	case "keepalive", "keep-alive", "stdin":
		return ModeKeepAlive, nil
	case "batch", "legacy":
		return ModeBatch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
}
