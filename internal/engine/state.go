package engine

import (
	"errors"
	"fmt"
	"strings"
)

// State is the render loop lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// TargetID names one of the three outputs.
type TargetID int

const (
	PreviewTarget TargetID = iota
	EncoderTarget
	SnapshotTarget

	numTargets
)

// ErrUnknownTarget is returned for an out-of-range TargetID or target name.
var ErrUnknownTarget = errors.New("compositor: unknown target")

// String returns "preview", "encoder" or "snapshot".
func (id TargetID) String() string {
	switch id {
	case PreviewTarget:
		return "preview"
	case EncoderTarget:
		return "encoder"
	case SnapshotTarget:
		return "snapshot"
	default:
		return "unknown"
	}
}

func (id TargetID) valid() bool { return id >= 0 && id < numTargets }

// ParseTargetID maps a target name to its ID.
func ParseTargetID(name string) (TargetID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "preview":
		return PreviewTarget, nil
	case "encoder":
		return EncoderTarget, nil
	case "snapshot":
		return SnapshotTarget, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
}
