package framecompositor

import (
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/filterchain"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/fpsgate"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/pacing"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/surface"
)

// Public API - re-export internal types as the stable contract

// Frame is one producer image plus its metadata
type Frame = engine.Frame

// Texture is the source texture producers publish into
type Texture = engine.Texture

// State is the render loop lifecycle state
type State = engine.State

const (
	StateStopped  = engine.StateStopped
	StateStarting = engine.StateStarting
	StateRunning  = engine.StateRunning
	StateStopping = engine.StateStopping
)

// TargetID names one of the three outputs
type TargetID = engine.TargetID

const (
	Preview  = engine.PreviewTarget
	Encoder  = engine.EncoderTarget
	Snapshot = engine.SnapshotTarget
)

// ParseTargetID maps "preview", "encoder" or "snapshot" to a TargetID
func ParseTargetID(name string) (TargetID, error) { return engine.ParseTargetID(name) }

// AspectMode selects how content is fitted when keep-aspect is on
type AspectMode = geometry.AspectMode

const (
	// Adjust fits the content inside the target with uniform borders
	Adjust = geometry.Adjust
	// NoAdjust stretches the content to fill the target
	NoAdjust = geometry.NoAdjust
	// Fill covers the target and crops the overflow
	Fill = geometry.Fill
)

// ParseAspectMode maps "adjust", "no_adjust" or "fill" to an AspectMode
func ParseAspectMode(s string) (AspectMode, error) { return geometry.ParseAspectMode(s) }

// Surface is a destination handle supplied by an output sink
type Surface = surface.Surface

// Backend creates rendering contexts
type Backend = surface.Backend

// Context is a rendering context bound to one surface
type Context = surface.Context

// SoftwareBackend is the default CPU backend
type SoftwareBackend = surface.SoftwareBackend

// Quality selects the sampling filter
type Quality = surface.Quality

// Clock is the time source of the FPS gate
type Clock = fpsgate.Clock

// FilterStage is an opaque image transform in the filter chain
type FilterStage = filterchain.Stage

// FilterCommand is one edit of the filter chain
type FilterCommand = filterchain.Command

// Stats is an operational snapshot of the compositor
type Stats = engine.Stats

// SnapshotStats counts snapshot request outcomes
type SnapshotStats = engine.SnapshotStats

// TargetStats is a snapshot of one output's counters
type TargetStats = surface.Stats

// FilterStats counts filter command outcomes
type FilterStats = filterchain.Stats

// PacingStats describes the encoder emission cadence
type PacingStats = pacing.Stats

// Filter command constructors

// SetFilter replaces the stage at index
func SetFilter(index int, stage FilterStage) FilterCommand { return filterchain.Set(index, stage) }

// AddFilter appends stage
func AddFilter(stage FilterStage) FilterCommand { return filterchain.Add(stage) }

// AddFilterAt inserts stage at index
func AddFilterAt(index int, stage FilterStage) FilterCommand {
	return filterchain.AddAt(index, stage)
}

// RemoveFilterAt removes the stage at index
func RemoveFilterAt(index int) FilterCommand { return filterchain.RemoveAt(index) }

// RemoveFilter removes the first occurrence of stage
func RemoveFilter(stage FilterStage) FilterCommand { return filterchain.Remove(stage) }

// ClearFilters empties the chain
func ClearFilters() FilterCommand { return filterchain.Clear() }

// ReplaceFilters leaves stage as the only element of the chain
func ReplaceFilters(stage FilterStage) FilterCommand { return filterchain.Replace(stage) }

// Public API errors - re-export internal errors as the stable contract
var (
	ErrAlreadyStarted  = engine.ErrAlreadyStarted
	ErrInvalidSize     = engine.ErrInvalidSize
	ErrUnknownTarget   = engine.ErrUnknownTarget
	ErrInvalidRotation = geometry.ErrInvalidRotation
	ErrSurfaceInvalid  = surface.ErrSurfaceInvalid
	ErrContextLost     = surface.ErrContextLost
	ErrNotReady        = surface.ErrNotReady
)
