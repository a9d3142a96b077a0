package framecompositor

import (
	"context"
	"image"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/engine"
)

// Compositor is the public interface of the compositing engine.
//
// Lifecycle: New() → Attach*() → Start() → Publish/Set*/RequestSnapshot → Stop().
// Start/Stop may be repeated; attachments and settings persist across cycles.
//
// Implementation is in internal/engine (hidden from clients).
type Compositor interface {
	// Start initialises the outputs and spawns the render goroutine. The
	// off-screen composite and the snapshot output take the encoder size.
	//
	// Returns ErrAlreadyStarted unless stopped, ErrInvalidSize for a
	// non-positive encoder size. A zero preview size leaves the preview
	// not-ready.
	Start(ctx context.Context, encoderWidth, encoderHeight, previewWidth, previewHeight int) error

	// Stop ends the render loop and blocks until it exits. All outputs are
	// released exactly once; a pending snapshot is dropped silently.
	//
	// Idempotent.
	Stop() error

	// EnqueueFilter schedules a filter chain edit (non-blocking). Commands
	// apply one per render pass, in enqueue order; out-of-range indexes are
	// silent no-ops.
	EnqueueFilter(cmd FilterCommand)

	// FilterCount returns the chain length as of the last applied command.
	FilterCount() int

	// RequestSnapshot asks for a still of the next render pass. Returns
	// false unless the loop is running, or while another request is
	// outstanding. cb runs on the render goroutine, exactly once per
	// accepted request, unless Stop comes first. cb may call Stop.
	RequestSnapshot(cb func(*image.RGBA)) bool

	// SetTargetFPS sets the encoder rate; n ≤ 0 disables throttling.
	SetTargetFPS(n int)

	// SetRotation sets an output's clockwise rotation (multiples of 90).
	SetRotation(target TargetID, degrees int) error

	// SetFlip sets an output's mirroring.
	SetFlip(target TargetID, horizontal, vertical bool) error

	// SetAspectMode sets an output's aspect policy.
	SetAspectMode(target TargetID, keepAspect bool, mode AspectMode) error

	// Resize changes an output size, applied on the next pass. Resizing the
	// encoder also resizes the off-screen composite and the snapshot output.
	Resize(target TargetID, width, height int) error

	// SetSourceFlip mirrors the source while compositing.
	SetSourceFlip(horizontal, vertical bool)

	// SetForceRender redraws the latest frame on every pass (static sources).
	SetForceRender(on bool)

	// SetMuteVideo sends black frames of the encoder size to the encoder.
	SetMuteVideo(muted bool)

	// SetAntiAliasing switches the sampling quality, deferred to a pass with
	// no pending filter command.
	SetAntiAliasing(on bool)

	// AttachPreview binds the preview destination.
	AttachPreview(dst Surface) error

	// AttachEncoder binds the encoder input surface.
	AttachEncoder(dst Surface) error

	// DetachPreview unbinds the preview; it stays not-ready until re-attached.
	DetachPreview() error

	// DetachEncoder unbinds the encoder.
	DetachEncoder() error

	// State returns the lifecycle state.
	State() State

	// Stats returns an operational snapshot (non-blocking).
	Stats() Stats

	// Texture returns the source texture producers publish into.
	Texture() *Texture
}

// New creates a stopped compositor. The configuration is validated (and
// defaults filled) first.
func New(cfg Config) (Compositor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := engine.New(cfg.engineConfig())
	if cfg.MuteVideo {
		e.SetMuteVideo(true)
	}
	return &compositor{Engine: e}, nil
}

// compositor adapts engine.Engine to the Compositor interface.
type compositor struct {
	*engine.Engine
}

func (c *compositor) AttachPreview(dst Surface) error { return c.Attach(engine.PreviewTarget, dst) }
func (c *compositor) AttachEncoder(dst Surface) error { return c.Attach(engine.EncoderTarget, dst) }
func (c *compositor) DetachPreview() error            { return c.Detach(engine.PreviewTarget) }
func (c *compositor) DetachEncoder() error            { return c.Detach(engine.EncoderTarget) }
