package surface

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/geometry"
)

// Settings is the per-target geometry configuration.
type Settings struct {
	Rotation   geometry.Rotation
	FlipH      bool
	FlipV      bool
	KeepAspect bool
	Mode       geometry.AspectMode
}

// Options configures a Target.
type Options struct {
	Backend Backend          // default: SoftwareBackend
	Reinit  ReinitConfig     // zero fields take defaults
	Logger  *slog.Logger     // default: slog.Default()
	Now     func() time.Time // default: time.Now
}

// Stats is a snapshot of one target's counters.
type Stats struct {
	Name            string
	Ready           bool
	Degraded        bool // re-init attempts exhausted
	Width           int
	Height          int
	Draws           uint64
	Skips           uint64 // draw requested while not ready
	Failures        uint64
	Releases        uint64 // Release() calls that tore the target down
	ContextReleases uint64
	ReinitAttempts  uint64
}

// Target is one output: a destination surface, the context bound to it,
// and the geometry used to map the composite onto it.
//
// All methods except IsReady and Stats belong to the render goroutine.
type Target struct {
	name    string
	backend Backend
	reinitC ReinitConfig
	logger  *slog.Logger
	now     func() time.Time

	dst      Surface
	ctx      Context
	width    int
	height   int
	settings Settings
	muted    bool
	quality  Quality
	released bool

	// Transform cache, keyed on the source size.
	xf      geometry.Transform
	xfSrcW  int
	xfSrcH  int
	xfValid bool

	reinit reinitState

	ready           atomic.Bool
	degraded        atomic.Bool
	statW           atomic.Int64
	statH           atomic.Int64
	draws           atomic.Uint64
	skips           atomic.Uint64
	failures        atomic.Uint64
	releases        atomic.Uint64
	contextReleases atomic.Uint64
	reinitAttempts  atomic.Uint64
}

// NewTarget creates a target with no surface attached.
func NewTarget(name string, opts Options) *Target {
	if opts.Backend == nil {
		opts.Backend = SoftwareBackend{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Target{
		name:    name,
		backend: opts.Backend,
		reinitC: opts.Reinit.withDefaults(),
		logger:  opts.Logger.With("target", name),
		now:     opts.Now,
		quality: QualityLinear,
	}
}

// Name returns the target name ("preview", "encoder", "snapshot").
func (t *Target) Name() string { return t.name }

// IsReady reports whether the target has a context, a non-zero size and a
// valid surface. Safe from any goroutine.
func (t *Target) IsReady() bool { return t.ready.Load() }

// Size returns the current target size.
func (t *Target) Size() (int, int) { return t.width, t.height }

// Init sizes the target and binds a context to the attached surface.
// Calling Init on an initialised target behaves as Resize. A target with no
// surface stays not-ready and Init returns nil.
func (t *Target) Init(width, height int) error {
	t.released = false
	if t.ctx != nil {
		return t.Resize(width, height)
	}
	t.setSize(width, height)
	if t.dst == nil || width <= 0 || height <= 0 {
		t.updateReady()
		return nil
	}
	if err := t.bind(); err != nil {
		t.reinit.schedule(t.now())
		return fmt.Errorf("compositor: init %s target: %w", t.name, err)
	}
	return nil
}

// Resize updates the target size and invalidates the cached transform.
func (t *Target) Resize(width, height int) error {
	if width == t.width && height == t.height {
		return nil
	}
	t.setSize(width, height)
	if t.ctx == nil {
		if t.dst != nil && width > 0 && height > 0 && !t.released && !t.reinit.scheduled {
			t.reinit.schedule(t.now())
		}
		t.updateReady()
		return nil
	}
	if width <= 0 || height <= 0 {
		t.updateReady()
		return nil
	}
	if err := t.ctx.Resize(width, height); err != nil {
		return t.fail("resize", err)
	}
	t.logger.Debug("compositor: target resized", "width", width, "height", height)
	return nil
}

// Attach binds dst as the destination. Any previous context is released
// and the re-init budget is reset.
func (t *Target) Attach(dst Surface, width, height int) error {
	t.dropContext()
	t.reinit.reset()
	t.degraded.Store(false)
	t.dst = dst
	t.logger.Info("compositor: surface attached", "width", width, "height", height)
	return t.Init(width, height)
}

// Detach unbinds the destination. The target stays not-ready until a new
// surface is attached.
func (t *Target) Detach() {
	if t.dst == nil {
		return
	}
	t.dropContext()
	t.reinit.reset()
	t.dst = nil
	t.updateReady()
	t.logger.Info("compositor: surface detached")
}

// Settings returns the geometry settings.
func (t *Target) Settings() Settings { return t.settings }

// SetSettings replaces the geometry settings.
func (t *Target) SetSettings(s Settings) {
	if s != t.settings {
		t.settings = s
		t.xfValid = false
	}
}

// SetRotation sets the target rotation.
func (t *Target) SetRotation(r geometry.Rotation) {
	s := t.settings
	s.Rotation = r
	t.SetSettings(s)
}

// SetFlip sets horizontal and vertical mirroring.
func (t *Target) SetFlip(h, v bool) {
	s := t.settings
	s.FlipH, s.FlipV = h, v
	t.SetSettings(s)
}

// SetAspect sets the aspect policy.
func (t *Target) SetAspect(keepAspect bool, mode geometry.AspectMode) {
	s := t.settings
	s.KeepAspect, s.Mode = keepAspect, mode
	t.SetSettings(s)
}

// SetMuted makes Draw present black frames of the target size.
func (t *Target) SetMuted(muted bool) { t.muted = muted }

// SetQuality selects the sampling filter.
func (t *Target) SetQuality(q Quality) { t.quality = q }

// Transform returns the transform for a srcW×srcH source, reusing the
// cached one when nothing changed.
func (t *Target) Transform(srcW, srcH int) geometry.Transform {
	if t.xfValid && t.xfSrcW == srcW && t.xfSrcH == srcH {
		return t.xf
	}
	s := t.settings
	t.xf = geometry.Compute(srcW, srcH, t.width, t.height, s.Rotation, s.FlipH, s.FlipV, s.KeepAspect, s.Mode)
	t.xfSrcW, t.xfSrcH, t.xfValid = srcW, srcH, true
	return t.xf
}

// Draw maps src onto the target and presents it.
func (t *Target) Draw(src image.Image, srcW, srcH int, ts time.Time) error {
	_, err := t.render(src, srcW, srcH, ts, false)
	return err
}

// Capture draws like Draw and also returns a copy of the drawn pixels.
func (t *Target) Capture(src image.Image, srcW, srcH int, ts time.Time) (*image.RGBA, error) {
	return t.render(src, srcW, srcH, ts, true)
}

func (t *Target) render(src image.Image, srcW, srcH int, ts time.Time, capture bool) (*image.RGBA, error) {
	if !t.ready.Load() || t.ctx == nil {
		t.skips.Add(1)
		return nil, ErrNotReady
	}
	if !t.dst.Valid() {
		return nil, t.fail("draw", ErrSurfaceInvalid)
	}

	xf := t.Transform(srcW, srcH)
	if t.muted {
		xf = geometry.Transform{}
	}

	if err := t.ctx.MakeCurrent(); err != nil {
		return nil, t.fail("make current", err)
	}
	if err := t.ctx.Draw(src, xf, t.quality); err != nil {
		return nil, t.fail("draw", err)
	}
	var pixels *image.RGBA
	if capture {
		pixels = t.ctx.ReadPixels()
	}
	if err := t.ctx.SwapBuffers(ts); err != nil {
		return nil, t.fail("present", err)
	}
	t.draws.Add(1)
	return pixels, nil
}

// Service runs at the start of every render iteration. It notices surfaces
// destroyed by their consumer and drives context re-initialisation.
func (t *Target) Service(now time.Time) {
	if t.released || t.dst == nil {
		return
	}
	if t.ctx != nil && !t.dst.Valid() {
		t.invalidate()
		return
	}
	if t.ctx != nil || !t.reinit.due(now) {
		return
	}
	if !t.dst.Valid() || t.width <= 0 || t.height <= 0 {
		// Waiting on the consumer does not burn attempts.
		return
	}

	t.reinit.attempts++
	t.reinitAttempts.Add(1)
	if err := t.bind(); err != nil {
		if t.reinit.failed(now, t.reinitC) {
			t.degraded.Store(true)
			t.logger.Error("compositor: target degraded, re-init attempts exhausted",
				"attempts", t.reinit.attempts,
				"error", err,
			)
			return
		}
		t.logger.Warn("compositor: target re-init failed",
			"attempt", t.reinit.attempts,
			"max_attempts", t.reinitC.MaxAttempts,
			"retry_in", t.reinit.next.Sub(now),
			"error", err,
		)
		return
	}
	t.logger.Info("compositor: target re-initialised", "attempts", t.reinit.attempts)
	t.reinit.reset()
}

// Release tears the target down: the context is released and the target
// stays not-ready until the next Init. Repeated calls are no-ops.
func (t *Target) Release() {
	if t.released {
		return
	}
	t.released = true
	t.dropContext()
	t.reinit.reset()
	t.updateReady()
	t.releases.Add(1)
	t.logger.Debug("compositor: target released")
}

// Stats returns a snapshot of the target counters. Safe from any goroutine.
func (t *Target) Stats() Stats {
	return Stats{
		Name:            t.name,
		Ready:           t.ready.Load(),
		Degraded:        t.degraded.Load(),
		Width:           int(t.statW.Load()),
		Height:          int(t.statH.Load()),
		Draws:           t.draws.Load(),
		Skips:           t.skips.Load(),
		Failures:        t.failures.Load(),
		Releases:        t.releases.Load(),
		ContextReleases: t.contextReleases.Load(),
		ReinitAttempts:  t.reinitAttempts.Load(),
	}
}

func (t *Target) bind() error {
	ctx, err := t.backend.NewContext(t.dst, t.width, t.height)
	if err != nil {
		return err
	}
	t.ctx = ctx
	t.xfValid = false
	t.updateReady()
	return nil
}

// fail classifies a draw-path error. Surface invalidation and context loss
// drop the context; anything else is counted and logged only.
func (t *Target) fail(op string, err error) error {
	t.failures.Add(1)
	switch {
	case errors.Is(err, ErrSurfaceInvalid):
		t.invalidate()
	case errors.Is(err, ErrContextLost):
		t.logger.Warn("compositor: context lost, scheduling re-init", "op", op)
		t.dropContext()
		t.reinit.schedule(t.now())
		t.updateReady()
	default:
		t.logger.Error("compositor: target operation failed", "op", op, "error", err)
	}
	return fmt.Errorf("compositor: %s %s: %w", t.name, op, err)
}

func (t *Target) invalidate() {
	t.logger.Warn("compositor: destination surface invalid, target not ready")
	t.dropContext()
	t.reinit.schedule(t.now())
	t.updateReady()
}

func (t *Target) dropContext() {
	if t.ctx == nil {
		return
	}
	t.ctx.Release()
	t.ctx = nil
	t.contextReleases.Add(1)
}

func (t *Target) setSize(width, height int) {
	t.width, t.height = width, height
	t.statW.Store(int64(width))
	t.statH.Store(int64(height))
	t.xfValid = false
}

func (t *Target) updateReady() {
	ready := !t.released && t.ctx != nil && t.dst != nil && t.width > 0 && t.height > 0
	t.ready.Store(ready)
}
