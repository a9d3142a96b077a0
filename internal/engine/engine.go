// Package engine implements the render loop: a dedicated goroutine that
// composites the latest source frame through the filter chain and presents
// it to the preview, encoder and snapshot targets.
//
// Goroutine topology:
//   - 1 fixed: renderLoop (spawned by Start, joined by Stop)
//   - N external: producers calling Texture().Publish, controllers calling
//     the setters. Neither ever blocks on the render goroutine.
//
// Everything that touches a rendering context (targets, off-screen buffer,
// filter stages) is owned by the render goroutine. Other goroutines record
// changes as pending operations that the loop applies at the start of its
// next iteration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/filterchain"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/fpsgate"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/pacing"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/surface"
)

// DefaultIdleTimeout bounds the frame wait so the loop re-checks pending
// operations even when the producer is silent.
const DefaultIdleTimeout = 100 * time.Millisecond

var (
	// ErrAlreadyStarted is returned by Start when the loop is not stopped.
	ErrAlreadyStarted = errors.New("compositor: render loop already started")

	// ErrInvalidSize is returned by Start and Resize for non-positive sizes.
	ErrInvalidSize = errors.New("compositor: invalid size")
)

// Config configures an Engine. Zero values take defaults.
type Config struct {
	TargetFPS    int           // encoder rate; ≤0 disables throttling
	IdleTimeout  time.Duration // frame wait bound (default: 100ms)
	ForceRender  bool          // redraw the latest frame without waiting for new ones
	AntiAliasing bool
	SourceFlipH  bool
	SourceFlipV  bool

	Preview  surface.Settings
	Encoder  surface.Settings
	Snapshot surface.Settings

	Reinit       surface.ReinitConfig
	Backend      surface.Backend // default: surface.SoftwareBackend
	Clock        fpsgate.Clock   // default: system clock
	PacingWindow int             // encoder emissions kept for pacing stats
	Logger       *slog.Logger    // default: slog.Default()
}

// Engine is the render loop and the state it owns.
type Engine struct {
	logger      *slog.Logger
	clock       fpsgate.Clock
	idleTimeout time.Duration

	tex     *Texture
	chain   *filterchain.Chain
	gate    *fpsgate.Gate
	pace    *pacing.Window
	snap    snapshotSlot
	targets [numTargets]*surface.Target

	// --- Lifecycle ---
	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32

	// Set while a snapshot callback runs on the render goroutine, where
	// Stop must not join the loop it is called from.
	inCallback atomic.Bool
	selfStop   atomic.Bool

	// --- Pending operations (any goroutine → render goroutine) ---
	opsMu sync.Mutex
	ops   []func()
	wake  chan struct{}

	forceRender atomic.Bool
	aaRequest   atomic.Int32 // aaNone, aaOff, aaOn

	// --- Render goroutine only ---
	sizes       [numTargets]image.Point
	offscreen   *image.RGBA
	sourceFlipH bool
	sourceFlipV bool
	quality     surface.Quality
	srcXf       geometry.Transform
	srcXfValid  bool

	// --- Counters ---
	passes           atomic.Uint64
	idleTimeouts     atomic.Uint64
	encoderThrottled atomic.Uint64
	lastSeq          atomic.Uint64
	lastTrace        atomic.Value // string
}

const (
	aaNone int32 = iota
	aaOff
	aaOn
)

// New creates a stopped engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = fpsgate.SystemClock()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	e := &Engine{
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		idleTimeout: cfg.IdleTimeout,
		tex:         NewTexture(),
		chain:       filterchain.New(cfg.Logger),
		gate:        fpsgate.New(cfg.TargetFPS, cfg.Clock),
		pace:        pacing.New(cfg.PacingWindow),
		wake:        make(chan struct{}, 1),
		sourceFlipH: cfg.SourceFlipH,
		sourceFlipV: cfg.SourceFlipV,
		quality:     qualityFor(cfg.AntiAliasing),
	}
	e.forceRender.Store(cfg.ForceRender)
	e.lastTrace.Store("")

	settings := [numTargets]surface.Settings{cfg.Preview, cfg.Encoder, cfg.Snapshot}
	for id := TargetID(0); id < numTargets; id++ {
		t := surface.NewTarget(id.String(), surface.Options{
			Backend: cfg.Backend,
			Reinit:  cfg.Reinit,
			Logger:  cfg.Logger,
			Now:     cfg.Clock.Now,
		})
		t.SetSettings(settings[id])
		t.SetQuality(e.quality)
		e.targets[id] = t
	}

	// The snapshot target renders into an engine-owned buffer; captures
	// are read back, so presenting is a no-op.
	e.targets[SnapshotTarget].Attach(captureSurface{}, 0, 0)
	return e
}

func qualityFor(antiAliasing bool) surface.Quality {
	if antiAliasing {
		return surface.QualitySmooth
	}
	return surface.QualityLinear
}

// Texture returns the source texture producers publish into. It outlives
// Start/Stop cycles.
func (e *Engine) Texture() *Texture { return e.tex }

// State returns the lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Start initialises the targets and spawns the render goroutine.
//
// Lifecycle:
//  1. Stopped → Starting (ErrAlreadyStarted otherwise)
//  2. Applies operations queued while stopped (attachments, settings,
//     resizes, which take precedence over the sizes passed here)
//  3. Allocates the encoder-sized off-screen buffer
//  4. Initialises the three targets; targets without a surface stay not-ready
//  5. Spawns renderLoop, Starting → Running
//
// The loop runs until Stop() or ctx cancellation.
func (e *Engine) Start(ctx context.Context, encoderW, encoderH, previewW, previewH int) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	if encoderW <= 0 || encoderH <= 0 || previewW < 0 || previewH < 0 {
		e.state.Store(int32(StateStopped))
		return fmt.Errorf("%w: encoder %dx%d, preview %dx%d", ErrInvalidSize, encoderW, encoderH, previewW, previewH)
	}

	if e.cancel != nil {
		// Left over from a Stop issued inside a snapshot callback.
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}

	e.sizes[PreviewTarget] = image.Pt(previewW, previewH)
	e.sizes[EncoderTarget] = image.Pt(encoderW, encoderH)
	e.sizes[SnapshotTarget] = image.Pt(encoderW, encoderH)

	// Resizes queued while stopped override the sizes above.
	e.runOps()

	if enc := e.sizes[EncoderTarget]; enc.X > 0 && enc.Y > 0 {
		encoderW, encoderH = enc.X, enc.Y
	}
	e.sizes[EncoderTarget] = image.Pt(encoderW, encoderH)
	previewW, previewH = e.sizes[PreviewTarget].X, e.sizes[PreviewTarget].Y
	e.sizes[SnapshotTarget] = e.sizes[EncoderTarget]
	e.offscreen = image.NewRGBA(image.Rect(0, 0, encoderW, encoderH))
	e.srcXfValid = false
	for id, t := range e.targets {
		size := e.sizes[id]
		if err := t.Init(size.X, size.Y); err != nil {
			e.logger.Warn("compositor: target init failed, will retry",
				"target", TargetID(id).String(),
				"error", err,
			)
		}
	}

	e.gate.SetFPS(e.gate.FPS())
	e.pace.Reset()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.state.Store(int32(StateRunning))

	e.wg.Add(1)
	go e.renderLoop(runCtx)

	e.logger.Info("compositor: render loop started",
		"encoder_width", encoderW,
		"encoder_height", encoderH,
		"preview_width", previewW,
		"preview_height", previewH,
		"target_fps", e.gate.FPS(),
	)
	return nil
}

// Stop ends the render loop and waits for it to exit. The render goroutine
// releases the three targets and the off-screen buffer on its way out; a
// pending snapshot is dropped without invoking its callback.
//
// Idempotent. Safe from any goroutine. Called from a snapshot callback it
// only marks the loop Stopping and returns; the render goroutine exits
// after the callback and moves the state to Stopped itself.
func (e *Engine) Stop() error {
	if e.inCallback.Load() {
		e.selfStop.Store(true)
		if !e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			e.selfStop.Store(false)
			return nil
		}
		e.logger.Debug("compositor: stop requested from snapshot callback")
		return nil
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.cancel == nil {
		return nil
	}
	e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))

	e.cancel()
	e.wg.Wait()
	e.cancel = nil

	e.state.Store(int32(StateStopped))
	e.logger.Info("compositor: render loop stopped", "passes", e.passes.Load())
	return nil
}

// EnqueueFilter schedules a filter chain edit. Never blocks.
func (e *Engine) EnqueueFilter(cmd filterchain.Command) {
	e.chain.Enqueue(cmd)
	e.signalWake()
}

// FilterCount returns the stage count as of the last applied command.
func (e *Engine) FilterCount() int { return e.chain.Count() }

// RequestSnapshot asks for a still of the next rendered pass. It returns
// false if the loop is not running or a request is already outstanding.
// cb runs on the render goroutine, exactly once per accepted request,
// unless the loop stops first.
func (e *Engine) RequestSnapshot(cb func(*image.RGBA)) bool {
	if cb == nil {
		return false
	}
	if e.State() != StateRunning {
		e.snap.rejected.Add(1)
		e.logger.Debug("compositor: snapshot rejected, render loop not running")
		return false
	}
	req, ok := e.snap.request(cb, e.clock.Now())
	if !ok {
		e.logger.Debug("compositor: snapshot rejected, request outstanding")
		return false
	}
	e.logger.Debug("compositor: snapshot requested", "snapshot_id", req.ID)
	e.signalWake()
	return true
}

// SetTargetFPS sets the encoder rate; n ≤ 0 disables throttling.
func (e *Engine) SetTargetFPS(n int) {
	e.gate.SetFPS(n)
	e.pace.Reset()
}

// TargetFPS returns the configured encoder rate.
func (e *Engine) TargetFPS() int { return e.gate.FPS() }

// SetRotation sets a target's rotation in degrees (multiples of 90).
func (e *Engine) SetRotation(id TargetID, degrees int) error {
	if !id.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownTarget, id)
	}
	r, err := geometry.ParseRotation(degrees)
	if err != nil {
		return err
	}
	e.enqueueOp(func() { e.targets[id].SetRotation(r) })
	return nil
}

// SetFlip sets a target's mirroring.
func (e *Engine) SetFlip(id TargetID, h, v bool) error {
	if !id.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownTarget, id)
	}
	e.enqueueOp(func() { e.targets[id].SetFlip(h, v) })
	return nil
}

// SetAspectMode sets a target's aspect policy.
func (e *Engine) SetAspectMode(id TargetID, keepAspect bool, mode geometry.AspectMode) error {
	if !id.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownTarget, id)
	}
	e.enqueueOp(func() { e.targets[id].SetAspect(keepAspect, mode) })
	return nil
}

// Resize records a new size for a target, applied at the start of the next
// iteration. Resizing the encoder also resizes the off-screen buffer.
func (e *Engine) Resize(id TargetID, width, height int) error {
	if !id.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownTarget, id)
	}
	if width < 0 || height < 0 {
		return fmt.Errorf("%w: %s %dx%d", ErrInvalidSize, id, width, height)
	}
	e.enqueueOp(func() { e.resize(id, width, height) })
	return nil
}

// SetSourceFlip mirrors the source while compositing.
func (e *Engine) SetSourceFlip(h, v bool) {
	e.enqueueOp(func() {
		e.sourceFlipH, e.sourceFlipV = h, v
		e.srcXfValid = false
	})
}

// SetForceRender makes the loop redraw the latest frame on every pass
// instead of waiting for a new one.
func (e *Engine) SetForceRender(on bool) {
	e.forceRender.Store(on)
	e.signalWake()
}

// SetMuteVideo makes the encoder receive black frames.
func (e *Engine) SetMuteVideo(muted bool) {
	e.enqueueOp(func() { e.targets[EncoderTarget].SetMuted(muted) })
}

// SetAntiAliasing switches the sampling quality. The change is deferred to
// a pass with no pending filter command.
func (e *Engine) SetAntiAliasing(on bool) {
	if on {
		e.aaRequest.Store(aaOn)
	} else {
		e.aaRequest.Store(aaOff)
	}
	e.signalWake()
}

// Attach binds a destination surface to the preview or encoder target.
func (e *Engine) Attach(id TargetID, dst surface.Surface) error {
	if id != PreviewTarget && id != EncoderTarget {
		return fmt.Errorf("%w: cannot attach to %s", ErrUnknownTarget, id)
	}
	e.enqueueOp(func() {
		size := e.sizes[id]
		if err := e.targets[id].Attach(dst, size.X, size.Y); err != nil {
			e.logger.Warn("compositor: attach failed, will retry", "target", id.String(), "error", err)
		}
	})
	return nil
}

// Detach unbinds the preview or encoder surface.
func (e *Engine) Detach(id TargetID) error {
	if id != PreviewTarget && id != EncoderTarget {
		return fmt.Errorf("%w: cannot detach %s", ErrUnknownTarget, id)
	}
	e.enqueueOp(func() { e.targets[id].Detach() })
	return nil
}

func (e *Engine) resize(id TargetID, width, height int) {
	e.sizes[id] = image.Pt(width, height)
	if e.offscreen == nil {
		// Stopped: Start sizes the targets from e.sizes.
		return
	}
	if err := e.targets[id].Resize(width, height); err != nil {
		e.logger.Warn("compositor: resize failed", "target", id.String(), "error", err)
	}
	if id == EncoderTarget && width > 0 && height > 0 {
		e.offscreen = image.NewRGBA(image.Rect(0, 0, width, height))
		e.srcXfValid = false
		e.sizes[SnapshotTarget] = image.Pt(width, height)
		e.targets[SnapshotTarget].Resize(width, height)
	}
}

func (e *Engine) enqueueOp(op func()) {
	e.opsMu.Lock()
	e.ops = append(e.ops, op)
	e.opsMu.Unlock()
	e.signalWake()
}

// runOps applies queued operations in order. Render goroutine (or Start).
func (e *Engine) runOps() {
	e.opsMu.Lock()
	ops := e.ops
	e.ops = nil
	e.opsMu.Unlock()

	for _, op := range ops {
		op()
	}
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// captureSurface backs the snapshot target. Always valid; presenting is a
// no-op because captures are read back before the swap.
type captureSurface struct{}

func (captureSurface) Valid() bool                          { return true }
func (captureSurface) Present(*image.RGBA, time.Time) error { return nil }
