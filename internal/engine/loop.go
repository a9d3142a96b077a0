package engine

import (
	"context"
	"image"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/surface"
)

type waitResult int

const (
	waitFrame waitResult = iota // a new frame is pending
	waitRetry                   // woken or timed out; start a fresh iteration
	waitStop
)

// renderLoop is the render goroutine. It owns the targets, the off-screen
// buffer and the filter stages, and releases them on exit.
func (e *Engine) renderLoop(ctx context.Context) {
	defer e.wg.Done()
	defer e.teardown()

	for e.iterate(ctx) {
	}
}

// iterate runs one pass. Returns false when the loop must exit.
//
// Algorithm:
//  1. Apply pending operations, service target re-init
//  2. Mark the frame start for the FPS gate
//  3. Wait for a frame unless one is pending or a redraw is due
//  4. Consume the frame, composite it through the filter chain
//  5. Apply at most one filter command (else a deferred AA toggle)
//  6. Preview: draw if ready
//  7. Encoder: draw if ready and the gate allows
//  8. Snapshot: capture and deliver if requested
//  9. Pacing wait until the next encoder slot, cut short by a new frame
func (e *Engine) iterate(ctx context.Context) bool {
	e.runOps()
	now := e.clock.Now()
	for _, t := range e.targets {
		t.Service(now)
	}

	e.gate.SetFrameStart()

	if !e.tex.Pending() && !e.redrawDue() {
		switch e.waitFrame(ctx) {
		case waitStop:
			return false
		case waitRetry:
			return true
		}
	}
	if e.stopping(ctx) {
		return false
	}

	// A frame consumed here counts as used even if the gate later
	// throttles the encoder.
	frame, ok := e.tex.Consume()
	if !ok || e.offscreen == nil {
		return true
	}
	e.composite(frame.Image)
	e.passes.Add(1)
	e.lastSeq.Store(frame.Seq)
	e.lastTrace.Store(frame.TraceID)

	if !e.chain.ApplyNext() {
		e.applyAntiAliasing()
	}

	b := e.offscreen.Bounds()
	w, h := b.Dx(), b.Dy()

	if t := e.targets[PreviewTarget]; t.IsReady() && !e.stopping(ctx) {
		_ = t.Draw(e.offscreen, w, h, frame.Timestamp)
	}

	if t := e.targets[EncoderTarget]; t.IsReady() && !e.stopping(ctx) {
		if e.gate.ShouldSkip() {
			e.encoderThrottled.Add(1)
		} else if err := t.Draw(e.offscreen, w, h, frame.Timestamp); err == nil {
			e.pace.Record(e.clock.Now())
		}
	}

	if req := e.snap.pending(); req != nil && !e.stopping(ctx) {
		e.deliverSnapshot(req, frame, w, h)
	}

	if e.stopping(ctx) {
		return false
	}
	return e.pacingWait(ctx)
}

// redrawDue reports whether the latest frame should be drawn again without
// a new one: force render is on, or a snapshot is waiting.
func (e *Engine) redrawDue() bool {
	if _, has := e.tex.Latest(); !has {
		return false
	}
	if e.forceRender.Load() {
		return true
	}
	return e.snap.pending() != nil && e.targets[SnapshotTarget].IsReady()
}

func (e *Engine) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || e.State() != StateRunning
}

// waitFrame blocks until a frame arrives, an operation is queued, the
// idle timeout fires or the loop stops.
func (e *Engine) waitFrame(ctx context.Context) waitResult {
	timer := time.NewTimer(e.idleTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return waitStop
	case <-e.tex.Signal():
		if !e.tex.Pending() {
			return waitRetry
		}
		return waitFrame
	case <-e.wake:
		return waitRetry
	case <-timer.C:
		e.idleTimeouts.Add(1)
		return waitRetry
	}
}

// pacingWait sleeps out the rest of the encoder interval. A frame already
// pending skips the wait; one arriving during it ends the wait early.
func (e *Engine) pacingWait(ctx context.Context) bool {
	if e.tex.Pending() {
		return ctx.Err() == nil
	}
	d := e.gate.SleepRemaining()
	if d <= 0 && e.forceRender.Load() {
		// Unthrottled forced redraws still yield between passes.
		d = e.idleTimeout
	}
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-e.tex.Signal():
	case <-timer.C:
	}
	return true
}

// composite runs img through the filter chain into the off-screen buffer,
// stretched to the encoder size and mirrored by the source flip.
func (e *Engine) composite(img image.Image) {
	out := e.chain.Render(img)
	if out == nil {
		out = img
	}
	sb := out.Bounds()
	if !e.srcXfValid || e.srcXf.SrcW != sb.Dx() || e.srcXf.SrcH != sb.Dy() {
		ob := e.offscreen.Bounds()
		e.srcXf = geometry.Compute(sb.Dx(), sb.Dy(), ob.Dx(), ob.Dy(),
			geometry.Rotate0, e.sourceFlipH, e.sourceFlipV, false, geometry.Adjust)
		e.srcXfValid = true
	}
	surface.Compose(e.offscreen, out, e.srcXf, e.quality)
}

// applyAntiAliasing applies a deferred quality toggle.
func (e *Engine) applyAntiAliasing() {
	var q surface.Quality
	switch e.aaRequest.Swap(aaNone) {
	case aaOn:
		q = surface.QualitySmooth
	case aaOff:
		q = surface.QualityLinear
	default:
		return
	}
	if q == e.quality {
		return
	}
	e.quality = q
	for _, t := range e.targets {
		t.SetQuality(q)
	}
	e.logger.Info("compositor: anti-aliasing toggled", "quality", q.String())
}

func (e *Engine) deliverSnapshot(req *SnapshotRequest, frame Frame, w, h int) {
	t := e.targets[SnapshotTarget]
	if !t.IsReady() {
		return
	}
	img, err := t.Capture(e.offscreen, w, h, frame.Timestamp)
	if err != nil {
		// Stays pending; retried on the next pass.
		return
	}

	e.snap.complete(req)
	e.inCallback.Store(true)
	req.Callback(img)
	e.inCallback.Store(false)

	e.logger.Debug("compositor: snapshot delivered",
		"snapshot_id", req.ID,
		"trace_id", frame.TraceID,
		"seq", frame.Seq,
		"latency", e.clock.Now().Sub(req.Requested),
	)
}

// teardown releases everything the render goroutine owns. Runs once per
// Start, on the render goroutine.
func (e *Engine) teardown() {
	for _, t := range e.targets {
		t.Release()
	}
	e.offscreen = nil
	e.srcXfValid = false

	if req := e.snap.drop(); req != nil {
		e.logger.Debug("compositor: pending snapshot dropped on stop", "snapshot_id", req.ID)
	}

	if e.selfStop.CompareAndSwap(true, false) {
		e.state.Store(int32(StateStopped))
		e.logger.Info("compositor: render loop stopped", "passes", e.passes.Load())
	}
}
