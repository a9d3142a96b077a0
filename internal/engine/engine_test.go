package engine

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/filterchain"
)

// recordingSurface counts presented frames and keeps a copy of the last.
// With block set, Present signals entered and waits until block closes.
type recordingSurface struct {
	mu       sync.Mutex
	presents int
	last     *image.RGBA

	block   chan struct{}
	entered chan struct{}
}

func (s *recordingSurface) Valid() bool { return true }

func (s *recordingSurface) Present(img *image.RGBA, _ time.Time) error {
	if s.block != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presents++
	s.last = image.NewRGBA(img.Bounds())
	copy(s.last.Pix, img.Pix)
	return nil
}

func (s *recordingSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presents
}

func (s *recordingSurface) lastFrame() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(cfg Config) *Engine {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Millisecond
	}
	cfg.Logger = quietLogger()
	return New(cfg)
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLifecycle(t *testing.T) {
	e := newTestEngine(Config{})

	if e.State() != StateStopped {
		t.Fatalf("initial state=%s, expected stopped", e.State())
	}
	if err := e.Start(context.Background(), 64, 48, 32, 24); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.State() != StateRunning {
		t.Fatalf("state after Start=%s, expected running", e.State())
	}
	if err := e.Start(context.Background(), 64, 48, 32, 24); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start error=%v, expected ErrAlreadyStarted", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if e.State() != StateStopped {
		t.Fatalf("state after Stop=%s, expected stopped", e.State())
	}

	// Restart sees fresh resources.
	if err := e.Start(context.Background(), 64, 48, 32, 24); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer e.Stop()
	if !e.targets[SnapshotTarget].IsReady() {
		t.Error("snapshot target not ready after restart")
	}
}

func TestStartRejectsInvalidSize(t *testing.T) {
	e := newTestEngine(Config{})
	if err := e.Start(context.Background(), 0, 48, 32, 24); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("error=%v, expected ErrInvalidSize", err)
	}
	if e.State() != StateStopped {
		t.Errorf("state=%s after failed Start, expected stopped", e.State())
	}
}

// TestEncoderNotReadyPreviewStillDraws attaches only a preview surface.
// Frames must reach the preview while the encoder target is never drawn:
// no draws, no skipped draw attempts.
func TestEncoderNotReadyPreviewStillDraws(t *testing.T) {
	e := newTestEngine(Config{TargetFPS: 30})
	preview := &recordingSurface{}
	e.Attach(PreviewTarget, preview)

	if err := e.Start(context.Background(), 64, 48, 32, 24); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	for i := 0; i < 5; i++ {
		e.Texture().Publish(Frame{Image: solid(64, 48, color.White)})
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, 2*time.Second, "preview frames", func() bool { return preview.count() >= 3 })

	st := e.Stats()
	t.Logf("preview draws=%d encoder=%+v", st.Preview.Draws, st.Encoder)
	if st.Encoder.Ready {
		t.Fatal("encoder reported ready without a surface")
	}
	if st.Encoder.Draws != 0 || st.Encoder.Skips != 0 || st.Encoder.Failures != 0 {
		t.Errorf("encoder stats=%+v, expected no draw attempts", st.Encoder)
	}
	if st.EncoderThrottled != 0 {
		t.Errorf("EncoderThrottled=%d, gate must not be consulted for a not-ready encoder", st.EncoderThrottled)
	}
}

// TestStopWhileDrawScheduled blocks the render goroutine inside the preview
// present, stops the engine from another goroutine, then releases the
// present. The loop must not draw again and each target must be released
// exactly once.
func TestStopWhileDrawScheduled(t *testing.T) {
	e := newTestEngine(Config{})
	preview := &recordingSurface{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	encoder := &recordingSurface{}
	e.Attach(PreviewTarget, preview)
	e.Attach(EncoderTarget, encoder)

	if err := e.Start(context.Background(), 64, 48, 64, 48); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Texture().Publish(Frame{Image: solid(64, 48, color.White)})
	select {
	case <-preview.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("render loop never presented to preview")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop() }()
	waitFor(t, time.Second, "stopping state", func() bool { return e.State() == StateStopping })

	// More frames while stopping must not be drawn.
	e.Texture().Publish(Frame{Image: solid(64, 48, color.White)})
	close(preview.block)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if preview.count() != 1 {
		t.Errorf("preview presents=%d, expected 1 (the in-flight draw)", preview.count())
	}
	if encoder.count() != 0 {
		t.Errorf("encoder presents=%d, expected 0 after Stopping", encoder.count())
	}

	e.Stop()
	st := e.Stats()
	for _, ts := range []struct {
		name string
		rel  uint64
		ctx  uint64
	}{
		{"preview", st.Preview.Releases, st.Preview.ContextReleases},
		{"encoder", st.Encoder.Releases, st.Encoder.ContextReleases},
		{"snapshot", st.Snapshot.Releases, st.Snapshot.ContextReleases},
	} {
		if ts.rel != 1 || ts.ctx != 1 {
			t.Errorf("%s: releases=%d context_releases=%d, expected 1/1", ts.name, ts.rel, ts.ctx)
		}
	}
	if st.State != StateStopped {
		t.Errorf("state=%s, expected stopped", st.State)
	}
}

func TestSnapshotSingleSlot(t *testing.T) {
	e := newTestEngine(Config{})
	if err := e.Start(context.Background(), 32, 32, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	var first, third atomic.Int32
	var firstImg atomic.Pointer[image.RGBA]

	if !e.RequestSnapshot(func(img *image.RGBA) {
		first.Add(1)
		firstImg.Store(img)
	}) {
		t.Fatal("first request rejected")
	}
	if e.RequestSnapshot(func(*image.RGBA) { t.Error("second callback invoked") }) {
		t.Fatal("second request accepted while first outstanding")
	}

	e.Texture().Publish(Frame{Image: solid(16, 16, color.White)})
	waitFor(t, 2*time.Second, "first snapshot", func() bool { return first.Load() == 1 })

	if img := firstImg.Load(); img == nil || img.Bounds().Dx() != 32 {
		t.Fatalf("snapshot image=%v, expected 32x32", img)
	}

	if !e.RequestSnapshot(func(*image.RGBA) { third.Add(1) }) {
		t.Fatal("third request rejected after fulfilment")
	}
	waitFor(t, 2*time.Second, "third snapshot", func() bool { return third.Load() == 1 })

	time.Sleep(20 * time.Millisecond)
	if first.Load() != 1 || third.Load() != 1 {
		t.Errorf("callbacks first=%d third=%d, expected exactly once each", first.Load(), third.Load())
	}
	st := e.Stats().Snapshots
	if st.Delivered != 2 || st.Rejected != 1 || st.Pending {
		t.Errorf("snapshot stats=%+v, expected 2 delivered, 1 rejected", st)
	}
}

func TestSnapshotDroppedOnStop(t *testing.T) {
	e := newTestEngine(Config{})
	if err := e.Start(context.Background(), 32, 32, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	called := make(chan struct{}, 1)
	if !e.RequestSnapshot(func(*image.RGBA) { called <- struct{}{} }) {
		t.Fatal("request rejected")
	}
	e.Stop()

	select {
	case <-called:
		t.Fatal("callback invoked for a request pending at stop")
	default:
	}
	if st := e.Stats().Snapshots; st.Dropped != 1 || st.Pending {
		t.Errorf("snapshot stats=%+v, expected one dropped", st)
	}
	if e.RequestSnapshot(func(*image.RGBA) { t.Error("callback for request made while stopped") }) {
		t.Error("request accepted while stopped")
	}
	if st := e.Stats().Snapshots; st.Pending || st.Rejected != 1 {
		t.Errorf("snapshot stats=%+v, expected nothing pending and one rejected", st)
	}

	if err := e.Start(context.Background(), 32, 32, 0, 0); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer e.Stop()
	if !e.RequestSnapshot(func(*image.RGBA) {}) {
		t.Error("slot not freed by stop")
	}
}

// TestStopFromSnapshotCallback stops the engine from the render goroutine.
// Stop must return without joining itself, and the loop must still wind
// down to Stopped and accept a later Start.
func TestStopFromSnapshotCallback(t *testing.T) {
	e := newTestEngine(Config{})
	if err := e.Start(context.Background(), 32, 32, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	returned := make(chan error, 1)
	if !e.RequestSnapshot(func(*image.RGBA) { returned <- e.Stop() }) {
		t.Fatal("request rejected")
	}
	e.Texture().Publish(Frame{Image: solid(16, 16, color.White)})

	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("Stop from callback: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop from snapshot callback never returned; state=%s", e.State())
	}
	waitFor(t, 2*time.Second, "stopped state", func() bool { return e.State() == StateStopped })

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop after self-stop blocked")
	}

	if err := e.Start(context.Background(), 32, 32, 0, 0); err != nil {
		t.Fatalf("restart after self-stop: %v", err)
	}
	if e.State() != StateRunning {
		t.Errorf("state after restart=%s", e.State())
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.State() != StateStopped {
		t.Errorf("state after final Stop=%s", e.State())
	}
}

// TestResizeWhileStoppedSurvivesStart queues resizes before Start; they
// take precedence over the sizes Start is given.
func TestResizeWhileStoppedSurvivesStart(t *testing.T) {
	e := newTestEngine(Config{})
	preview := &recordingSurface{}
	encoder := &recordingSurface{}
	e.Attach(PreviewTarget, preview)
	e.Attach(EncoderTarget, encoder)

	if err := e.Resize(PreviewTarget, 20, 10); err != nil {
		t.Fatalf("Resize preview: %v", err)
	}
	if err := e.Resize(EncoderTarget, 48, 24); err != nil {
		t.Fatalf("Resize encoder: %v", err)
	}
	if err := e.Start(context.Background(), 64, 32, 32, 32); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	snap := make(chan *image.RGBA, 1)
	if !e.RequestSnapshot(func(img *image.RGBA) { snap <- img }) {
		t.Fatal("request rejected")
	}
	e.Texture().Publish(Frame{Image: solid(16, 16, color.White)})
	waitFor(t, 2*time.Second, "preview and encoder frames", func() bool {
		return preview.count() > 0 && encoder.count() > 0
	})

	if b := preview.lastFrame().Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Errorf("preview bounds=%v, expected 20x10", b)
	}
	if b := encoder.lastFrame().Bounds(); b.Dx() != 48 || b.Dy() != 24 {
		t.Errorf("encoder bounds=%v, expected 48x24", b)
	}
	select {
	case img := <-snap:
		if b := img.Bounds(); b.Dx() != 48 || b.Dy() != 24 {
			t.Errorf("snapshot bounds=%v, expected encoder size 48x24", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot not delivered")
	}
}

// TestEncoderThrottled publishes at ~200 fps with the gate at 10 fps. The
// preview follows the producer; the encoder stays near 10 fps.
func TestEncoderThrottled(t *testing.T) {
	e := newTestEngine(Config{TargetFPS: 10})
	preview := &recordingSurface{}
	encoder := &recordingSurface{}
	e.Attach(PreviewTarget, preview)
	e.Attach(EncoderTarget, encoder)

	if err := e.Start(context.Background(), 32, 32, 32, 32); err != nil {
		t.Fatalf("Start: %v", err)
	}

	img := solid(32, 32, color.White)
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		e.Texture().Publish(Frame{Image: img})
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()

	st := e.Stats()
	t.Logf("preview=%d encoder=%d throttled=%d coalesced=%d", preview.count(), encoder.count(), st.EncoderThrottled, st.FramesCoalesced)
	if encoder.count() < 3 || encoder.count() > 8 {
		t.Errorf("encoder presents=%d in 500ms at 10 fps, expected 3..8", encoder.count())
	}
	if preview.count() <= encoder.count() {
		t.Errorf("preview presents=%d not above encoder=%d", preview.count(), encoder.count())
	}
	if st.EncoderThrottled == 0 {
		t.Error("gate never throttled the encoder")
	}
}

func TestMuteVideoSendsBlack(t *testing.T) {
	e := newTestEngine(Config{})
	encoder := &recordingSurface{}
	e.Attach(EncoderTarget, encoder)
	e.SetMuteVideo(true)

	if err := e.Start(context.Background(), 16, 16, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Texture().Publish(Frame{Image: solid(16, 16, color.White)})
	waitFor(t, 2*time.Second, "encoder frame", func() bool { return encoder.count() >= 1 })

	last := encoder.lastFrame()
	if got := last.RGBAAt(8, 8); got != (color.RGBA{A: 255}) {
		t.Errorf("muted encoder pixel=%v, expected opaque black", got)
	}
	if b := last.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Errorf("muted frame size=%v, expected encoder size", b)
	}
}

func TestSourceFlipMirrorsComposite(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if x < 8 {
				src.SetRGBA(x, y, red)
			} else {
				src.SetRGBA(x, y, blue)
			}
		}
	}

	e := newTestEngine(Config{SourceFlipH: true})
	preview := &recordingSurface{}
	e.Attach(PreviewTarget, preview)
	if err := e.Start(context.Background(), 16, 16, 16, 16); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Texture().Publish(Frame{Image: src})
	waitFor(t, 2*time.Second, "preview frame", func() bool { return preview.count() >= 1 })

	last := preview.lastFrame()
	if got := last.RGBAAt(2, 8); got != blue {
		t.Errorf("left pixel=%v, expected blue after horizontal source flip", got)
	}
	if got := last.RGBAAt(13, 8); got != red {
		t.Errorf("right pixel=%v, expected red after horizontal source flip", got)
	}
}

func TestFilterCommandsAppliedAcrossPasses(t *testing.T) {
	e := newTestEngine(Config{ForceRender: true})
	var renders atomic.Int32
	stage := stageFunc(func(src image.Image) image.Image {
		renders.Add(1)
		return src
	})

	e.EnqueueFilter(filterchain.Add(&stage))
	e.EnqueueFilter(filterchain.Add(&stage))
	e.EnqueueFilter(filterchain.RemoveAt(5))
	e.EnqueueFilter(filterchain.Add(&stage))

	if err := e.Start(context.Background(), 16, 16, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Texture().Publish(Frame{Image: solid(16, 16, color.White)})
	waitFor(t, 2*time.Second, "filter commands", func() bool { return e.Stats().Filters.Pending == 0 })
	waitFor(t, 2*time.Second, "filter count", func() bool { return e.FilterCount() == 3 })

	st := e.Stats().Filters
	if st.Applied != 3 || st.Ignored != 1 {
		t.Errorf("filter stats=%+v, expected 3 applied and 1 ignored", st)
	}
	if renders.Load() == 0 {
		t.Error("stages never rendered")
	}
}

type stageFunc func(image.Image) image.Image

func (f *stageFunc) Render(src image.Image) image.Image { return (*f)(src) }

func TestResizeWhileRunning(t *testing.T) {
	e := newTestEngine(Config{ForceRender: true})
	preview := &recordingSurface{}
	e.Attach(PreviewTarget, preview)
	if err := e.Start(context.Background(), 32, 32, 32, 32); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Texture().Publish(Frame{Image: solid(32, 32, color.White)})
	waitFor(t, 2*time.Second, "first frame", func() bool { return preview.count() >= 1 })

	if err := e.Resize(PreviewTarget, 48, 16); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	waitFor(t, 2*time.Second, "resized frame", func() bool {
		last := preview.lastFrame()
		return last != nil && last.Bounds().Dx() == 48 && last.Bounds().Dy() == 16
	})

	if err := e.Resize(TargetID(7), 1, 1); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Resize unknown target error=%v", err)
	}
}

func TestSetRotationValidates(t *testing.T) {
	e := newTestEngine(Config{})
	if err := e.SetRotation(PreviewTarget, 45); err == nil {
		t.Error("45 degrees accepted")
	}
	if err := e.SetRotation(EncoderTarget, -90); err != nil {
		t.Errorf("-90 degrees rejected: %v", err)
	}
	if err := e.Attach(SnapshotTarget, &recordingSurface{}); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("attach to snapshot error=%v, expected ErrUnknownTarget", err)
	}
}

func TestAntiAliasingDeferredToIdlePass(t *testing.T) {
	e := newTestEngine(Config{ForceRender: true})
	if err := e.Start(context.Background(), 16, 16, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Texture().Publish(Frame{Image: solid(16, 16, color.White)})
	e.SetAntiAliasing(true)
	waitFor(t, 2*time.Second, "aa toggle", func() bool { return e.aaRequest.Load() == aaNone })
}
