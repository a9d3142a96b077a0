package framecompositor_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
)

type sinkSurface struct {
	mu       sync.Mutex
	valid    bool
	presents int
	last     *image.RGBA
}

func newSink() *sinkSurface { return &sinkSurface{valid: true} }

func (s *sinkSurface) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *sinkSurface) Present(img *image.RGBA, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presents++
	s.last = image.NewRGBA(img.Bounds())
	copy(s.last.Pix, img.Pix)
	return nil
}

func (s *sinkSurface) snapshot() (int, *image.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presents, s.last
}

func (s *sinkSurface) destroy() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

func newCompositor(t *testing.T, cfg framecompositor.Config) framecompositor.Compositor {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.IdleTimeoutMs == 0 {
		cfg.IdleTimeoutMs = 5
	}
	c, err := framecompositor.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func frameOf(w, h int, c color.Color) framecompositor.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		r, g, b, a := c.RGBA()
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = uint8(r>>8), uint8(g>>8), uint8(b>>8), uint8(a>>8)
	}
	return framecompositor.Frame{Image: img}
}

// TestEndToEnd wires preview and encoder sinks, publishes frames through
// a filter, requests a snapshot and checks every output saw the result.
func TestEndToEnd(t *testing.T) {
	comp := newCompositor(t, framecompositor.Config{
		TargetFPS: 30,
		Preview:   framecompositor.TargetConfig{KeepAspect: true, AspectMode: "adjust"},
	})
	preview, encoder := newSink(), newSink()
	comp.AttachPreview(preview)
	comp.AttachEncoder(encoder)

	invert := &invertStage{}
	comp.EnqueueFilter(framecompositor.AddFilter(invert))

	if err := comp.Start(context.Background(), 64, 32, 32, 32); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer comp.Stop()

	for i := 0; i < 10; i++ {
		comp.Texture().Publish(frameOf(64, 32, color.White))
		time.Sleep(3 * time.Millisecond)
	}
	eventually(t, "filter applied", func() bool { return comp.FilterCount() == 1 })

	snap := make(chan *image.RGBA, 1)
	if !comp.RequestSnapshot(func(img *image.RGBA) { snap <- img }) {
		t.Fatal("snapshot rejected")
	}
	comp.Texture().Publish(frameOf(64, 32, color.White))

	var still *image.RGBA
	select {
	case still = <-snap:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never delivered")
	}
	if b := still.Bounds(); b.Dx() != 64 || b.Dy() != 32 {
		t.Errorf("snapshot size=%v, expected encoder size 64x32", b)
	}
	if px := still.RGBAAt(32, 16); px.R != 0 || px.A != 255 {
		t.Errorf("snapshot pixel=%v, expected inverted white (black)", px)
	}

	eventually(t, "preview frames", func() bool { n, _ := preview.snapshot(); return n > 0 })
	eventually(t, "encoder frames", func() bool { n, _ := encoder.snapshot(); return n > 0 })

	// Preview 32x32 with Adjust: 64x32 content letterboxed to 32x16.
	_, last := preview.snapshot()
	if b := last.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Fatalf("preview size=%v", b)
	}

	st := comp.Stats()
	t.Logf("passes=%d published=%d coalesced=%d preview=%d encoder=%d",
		st.Passes, st.FramesPublished, st.FramesCoalesced, st.Preview.Draws, st.Encoder.Draws)
	if st.State != framecompositor.StateRunning {
		t.Errorf("state=%s", st.State)
	}
	if st.Snapshots.Delivered != 1 {
		t.Errorf("delivered=%d, expected 1", st.Snapshots.Delivered)
	}
	if st.LastTraceID == "" {
		t.Error("trace id not propagated to stats")
	}
}

// TestPreviewDestroyedEncoderContinues destroys the preview surface while
// running. The encoder must keep receiving frames.
func TestPreviewDestroyedEncoderContinues(t *testing.T) {
	comp := newCompositor(t, framecompositor.Config{})
	preview, encoder := newSink(), newSink()
	comp.AttachPreview(preview)
	comp.AttachEncoder(encoder)
	if err := comp.Start(context.Background(), 16, 16, 16, 16); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer comp.Stop()

	comp.Texture().Publish(frameOf(16, 16, color.White))
	eventually(t, "first preview frame", func() bool { n, _ := preview.snapshot(); return n > 0 })

	preview.destroy()
	before, _ := encoder.snapshot()
	for i := 0; i < 5; i++ {
		comp.Texture().Publish(frameOf(16, 16, color.White))
		time.Sleep(5 * time.Millisecond)
	}
	eventually(t, "encoder frames after preview loss", func() bool {
		n, _ := encoder.snapshot()
		return n > before
	})
	eventually(t, "preview not ready", func() bool { return !comp.Stats().Preview.Ready })

	// A new preview surface brings it back.
	fresh := newSink()
	comp.AttachPreview(fresh)
	comp.Texture().Publish(frameOf(16, 16, color.White))
	eventually(t, "frames on new preview", func() bool { n, _ := fresh.snapshot(); return n > 0 })
}

func TestDetachEncoder(t *testing.T) {
	comp := newCompositor(t, framecompositor.Config{ForceRender: true})
	encoder := newSink()
	comp.AttachEncoder(encoder)
	if err := comp.Start(context.Background(), 16, 16, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer comp.Stop()

	comp.Texture().Publish(frameOf(16, 16, color.White))
	eventually(t, "encoder frame", func() bool { n, _ := encoder.snapshot(); return n > 0 })

	comp.DetachEncoder()
	eventually(t, "encoder detached", func() bool { return !comp.Stats().Encoder.Ready })
	n1, _ := encoder.snapshot()
	time.Sleep(30 * time.Millisecond)
	if n2, _ := encoder.snapshot(); n2 != n1 {
		t.Errorf("detached encoder still received frames: %d → %d", n1, n2)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := framecompositor.New(framecompositor.Config{
		Encoder: framecompositor.TargetConfig{Rotation: 45},
	})
	if !errors.Is(err, framecompositor.ErrInvalidConfig) {
		t.Fatalf("error=%v, expected ErrInvalidConfig", err)
	}
}

func TestStartTwice(t *testing.T) {
	comp := newCompositor(t, framecompositor.Config{})
	if err := comp.Start(context.Background(), 16, 16, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer comp.Stop()
	if err := comp.Start(context.Background(), 16, 16, 0, 0); !errors.Is(err, framecompositor.ErrAlreadyStarted) {
		t.Errorf("second Start error=%v", err)
	}
}

func TestParseTargetID(t *testing.T) {
	id, err := framecompositor.ParseTargetID("Encoder")
	if err != nil || id != framecompositor.Encoder {
		t.Errorf("ParseTargetID(Encoder)=%v,%v", id, err)
	}
	if _, err := framecompositor.ParseTargetID("window"); !errors.Is(err, framecompositor.ErrUnknownTarget) {
		t.Errorf("unknown target error=%v", err)
	}
}

type invertStage struct{}

func (*invertStage) Render(src image.Image) image.Image {
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := src.At(x, y).RGBA()
			out.SetRGBA(x, y, color.RGBA{255 - uint8(r>>8), 255 - uint8(g>>8), 255 - uint8(bl>>8), uint8(a >> 8)})
		}
	}
	return out
}
