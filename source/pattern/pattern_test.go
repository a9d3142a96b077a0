package pattern

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
)

type recordingPublisher struct {
	mu     sync.Mutex
	frames []framecompositor.Frame
}

func (p *recordingPublisher) Publish(f framecompositor.Frame) framecompositor.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return f
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func TestRenderBars(t *testing.T) {
	img := Render(70, 40, 0)
	if b := img.Bounds(); b.Dx() != 70 || b.Dy() != 40 {
		t.Fatalf("bounds=%v", b)
	}
	for i, want := range bars {
		x := i*10 + 5
		if got := img.RGBAAt(x, 5); got != want {
			t.Errorf("bar %d at x=%d: %v, expected %v", i, x, got, want)
		}
	}
}

func TestRenderMarkerMoves(t *testing.T) {
	first := Render(80, 40, 0)
	if px := first.RGBAAt(2, 35); px.R != 255 {
		t.Errorf("marker missing at frame 0: %v", px)
	}
	later := Render(80, 40, 8)
	if px := later.RGBAAt(2, 35); px.R == 255 {
		t.Error("marker did not move after 8 frames")
	}
	if px := later.RGBAAt(12, 35); px.R != 255 {
		t.Errorf("marker not advanced one width: %v", px)
	}
}

func TestRenderTinySizes(t *testing.T) {
	// No marker fits; must not panic.
	for _, sz := range [][2]int{{1, 1}, {3, 40}, {1, 4}} {
		Render(sz[0], sz[1], 100)
	}
}

func TestGeneratorPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	g, err := New(Config{Width: 16, Height: 16, FPS: 200}, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start error=%v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	g.Stop()
	g.Stop()

	n := pub.count()
	if n < 5 {
		t.Fatalf("published %d frames, expected at least 5", n)
	}
	if uint64(n) != g.Frames() {
		t.Errorf("Frames()=%d, publisher saw %d", g.Frames(), n)
	}
	time.Sleep(20 * time.Millisecond)
	if pub.count() != n {
		t.Error("frames published after Stop")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Width: 0, Height: 10}, &recordingPublisher{}); err == nil {
		t.Error("zero width accepted")
	}
	if _, err := New(Config{Width: 10, Height: 10}, nil); err == nil {
		t.Error("nil publisher accepted")
	}
	g, err := New(Config{Width: 10, Height: 10}, &recordingPublisher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.cfg.FPS != 30 {
		t.Errorf("default fps=%v", g.cfg.FPS)
	}
}
