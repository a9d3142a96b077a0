// Package pattern publishes synthetic test frames (colour bars with a
// moving marker) at a fixed rate.
package pattern

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
)

// ErrAlreadyStarted is returned by Start on a running generator.
var ErrAlreadyStarted = errors.New("pattern: generator already started")

// Publisher receives generated frames. *framecompositor.Texture satisfies it.
type Publisher interface {
	Publish(f framecompositor.Frame) framecompositor.Frame
}

// Config contains configuration for the pattern generator
type Config struct {
	Width  int
	Height int
	FPS    float64 // default: 30
}

// bars are the 75% SMPTE colour bars, left to right.
var bars = []color.RGBA{
	{191, 191, 191, 255}, // grey
	{191, 191, 0, 255},   // yellow
	{0, 191, 191, 255},   // cyan
	{0, 191, 0, 255},     // green
	{191, 0, 191, 255},   // magenta
	{191, 0, 0, 255},     // red
	{0, 0, 191, 255},     // blue
}

// Generator renders and publishes one frame per tick.
type Generator struct {
	cfg Config
	pub Publisher

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames atomic.Uint64
}

// New creates a stopped generator.
func New(cfg Config, pub Publisher) (*Generator, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("pattern: size must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("pattern: fps must be >= 0, got %.2f", cfg.FPS)
	}
	if cfg.FPS == 0 {
		cfg.FPS = 30
	}
	if pub == nil {
		return nil, errors.New("pattern: publisher is required")
	}
	return &Generator{cfg: cfg, pub: pub}, nil
}

// Start begins publishing until Stop or ctx cancellation.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(1)
	go g.run(runCtx)

	slog.Info("pattern: generator started",
		"resolution", fmt.Sprintf("%dx%d", g.cfg.Width, g.cfg.Height),
		"fps", g.cfg.FPS,
	)
	return nil
}

// Stop halts the generator and waits for its goroutine.
//
// Idempotent.
func (g *Generator) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel == nil {
		return nil
	}
	g.cancel()
	g.wg.Wait()
	g.cancel = nil

	slog.Info("pattern: generator stopped", "frames", g.frames.Load())
	return nil
}

// Frames returns the number of frames published.
func (g *Generator) Frames() uint64 {
	return g.frames.Load()
}

func (g *Generator) run(ctx context.Context) {
	defer g.wg.Done()

	interval := time.Duration(float64(time.Second) / g.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n := g.frames.Load()
		f := g.pub.Publish(framecompositor.Frame{
			Image:     Render(g.cfg.Width, g.cfg.Height, n),
			Timestamp: time.Now(),
		})
		g.frames.Add(1)
		slog.Debug("pattern: frame published", "seq", f.Seq, "trace_id", f.TraceID)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Render draws frame n: vertical colour bars with a white marker square
// that advances along the bottom strip, one marker width every 8 frames.
func Render(width, height int, n uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	barsBottom := height * 3 / 4
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{16, 16, 16, 255}
			if y < barsBottom {
				c = bars[x*len(bars)/width]
			}
			img.SetRGBA(x, y, c)
		}
	}

	side := height - barsBottom
	if side <= 0 || side > width {
		return img
	}
	steps := uint64(width - side + 1)
	left := int((n / 8) * uint64(side) % steps)
	for y := barsBottom; y < height; y++ {
		for x := left; x < left+side; x++ {
			img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	return img
}
