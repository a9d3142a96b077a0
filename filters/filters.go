// Package filters provides built-in filter stages addressable by name, for
// control planes that cannot ship code (MQTT commands, YAML).
package filters

import (
	"fmt"
	"image"
	"image/draw"
	"sort"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
)

// pixelFunc maps one RGBA pixel in place. Alpha is left untouched; video
// frames are opaque.
type pixelFunc func(p []uint8)

// Stage is a per-pixel filter. Each New call returns a distinct stage, so
// Remove(stage) only removes that instance.
type Stage struct {
	name string
	fn   pixelFunc
}

// Name returns the registry name.
func (s *Stage) Name() string { return s.name }

// Render returns a filtered copy of src.
func (s *Stage) Render(src image.Image) image.Image {
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)
	for i := 0; i+3 < len(out.Pix); i += 4 {
		s.fn(out.Pix[i : i+4 : i+4])
	}
	return out
}

var registry = map[string]pixelFunc{
	"grayscale": grayscale,
	"invert":    invert,
	"sepia":     sepia,
}

// New returns a fresh stage for name.
func New(name string) (*Stage, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("filters: unknown filter %q (known: %v)", name, Names())
	}
	return &Stage{name: name, fn: fn}, nil
}

// Names lists the registered filters, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// compile-time check
var _ framecompositor.FilterStage = (*Stage)(nil)

func grayscale(p []uint8) {
	// Rec. 601 luma, fixed point.
	y := uint8((299*uint32(p[0]) + 587*uint32(p[1]) + 114*uint32(p[2]) + 500) / 1000)
	p[0], p[1], p[2] = y, y, y
}

func invert(p []uint8) {
	p[0], p[1], p[2] = 255-p[0], 255-p[1], 255-p[2]
}

func sepia(p []uint8) {
	r, g, b := float64(p[0]), float64(p[1]), float64(p[2])
	p[0] = clamp(0.393*r + 0.769*g + 0.189*b)
	p[1] = clamp(0.349*r + 0.686*g + 0.168*b)
	p[2] = clamp(0.272*r + 0.534*g + 0.131*b)
}

func clamp(v float64) uint8 {
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
