package surface

import (
	"fmt"
	"image"
	"image/draw"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/geometry"
)

// SoftwareBackend renders on the CPU with golang.org/x/image/draw. It is
// the default backend and the one used in tests.
type SoftwareBackend struct{}

// NewContext implements Backend.
func (SoftwareBackend) NewContext(dst Surface, width, height int) (Context, error) {
	if dst == nil {
		return nil, fmt.Errorf("compositor: nil destination surface")
	}
	if !dst.Valid() {
		return nil, ErrSurfaceInvalid
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("compositor: invalid context size %dx%d", width, height)
	}
	return &softwareContext{
		dst:  dst,
		back: image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

type softwareContext struct {
	dst      Surface
	back     *image.RGBA
	released bool
}

func (c *softwareContext) MakeCurrent() error {
	if c.released {
		return ErrContextLost
	}
	if !c.dst.Valid() {
		return ErrSurfaceInvalid
	}
	return nil
}

func (c *softwareContext) Draw(src image.Image, xf geometry.Transform, q Quality) error {
	if c.released {
		return ErrContextLost
	}
	Compose(c.back, src, xf, q)
	return nil
}

// Compose clears dst to black and draws src through xf. An empty xf or a
// nil src leaves dst black.
func Compose(dst *image.RGBA, src image.Image, xf geometry.Transform, q Quality) {
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	if src == nil || xf.Empty() {
		return
	}

	m := xf.Matrix
	if origin := src.Bounds().Min; origin != (image.Point{}) {
		// Transform matrices address the source from its origin.
		mx, my := float64(origin.X), float64(origin.Y)
		m = f64.Aff3{m[0], m[1], m[2] - m[0]*mx - m[1]*my, m[3], m[4], m[5] - m[3]*mx - m[4]*my}
	}

	interpolator(q).Transform(dst, m, src, src.Bounds(), xdraw.Src, nil)
}

func interpolator(q Quality) xdraw.Interpolator {
	switch q {
	case QualityFast:
		return xdraw.NearestNeighbor
	case QualitySmooth:
		return xdraw.CatmullRom
	default:
		return xdraw.ApproxBiLinear
	}
}

func (c *softwareContext) ReadPixels() *image.RGBA {
	if c.back == nil {
		return nil
	}
	out := image.NewRGBA(c.back.Bounds())
	copy(out.Pix, c.back.Pix)
	return out
}

func (c *softwareContext) SwapBuffers(ts time.Time) error {
	if c.released {
		return ErrContextLost
	}
	if !c.dst.Valid() {
		return ErrSurfaceInvalid
	}
	return c.dst.Present(c.back, ts)
}

func (c *softwareContext) Resize(width, height int) error {
	if c.released {
		return ErrContextLost
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("compositor: invalid context size %dx%d", width, height)
	}
	if b := c.back.Bounds(); b.Dx() == width && b.Dy() == height {
		return nil
	}
	c.back = image.NewRGBA(image.Rect(0, 0, width, height))
	return nil
}

func (c *softwareContext) Release() {
	c.released = true
	c.back = nil
}
