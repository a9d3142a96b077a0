// Package geometry computes how a source texture maps onto a target
// surface: rotation, mirroring and aspect-ratio fitting.
//
// Compute is a pure function. The same inputs always produce the same
// Transform, so targets can cache the result until their size or settings
// change.
package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"golang.org/x/image/math/f64"
)

// ErrInvalidRotation is returned for angles that are not multiples of 90.
var ErrInvalidRotation = errors.New("compositor: rotation must be a multiple of 90 degrees")

// Rotation is a clockwise rotation in degrees, one of 0, 90, 180, 270.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// ParseRotation normalises deg into [0, 360) and validates it.
// -90 becomes 270, 450 becomes 90.
func ParseRotation(deg int) (Rotation, error) {
	if deg%90 != 0 {
		return Rotate0, fmt.Errorf("%w: got %d", ErrInvalidRotation, deg)
	}
	n := deg % 360
	if n < 0 {
		n += 360
	}
	return Rotation(n), nil
}

// Swaps reports whether the rotation exchanges width and height.
func (r Rotation) Swaps() bool {
	return r == Rotate90 || r == Rotate270
}

// cosSin returns exact cosine/sine for quarter turns.
func (r Rotation) cosSin() (float64, float64) {
	switch r {
	case Rotate90:
		return 0, 1
	case Rotate180:
		return -1, 0
	case Rotate270:
		return 0, -1
	default:
		return 1, 0
	}
}

// AspectMode selects how content is fitted when the aspect ratio is kept.
type AspectMode int

const (
	// Adjust letterboxes or pillarboxes to preserve the source aspect ratio
	// inside the target bounds.
	Adjust AspectMode = iota
	// NoAdjust stretches the content to fill the target.
	NoAdjust
	// Fill scales the content to cover the whole target, cropping overflow.
	Fill
)

// String returns the configuration name of the mode.
func (m AspectMode) String() string {
	switch m {
	case Adjust:
		return "adjust"
	case NoAdjust:
		return "no_adjust"
	case Fill:
		return "fill"
	default:
		return "unknown"
	}
}

// ParseAspectMode maps a configuration string to an AspectMode.
// An empty string selects Adjust.
func ParseAspectMode(s string) (AspectMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "adjust":
		return Adjust, nil
	case "no_adjust", "noadjust", "stretch":
		return NoAdjust, nil
	case "fill", "crop":
		return Fill, nil
	default:
		return Adjust, fmt.Errorf("compositor: unknown aspect mode %q", s)
	}
}

// Rect is a rectangle in target pixel space with float precision.
type Rect struct {
	X, Y, W, H float64
}

// Image returns the rectangle rounded outward to integer pixels.
func (r Rect) Image() image.Rectangle {
	return image.Rect(
		int(math.Floor(r.X)),
		int(math.Floor(r.Y)),
		int(math.Ceil(r.X+r.W)),
		int(math.Ceil(r.Y+r.H)),
	)
}

// Transform is the mapping of a source texture onto a target surface.
type Transform struct {
	SrcW, SrcH int
	DstW, DstH int

	Rotation Rotation
	FlipH    bool
	FlipV    bool

	// Content is where the (rotated) source lands inside the target.
	Content Rect

	// Matrix maps source pixel coordinates to target pixel coordinates.
	// Layout follows f64.Aff3: x' = M[0]x + M[1]y + M[2], y' = M[3]x + M[4]y + M[5].
	Matrix f64.Aff3
}

// Empty reports whether the transform describes nothing drawable.
func (t Transform) Empty() bool {
	return t.SrcW <= 0 || t.SrcH <= 0 || t.DstW <= 0 || t.DstH <= 0
}

// Bounds returns the target bounds.
func (t Transform) Bounds() image.Rectangle {
	return image.Rect(0, 0, t.DstW, t.DstH)
}

// Apply maps a source point through the transform.
func (t Transform) Apply(x, y float64) (float64, float64) {
	m := t.Matrix
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

// Compute returns the mapping of a srcW×srcH texture onto a dstW×dstH
// target.
//
// Order of operations: the source is rotated about its centre, fitted to
// the target according to keepAspect/mode, then mirrored inside the content
// rectangle. Mirroring happens after rotation so a horizontal flip always
// mirrors left/right on the target regardless of rotation.
func Compute(srcW, srcH, dstW, dstH int, rotation Rotation, flipH, flipV, keepAspect bool, mode AspectMode) Transform {
	t := Transform{
		SrcW:     srcW,
		SrcH:     srcH,
		DstW:     dstW,
		DstH:     dstH,
		Rotation: rotation,
		FlipH:    flipH,
		FlipV:    flipV,
	}
	if t.Empty() {
		return Transform{}
	}

	rw, rh := float64(srcW), float64(srcH)
	if rotation.Swaps() {
		rw, rh = rh, rw
	}
	dw, dh := float64(dstW), float64(dstH)

	t.Content = fit(rw, rh, dw, dh, keepAspect, mode)

	sx := t.Content.W / rw
	sy := t.Content.H / rh
	if flipH {
		sx = -sx
	}
	if flipV {
		sy = -sy
	}

	cos, sin := rotation.cosSin()
	cx := t.Content.X + t.Content.W/2
	cy := t.Content.Y + t.Content.H/2

	// translate(content centre) · scale(sx, sy) · rotate · translate(-source centre)
	m := mul(translate(cx, cy), mul(scale(sx, sy), mul(rotate(cos, sin), translate(-float64(srcW)/2, -float64(srcH)/2))))
	t.Matrix = m
	return t
}

func fit(rw, rh, dw, dh float64, keepAspect bool, mode AspectMode) Rect {
	if !keepAspect || mode == NoAdjust {
		return Rect{X: 0, Y: 0, W: dw, H: dh}
	}

	var s float64
	if mode == Fill {
		s = math.Max(dw/rw, dh/rh)
	} else {
		s = math.Min(dw/rw, dh/rh)
	}

	w, h := rw*s, rh*s
	// Snap the fitted axis to the target edge so float error never leaves a
	// one-pixel seam.
	if math.Abs(w-dw) < 1e-9 {
		w = dw
	}
	if math.Abs(h-dh) < 1e-9 {
		h = dh
	}
	return Rect{X: (dw - w) / 2, Y: (dh - h) / 2, W: w, H: h}
}

func translate(x, y float64) f64.Aff3 {
	return f64.Aff3{1, 0, x, 0, 1, y}
}

func scale(x, y float64) f64.Aff3 {
	return f64.Aff3{x, 0, 0, 0, y, 0}
}

// rotate is clockwise in y-down image space.
func rotate(cos, sin float64) f64.Aff3 {
	return f64.Aff3{cos, -sin, 0, sin, cos, 0}
}

// mul returns a·b (b applied first).
func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3],
		a[0]*b[1] + a[1]*b[4],
		a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3],
		a[3]*b[1] + a[4]*b[4],
		a[3]*b[2] + a[4]*b[5] + a[5],
	}
}
