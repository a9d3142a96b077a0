// Package surface implements the output side of the compositor: a context
// bound to one destination surface, and the Target that owns it.
//
// The Backend/Context pair abstracts the GPU API. A Context is created for
// exactly one destination Surface and must only be used from the render
// goroutine (the same thread-affinity rule as an EGL context).
package surface

import (
	"errors"
	"image"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/geometry"
)

var (
	// ErrSurfaceInvalid reports that the destination surface was destroyed
	// by its consumer. The target becomes not-ready until the surface is
	// valid again or a new one is attached.
	ErrSurfaceInvalid = errors.New("compositor: destination surface is no longer valid")

	// ErrContextLost reports that the rendering context must be recreated.
	ErrContextLost = errors.New("compositor: rendering context lost")

	// ErrNotReady is returned when drawing to a target that is not ready.
	ErrNotReady = errors.New("compositor: target not ready")
)

// Surface is a destination handle supplied by an output sink (preview
// window, encoder input surface, snapshot buffer).
type Surface interface {
	// Valid reports whether the consumer still accepts frames. It turns
	// false when the consumer tears the surface down.
	Valid() bool

	// Present receives a finished frame (the buffer swap). img is only
	// valid for the duration of the call; sinks that keep it must copy it.
	// Returning an error wrapping ErrSurfaceInvalid or ErrContextLost
	// triggers the matching recovery path.
	Present(img *image.RGBA, ts time.Time) error
}

// Quality selects the sampling filter used when drawing.
type Quality int

const (
	QualityFast   Quality = iota // nearest neighbour
	QualityLinear                // approximate bilinear
	QualitySmooth                // Catmull-Rom, used when anti-aliasing is on
)

// String returns the quality name for logs.
func (q Quality) String() string {
	switch q {
	case QualityFast:
		return "fast"
	case QualityLinear:
		return "linear"
	case QualitySmooth:
		return "smooth"
	default:
		return "unknown"
	}
}

// Backend creates rendering contexts.
type Backend interface {
	// NewContext binds a new context to dst with a width×height back buffer.
	NewContext(dst Surface, width, height int) (Context, error)
}

// Context is a rendering context bound to one destination surface.
type Context interface {
	// MakeCurrent binds the context to the calling (render) goroutine.
	MakeCurrent() error

	// Draw clears the back buffer and draws src through xf. An empty xf
	// only clears (black frame).
	Draw(src image.Image, xf geometry.Transform, q Quality) error

	// ReadPixels returns a copy of the back buffer.
	ReadPixels() *image.RGBA

	// SwapBuffers presents the back buffer to the destination surface.
	SwapBuffers(ts time.Time) error

	// Resize reallocates the back buffer.
	Resize(width, height int) error

	// Release frees the context. Idempotent.
	Release()
}
