package engine

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Frame is one producer image plus its metadata.
type Frame struct {
	// Image MUST NOT be modified after Publish: the render goroutine reads
	// it without copying.
	Image image.Image

	// Timestamp is the capture time reported by the producer. Zero means
	// the publish time.
	Timestamp time.Time

	// Seq is assigned by Publish, monotonically increasing.
	Seq uint64

	// TraceID follows the frame through logs. Publish fills it with a UUID
	// when the producer leaves it empty.
	TraceID string
}

// Texture is the source texture: the latest producer frame and the
// frame-available signal.
//
// Publishing never blocks. A frame published while the previous one is
// still unconsumed replaces it (counted as coalesced); the render loop
// always draws the newest image.
type Texture struct {
	mu         sync.Mutex
	latest     Frame
	has        bool
	unconsumed bool

	signal chan struct{} // capacity 1; a token means "unconsumed frame"

	seq       atomic.Uint64
	published atomic.Uint64
	coalesced atomic.Uint64
}

// NewTexture creates an empty texture.
func NewTexture() *Texture {
	return &Texture{signal: make(chan struct{}, 1)}
}

// Publish stores f as the latest frame and raises the frame-available
// signal. Frames with a nil Image are ignored. Returns the stored frame
// with Seq and TraceID filled in.
//
// Safe for concurrent use.
func (t *Texture) Publish(f Frame) Frame {
	if f.Image == nil {
		return f
	}
	if f.TraceID == "" {
		f.TraceID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	t.mu.Lock()
	f.Seq = t.seq.Add(1)
	if t.unconsumed {
		t.coalesced.Add(1)
	}
	t.latest = f
	t.has = true
	t.unconsumed = true
	select {
	case t.signal <- struct{}{}:
	default:
	}
	t.mu.Unlock()

	t.published.Add(1)
	return f
}

// Signal returns the frame-available channel.
func (t *Texture) Signal() <-chan struct{} { return t.signal }

// Pending reports whether a published frame has not been consumed yet.
func (t *Texture) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unconsumed
}

// Consume returns the latest frame and clears the pending flag. The frame
// stays available for later redraws (force render, snapshots). ok is false
// if nothing was ever published.
func (t *Texture) Consume() (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unconsumed = false
	select {
	case <-t.signal:
	default:
	}
	return t.latest, t.has
}

// Latest returns the latest frame without consuming it.
func (t *Texture) Latest() (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.has
}

// Published returns the number of frames accepted by Publish.
func (t *Texture) Published() uint64 { return t.published.Load() }

// Coalesced returns the number of frames replaced before being consumed.
func (t *Texture) Coalesced() uint64 { return t.coalesced.Load() }
