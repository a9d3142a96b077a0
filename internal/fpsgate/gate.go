// Package fpsgate decides when the render loop may emit a frame to a
// throttled output and how long it should wait before the next attempt.
//
// The gate only throttles emission. Compositing and preview presentation
// keep running at the producer rate; the gate caps what is pushed to the
// encoder surface.
package fpsgate

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so tests can drive the gate with a
// simulated clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// Gate tracks emission timing for a target frame rate.
//
// Thread-safety: SetFPS may be called from any goroutine. The remaining
// methods are called by the render goroutine but are guarded by the same
// mutex, so mixed use is safe.
type Gate struct {
	mu sync.Mutex

	clock    Clock
	fps      int
	interval time.Duration

	frameStart time.Time // start of the current rendering attempt
	nextEmit   time.Time // earliest time the next frame may be emitted
}

// New creates a gate for fps frames per second. fps <= 0 disables
// throttling. A nil clock uses the system clock.
func New(fps int, clock Clock) *Gate {
	if clock == nil {
		clock = SystemClock()
	}
	g := &Gate{clock: clock}
	g.setFPSLocked(fps)
	return g
}

// SetFPS changes the target rate and restarts the emission schedule, so the
// next attempt after a rate change is always emitted.
func (g *Gate) SetFPS(fps int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setFPSLocked(fps)
}

func (g *Gate) setFPSLocked(fps int) {
	g.fps = fps
	if fps > 0 {
		g.interval = time.Second / time.Duration(fps)
	} else {
		g.interval = 0
	}
	now := g.clock.Now()
	g.frameStart = now
	g.nextEmit = time.Time{}
}

// FPS returns the configured target rate.
func (g *Gate) FPS() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fps
}

// Interval returns the minimum time between emitted frames (0 when disabled).
func (g *Gate) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// Enabled reports whether throttling is active.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval > 0
}

// SetFrameStart records the wall-clock time a rendering attempt begins.
func (g *Gate) SetFrameStart() {
	g.mu.Lock()
	g.frameStart = g.clock.Now()
	g.mu.Unlock()
}

// ShouldSkip reports whether the current attempt must not be emitted.
//
// When it returns false the emission is recorded: the next deadline moves
// forward by exactly one interval so the long-run rate does not drift with
// scheduling jitter. If the caller fell more than one interval behind (the
// producer stalled), the schedule re-anchors to now instead of bursting to
// catch up.
func (g *Gate) ShouldSkip() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.interval <= 0 {
		return false
	}

	now := g.clock.Now()
	if !g.nextEmit.IsZero() && now.Before(g.nextEmit) {
		return true
	}

	if g.nextEmit.IsZero() {
		g.nextEmit = now.Add(g.interval)
		return false
	}

	g.nextEmit = g.nextEmit.Add(g.interval)
	if !g.nextEmit.After(now) {
		g.nextEmit = now.Add(g.interval)
	}
	return false
}

// SleepRemaining returns how long to wait before the next attempt: one
// interval minus the time spent since SetFrameStart, never negative.
func (g *Gate) SleepRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.interval <= 0 {
		return 0
	}

	elapsed := g.clock.Now().Sub(g.frameStart)
	remaining := g.interval - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
