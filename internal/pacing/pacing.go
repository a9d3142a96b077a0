// Package pacing measures the cadence of encoder emissions over a sliding
// window of timestamps.
package pacing

import (
	"math"
	"sync"
	"time"
)

const (
	// A cadence is stable when the FPS stddev stays under 15% of the mean
	// and the mean jitter under 20% of the expected interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20

	// DefaultWindow is the number of timestamps kept when New gets size ≤ 1.
	DefaultWindow = 120
)

// Stats summarises the emissions currently in the window.
type Stats struct {
	Samples      int
	Span         time.Duration // first to last timestamp in the window
	FPSMean      float64
	FPSStdDev    float64
	FPSMin       float64
	FPSMax       float64
	JitterMean   float64 // seconds
	JitterStdDev float64 // seconds
	JitterMax    float64 // seconds
	IsStable     bool
}

// Window is a fixed-size ring of emission timestamps. Safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

// New creates a window holding the last size timestamps.
func New(size int) *Window {
	if size <= 1 {
		size = DefaultWindow
	}
	return &Window{times: make([]time.Time, size)}
}

// Record adds an emission timestamp.
func (w *Window) Record(t time.Time) {
	w.mu.Lock()
	w.times[w.next] = t
	w.next++
	if w.next == len(w.times) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// Reset empties the window.
func (w *Window) Reset() {
	w.mu.Lock()
	w.next = 0
	w.full = false
	w.mu.Unlock()
}

// Stats computes cadence statistics over the window.
func (w *Window) Stats() Stats {
	return Calculate(w.ordered())
}

func (w *Window) ordered() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		out := make([]time.Time, w.next)
		copy(out, w.times[:w.next])
		return out
	}
	out := make([]time.Time, 0, len(w.times))
	out = append(out, w.times[w.next:]...)
	out = append(out, w.times[:w.next]...)
	return out
}

// Calculate computes statistics for ordered timestamps.
//
// Mean FPS is intervals over span; instantaneous FPS is taken per interval.
// Jitter is the absolute deviation of each interval from the mean interval.
func Calculate(times []time.Time) Stats {
	n := len(times)
	if n < 2 {
		return Stats{Samples: n}
	}

	span := times[n-1].Sub(times[0])
	st := Stats{Samples: n, Span: span}
	if span <= 0 {
		return st
	}
	st.FPSMean = float64(n-1) / span.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if iv := times[i].Sub(times[i-1]).Seconds(); iv > 0 {
			instantaneous = append(instantaneous, 1.0/iv)
		}
	}
	if len(instantaneous) == 0 {
		return st
	}

	st.FPSMin, st.FPSMax = instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		st.FPSMin = math.Min(st.FPSMin, fps)
		st.FPSMax = math.Max(st.FPSMax, fps)
		d := fps - st.FPSMean
		sumSquares += d * d
	}
	st.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1.0 / st.FPSMean
	jitters := make([]float64, 0, n-1)
	var jitterSum float64
	for i := 1; i < n; i++ {
		j := math.Abs(times[i].Sub(times[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		jitterSum += j
		st.JitterMax = math.Max(st.JitterMax, j)
	}
	st.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		d := j - st.JitterMean
		jitterSquares += d * d
	}
	st.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	st.IsStable = st.FPSStdDev < st.FPSMean*fpsStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold
	return st
}
