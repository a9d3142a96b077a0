package main

import (
	"image"
	"sync/atomic"
	"time"
)

// encoderSink stands in for a hardware encoder input surface. It accepts
// every frame and keeps counters; the compositor's pacing stats show the
// cadence it was fed at.
type encoderSink struct {
	frames atomic.Uint64
	bytes  atomic.Uint64
	last   atomic.Int64 // unix nanos of the last presentation timestamp
}

func (e *encoderSink) Valid() bool { return true }

func (e *encoderSink) Present(img *image.RGBA, ts time.Time) error {
	e.frames.Add(1)
	e.bytes.Add(uint64(len(img.Pix)))
	e.last.Store(ts.UnixNano())
	return nil
}

// Stats returns frames and raw bytes received, and the age of the last
// frame.
func (e *encoderSink) Stats() (frames, bytes uint64, age time.Duration) {
	frames, bytes = e.frames.Load(), e.bytes.Load()
	if last := e.last.Load(); last != 0 {
		age = time.Since(time.Unix(0, last))
	}
	return frames, bytes, age
}
