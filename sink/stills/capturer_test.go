package stills

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"
)

// fakeRequester holds at most one outstanding callback, like the compositor.
type fakeRequester struct {
	mu      sync.Mutex
	pending func(*image.RGBA)
}

func (r *fakeRequester) RequestSnapshot(cb func(*image.RGBA)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return false
	}
	r.pending = cb
	return true
}

// complete delivers img to the outstanding request, if any.
func (r *fakeRequester) complete(img *image.RGBA) bool {
	r.mu.Lock()
	cb := r.pending
	r.pending = nil
	r.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(img)
	return true
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestTriggerEncodesAndPublishes(t *testing.T) {
	req := &fakeRequester{}
	bus := NewBus()
	defer bus.Close()
	ch := make(chan Still, 1)
	bus.Subscribe("test", ch)

	c, err := New(req, bus, Config{Quality: 90})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !c.Trigger() {
		t.Fatal("Trigger rejected")
	}
	if c.Trigger() {
		t.Error("second Trigger accepted while outstanding")
	}
	req.complete(solid(8, 4, color.RGBA{255, 0, 0, 255}))

	select {
	case s := <-ch:
		if s.Width != 8 || s.Height != 4 || s.ID == "" || s.Seq != 1 {
			t.Errorf("still=%+v", s)
		}
		img, err := jpeg.Decode(bytes.NewReader(s.JPEG))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if r, _, _, _ := img.At(4, 2).RGBA(); r>>8 < 200 {
			t.Errorf("decoded red channel=%d", r>>8)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("still never published")
	}

	st := c.Stats()
	if st.Requested != 1 || st.Rejected != 1 || st.Captured != 1 || st.Encoded != 1 {
		t.Errorf("stats=%+v", st)
	}
}

func TestIntervalRequests(t *testing.T) {
	req := &fakeRequester{}
	bus := NewBus()
	defer bus.Close()
	slot, _ := bus.SubscribeLatest("latest")

	c, _ := New(req, bus, Config{Interval: 5 * time.Millisecond})
	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	delivered := 0
	for delivered < 3 && time.Now().Before(deadline) {
		if req.complete(solid(2, 2, color.RGBA{0, 0, 255, 255})) {
			delivered++
		}
		time.Sleep(2 * time.Millisecond)
	}
	if delivered < 3 {
		t.Fatalf("only %d periodic requests issued", delivered)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := slot.TryReceive(); ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no still reached the latest slot")
}

func TestStopDiscardsPendingAndIsIdempotent(t *testing.T) {
	req := &fakeRequester{}
	bus := NewBus()
	defer bus.Close()

	c, _ := New(req, bus, Config{})
	c.Start(context.Background())
	if err := c.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start error=%v", err)
	}
	c.Stop()
	c.Stop()

	// A callback that lands after Stop is ignored.
	c.Trigger()
	req.complete(solid(2, 2, color.RGBA{}))
	if st := bus.Stats(); st.TotalPublished != 0 {
		t.Errorf("published %d stills after Stop", st.TotalPublished)
	}
}

func TestNewValidation(t *testing.T) {
	bus := NewBus()
	if _, err := New(nil, bus, Config{}); err == nil {
		t.Error("nil requester accepted")
	}
	if _, err := New(&fakeRequester{}, bus, Config{Quality: 101}); err == nil {
		t.Error("quality 101 accepted")
	}
	if _, err := New(&fakeRequester{}, bus, Config{Interval: -time.Second}); err == nil {
		t.Error("negative interval accepted")
	}
}
