// Package stills turns compositor snapshots into JPEG stills and fans them
// out to the snapshot sinks (MQTT, Redis, preview server).
//
// The snapshot callback runs on the render goroutine, so the Capturer only
// parks the image in a single-slot mailbox; encoding happens on its own
// goroutine and the result is published on a non-blocking bus.
package stills

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/stillbus"
)

// Public API - Re-export internal types as stable contract

// Still is an encoded snapshot shared by every subscriber.
type Still = stillbus.Still

// Bus distributes stills to subscribers without blocking the publisher.
type Bus = stillbus.Bus

// Slot is a single-slot DropOld mailbox returned by Bus.SubscribeLatest.
type Slot = stillbus.Slot

// BusStats is a snapshot of the bus counters.
type BusStats = stillbus.Stats

// NewBus creates an empty still bus.
func NewBus() *Bus { return stillbus.New() }

var (
	ErrBusClosed        = stillbus.ErrBusClosed
	ErrSubscriberExists = stillbus.ErrSubscriberExists

	// ErrAlreadyStarted is returned by Start on a running Capturer.
	ErrAlreadyStarted = errors.New("stills: capturer already started")
)

// Requester is the snapshot side of the compositor.
type Requester interface {
	RequestSnapshot(cb func(*image.RGBA)) bool
}

// Config contains configuration for the Capturer
type Config struct {
	Interval time.Duration // periodic snapshot interval; 0 means Trigger only
	Quality  int           // JPEG quality 1-100 (default: 80)
}

// Stats contains capturer statistics
type Stats struct {
	Requested    uint64 // accepted snapshot requests
	Rejected     uint64 // requests refused while one was outstanding
	Captured     uint64 // callbacks received
	Encoded      uint64 // stills published
	Overwritten  uint64 // captures replaced before encoding
	EncodeErrors uint64
}

// Capturer requests snapshots, encodes them and publishes stills.
type Capturer struct {
	req Requester
	bus *Bus
	cfg Config

	// Mailbox: render goroutine → encode goroutine.
	inboxMu    sync.Mutex
	inboxCond  *sync.Cond
	inbox      *capture
	inboxClose bool

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requested    atomic.Uint64
	rejected     atomic.Uint64
	captured     atomic.Uint64
	encoded      atomic.Uint64
	overwritten  atomic.Uint64
	encodeErrors atomic.Uint64
}

type capture struct {
	img *image.RGBA
	at  time.Time
}

// New creates a stopped Capturer.
func New(req Requester, bus *Bus, cfg Config) (*Capturer, error) {
	if req == nil || bus == nil {
		return nil, errors.New("stills: requester and bus are required")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("stills: interval must be >= 0, got %v", cfg.Interval)
	}
	if cfg.Quality == 0 {
		cfg.Quality = 80
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("stills: quality must be in [1,100], got %d", cfg.Quality)
	}

	c := &Capturer{req: req, bus: bus, cfg: cfg}
	c.inboxCond = sync.NewCond(&c.inboxMu)
	return c, nil
}

// Start spawns the encode goroutine and, with a non-zero Interval, the
// periodic requester.
func (c *Capturer) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.inboxMu.Lock()
	c.inboxClose = false
	c.inboxMu.Unlock()

	c.wg.Add(1)
	go c.encodeLoop()

	if c.cfg.Interval > 0 {
		c.wg.Add(1)
		go c.tickLoop(runCtx)
	}

	// Wake the encode loop on external cancellation.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-runCtx.Done()
		c.closeInbox()
	}()

	slog.Info("stills: capturer started", "interval", c.cfg.Interval, "quality", c.cfg.Quality)
	return nil
}

// Stop halts both goroutines. A capture not yet encoded is discarded.
//
// Idempotent.
func (c *Capturer) Stop() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.closeInbox()
	c.wg.Wait()
	c.cancel = nil

	slog.Info("stills: capturer stopped", "encoded", c.encoded.Load())
	return nil
}

// Trigger requests a snapshot now. Returns false while one is outstanding.
func (c *Capturer) Trigger() bool {
	if !c.req.RequestSnapshot(c.deliver) {
		c.rejected.Add(1)
		return false
	}
	c.requested.Add(1)
	return true
}

// Stats returns capturer statistics
func (c *Capturer) Stats() Stats {
	return Stats{
		Requested:    c.requested.Load(),
		Rejected:     c.rejected.Load(),
		Captured:     c.captured.Load(),
		Encoded:      c.encoded.Load(),
		Overwritten:  c.overwritten.Load(),
		EncodeErrors: c.encodeErrors.Load(),
	}
}

// deliver is the snapshot callback. Runs on the render goroutine; never
// blocks.
func (c *Capturer) deliver(img *image.RGBA) {
	c.captured.Add(1)

	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()

	if c.inboxClose {
		return
	}
	if c.inbox != nil {
		c.overwritten.Add(1)
	}
	c.inbox = &capture{img: img, at: time.Now()}
	c.inboxCond.Signal()
}

func (c *Capturer) closeInbox() {
	c.inboxMu.Lock()
	c.inboxClose = true
	c.inbox = nil
	c.inboxCond.Broadcast()
	c.inboxMu.Unlock()
}

func (c *Capturer) tickLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Trigger() {
				slog.Debug("stills: snapshot still outstanding, skipping tick")
			}
		}
	}
}

func (c *Capturer) encodeLoop() {
	defer c.wg.Done()

	for {
		c.inboxMu.Lock()
		for c.inbox == nil && !c.inboxClose {
			c.inboxCond.Wait()
		}
		if c.inboxClose {
			c.inboxMu.Unlock()
			return
		}
		capt := c.inbox
		c.inbox = nil
		c.inboxMu.Unlock()

		data, err := Encode(capt.img, c.cfg.Quality)
		if err != nil {
			c.encodeErrors.Add(1)
			slog.Error("stills: failed to encode snapshot", "error", err)
			continue
		}

		b := capt.img.Bounds()
		s := c.bus.Publish(Still{
			ID:        uuid.New().String(),
			Image:     capt.img,
			JPEG:      data,
			Width:     b.Dx(),
			Height:    b.Dy(),
			Timestamp: capt.at,
		})
		c.encoded.Add(1)
		slog.Debug("stills: still published", "id", s.ID, "seq", s.Seq, "bytes", len(data))
	}
}

// Encode returns img as JPEG.
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("stills: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
