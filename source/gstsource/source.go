// Package gstsource decodes a media URI with GStreamer and publishes RGBA
// frames into a compositor texture.
package gstsource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
)

// Publisher receives decoded frames. *framecompositor.Texture satisfies it.
type Publisher interface {
	Publish(f framecompositor.Frame) framecompositor.Frame
}

// Config contains configuration for a GStreamer source
type Config struct {
	URI    string  // file:///..., rtsp://..., http://...
	Width  int     // output width (scaled)
	Height int     // output height (scaled)
	FPS    float64 // output rate cap; 0 keeps the native rate
	Sync   bool    // pace to the stream clock (true for files)
	Loop   bool    // restart on end of stream

	Reconnect ReconnectConfig
}

// ReconnectConfig contains configuration for exponential backoff restarts
type ReconnectConfig struct {
	MaxRetries    int           // default: 5
	RetryDelay    time.Duration // default: 1s
	MaxRetryDelay time.Duration // default: 30s
}

// DefaultReconnectConfig returns default restart configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Stats contains current source statistics
type Stats struct {
	FramesDecoded uint64
	FramesInvalid uint64 // short or empty buffers
	BytesRead     uint64
	Restarts      uint32
	Errors        map[string]uint64 // by ErrorCategory
	Playing       bool
	Uptime        time.Duration
}

// Source drives a uridecodebin pipeline and publishes every decoded frame.
type Source struct {
	cfg Config
	pub Publisher

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time

	framesDecoded atomic.Uint64
	framesInvalid atomic.Uint64
	bytesRead     atomic.Uint64
	restarts      atomic.Uint32
	playing       atomic.Bool
	errorsByCat   [ErrCategoryUnknown + 1]atomic.Uint64
}

// New creates a stopped source with fail-fast validation.
func New(cfg Config, pub Publisher) (*Source, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: uri is required", ErrInvalidConfig)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %dx%d", ErrInvalidConfig, cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("%w: fps must be >= 0, got %.2f", ErrInvalidConfig, cfg.FPS)
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: publisher is required", ErrInvalidConfig)
	}

	d := DefaultReconnectConfig()
	if cfg.Reconnect.MaxRetries <= 0 {
		cfg.Reconnect.MaxRetries = d.MaxRetries
	}
	if cfg.Reconnect.RetryDelay <= 0 {
		cfg.Reconnect.RetryDelay = d.RetryDelay
	}
	if cfg.Reconnect.MaxRetryDelay <= 0 {
		cfg.Reconnect.MaxRetryDelay = d.MaxRetryDelay
	}

	return &Source{cfg: cfg, pub: pub}, nil
}

// Start launches the pipeline goroutine. Frames arrive asynchronously
// once the pipeline reaches PLAYING.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()

	slog.Info("gstsource: starting source",
		"uri", s.cfg.URI,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
		"loop", s.cfg.Loop,
	)

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop cancels the pipeline and waits for it to be torn down.
//
// Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil

	slog.Info("gstsource: source stopped",
		"frames_decoded", s.framesDecoded.Load(),
		"restarts", s.restarts.Load(),
		"uptime", time.Since(s.started),
	)
	return nil
}

// Stats returns current source statistics
func (s *Source) Stats() Stats {
	s.mu.Lock()
	started := s.started
	running := s.cancel != nil
	s.mu.Unlock()

	st := Stats{
		FramesDecoded: s.framesDecoded.Load(),
		FramesInvalid: s.framesInvalid.Load(),
		BytesRead:     s.bytesRead.Load(),
		Restarts:      s.restarts.Load(),
		Playing:       s.playing.Load(),
		Errors:        make(map[string]uint64, len(s.errorsByCat)),
	}
	for i := range s.errorsByCat {
		st.Errors[ErrorCategory(i).String()] = s.errorsByCat[i].Load()
	}
	if running {
		st.Uptime = time.Since(started)
	}
	return st
}

// run restarts sessions with exponential backoff until ctx is cancelled
// or MaxRetries consecutive failures.
func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()

	retries := 0
	for {
		err := s.session(ctx, func() { retries = 0 })
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errEndOfStream) {
			if s.cfg.Loop {
				s.restarts.Add(1)
				slog.Debug("gstsource: looping", "uri", s.cfg.URI)
				continue
			}
			slog.Info("gstsource: end of stream", "uri", s.cfg.URI,
				"frames_decoded", s.framesDecoded.Load())
			return
		}

		retries++
		s.restarts.Add(1)
		if retries > s.cfg.Reconnect.MaxRetries {
			slog.Error("gstsource: pipeline stopped after restart failures",
				"error", err,
				"uri", s.cfg.URI,
				"max_retries", s.cfg.Reconnect.MaxRetries,
			)
			return
		}

		delay := calculateBackoff(retries, s.cfg.Reconnect)
		slog.Warn("gstsource: restarting pipeline",
			"error", err,
			"attempt", retries,
			"max_retries", s.cfg.Reconnect.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session builds, plays and monitors one pipeline. onPlaying runs when
// the pipeline reaches PLAYING. Returns nil on cancellation.
func (s *Source) session(ctx context.Context, onPlaying func()) error {
	elements, err := createPipeline(s.cfg)
	if err != nil {
		return err
	}
	defer func() {
		s.playing.Store(false)
		if err := destroyPipeline(elements); err != nil {
			slog.Error("gstsource: failed to destroy pipeline", "error", err)
		}
	}()

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})
	converter := elements.Converter
	elements.Decoder.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		onPadAdded(srcPad, converter)
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstsource: failed to start pipeline: %w", err)
	}

	return s.monitor(ctx, elements.Pipeline, onPlaying)
}

// monitor polls the pipeline bus. Returns errEndOfStream on EOS, an error
// on a pipeline error, nil on cancellation.
func (s *Source) monitor(ctx context.Context, pipeline *gst.Pipeline, onPlaying func()) error {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Short timeout for responsive shutdown.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return errEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyGError(gerr)
			s.errorsByCat[category].Add(1)

			slog.Error("gstsource: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"uri", s.cfg.URI,
				"frames_decoded", s.framesDecoded.Load(),
			)
			return fmt.Errorf("gstsource: pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			old, new := msg.ParseStateChanged()
			slog.Debug("gstsource: pipeline state changed", "from", old, "to", new)
			if new == gst.StatePlaying {
				s.playing.Store(true)
				onPlaying()
			}
		}
	}
}

// onNewSample copies the mapped buffer into an image and publishes it.
// Bad samples are skipped; one corrupt frame must not end the stream.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstsource: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstsource: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	img, err := imageFromRGBA(mapInfo.Bytes(), s.cfg.Width, s.cfg.Height)
	buffer.Unmap()
	if err != nil {
		s.framesInvalid.Add(1)
		slog.Warn("gstsource: invalid buffer", "error", err)
		return gst.FlowOK
	}

	s.framesDecoded.Add(1)
	s.bytesRead.Add(uint64(len(img.Pix)))

	f := s.pub.Publish(framecompositor.Frame{
		Image:     img,
		Timestamp: time.Now(),
		TraceID:   uuid.New().String(),
	})
	slog.Debug("gstsource: frame published", "seq", f.Seq, "trace_id", f.TraceID)
	return gst.FlowOK
}

// imageFromRGBA copies a tightly packed RGBA buffer. GStreamer reuses the
// mapped memory, so the data must not be retained.
func imageFromRGBA(data []byte, width, height int) (*image.RGBA, error) {
	want := width * height * 4
	if len(data) < want {
		return nil, fmt.Errorf("buffer too short: %d bytes, expected %d for %dx%d", len(data), want, width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, data[:want])
	return img, nil
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
