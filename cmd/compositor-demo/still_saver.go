package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/stills"
)

// StillSaver writes stills to disk (optional feature).
//
// It subscribes with a small buffered channel (DropNew): when the disk is
// slower than the capture interval the bus drops stills for this
// subscriber only.
type StillSaver struct {
	outputDir string

	bus *stills.Bus
	id  string
	ch  chan stills.Still
	wg  sync.WaitGroup

	saved  atomic.Uint64
	failed atomic.Uint64
}

// NewStillSaver creates a saver writing into outputDir.
func NewStillSaver(outputDir string) (*StillSaver, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &StillSaver{outputDir: outputDir}, nil
}

// Attach subscribes to bus and starts the writer goroutine.
func (s *StillSaver) Attach(bus *stills.Bus, id string) error {
	ch := make(chan stills.Still, 4)
	if err := bus.Subscribe(id, ch); err != nil {
		return err
	}
	s.bus, s.id, s.ch = bus, id, ch

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for still := range ch {
			if err := s.save(still); err != nil {
				s.failed.Add(1)
				slog.Error("demo: failed to save still", "error", err, "seq", still.Seq)
				continue
			}
			s.saved.Add(1)
		}
	}()
	return nil
}

// Detach unsubscribes and waits for pending writes.
func (s *StillSaver) Detach() {
	if s.bus == nil {
		return
	}
	s.bus.Unsubscribe(s.id)
	close(s.ch)
	s.wg.Wait()
	s.bus = nil
}

// save writes still_{seq:06d}_{timestamp}.jpg
func (s *StillSaver) save(still stills.Still) error {
	name := fmt.Sprintf("still_%06d_%s.jpg",
		still.Seq,
		still.Timestamp.Format("20060102_150405.000"))
	return os.WriteFile(filepath.Join(s.outputDir, name), still.JPEG, 0644)
}

// Stats returns current save statistics.
func (s *StillSaver) Stats() (saved, failed uint64) {
	return s.saved.Load(), s.failed.Load()
}
