package engine

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SnapshotRequest is one outstanding still capture.
type SnapshotRequest struct {
	ID        string
	Callback  func(*image.RGBA)
	Requested time.Time
}

// snapshotSlot holds at most one request. A second request while one is
// outstanding is rejected; the slot frees when the render goroutine
// delivers the capture or when the loop stops (silent drop).
type snapshotSlot struct {
	mu  sync.Mutex
	req *SnapshotRequest

	delivered atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
}

func (s *snapshotSlot) request(cb func(*image.RGBA), now time.Time) (*SnapshotRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.req != nil {
		s.rejected.Add(1)
		return nil, false
	}
	s.req = &SnapshotRequest{ID: uuid.NewString(), Callback: cb, Requested: now}
	return s.req, true
}

func (s *snapshotSlot) pending() *SnapshotRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

// complete frees the slot if it still holds req.
func (s *snapshotSlot) complete(req *SnapshotRequest) {
	s.mu.Lock()
	if s.req == req {
		s.req = nil
	}
	s.mu.Unlock()
	s.delivered.Add(1)
}

// drop empties the slot and returns the abandoned request, if any.
func (s *snapshotSlot) drop() *SnapshotRequest {
	s.mu.Lock()
	req := s.req
	s.req = nil
	s.mu.Unlock()
	if req != nil {
		s.dropped.Add(1)
	}
	return req
}
