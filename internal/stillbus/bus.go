// Package stillbus fans encoded snapshots out to the snapshot sinks
// without ever blocking the publisher.
package stillbus

import (
	"sync"
	"sync/atomic"
)

type subscriber struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch   chan<- Still // DropNew
	slot *Slot        // DropOld
}

// Bus distributes stills to subscribers.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished atomic.Uint64
	seq            atomic.Uint64
	closed         bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a channel with DropNew policy.
func (b *Bus) Subscribe(id string, ch chan<- Still) error {
	if ch == nil {
		return ErrNilChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a single-slot mailbox with DropOld policy.
func (b *Bus) SubscribeLatest(id string) (*Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}
	sub := &subscriber{policy: DropOld, slot: newSlot()}
	b.subscribers[id] = sub
	return sub.slot, nil
}

// Publish assigns the next sequence number and distributes the still.
// Never blocks. No-op after Close.
func (b *Bus) Publish(s Still) Still {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return s
	}
	s.Seq = b.seq.Add(1)
	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- s:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.slot.put(s) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
	return s
}

// Unsubscribe removes a subscriber. A DropOld slot is closed, waking its
// reader.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.slot != nil {
		sub.slot.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		st.Subscribers[id] = SubscriberStats{
			Policy:  sub.policy,
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
	}
	return st
}

// Close shuts the bus down and closes every slot. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		if sub.slot != nil {
			sub.slot.Close()
		}
	}
	b.subscribers = nil
}

// Slot is a single-slot mailbox: put overwrites, Receive blocks.
type Slot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	still  *Still
	closed bool
}

func newSlot() *Slot {
	s := &Slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// put stores s and reports whether an unconsumed still was overwritten.
func (s *Slot) put(still Still) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	overwrote := s.still != nil
	s.still = &still
	s.cond.Signal()
	return overwrote
}

// Receive blocks until a still is available. ok is false once the slot is
// closed.
func (s *Slot) Receive() (still Still, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.still == nil && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return Still{}, false
	}
	still = *s.still
	s.still = nil
	return still, true
}

// TryReceive consumes the pending still without blocking.
func (s *Slot) TryReceive() (Still, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.still == nil {
		return Still{}, false
	}
	still := *s.still
	s.still = nil
	return still, true
}

// Close wakes a blocked Receive. Idempotent.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.still = nil
	s.cond.Broadcast()
}
