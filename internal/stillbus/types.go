package stillbus

import (
	"errors"
	"image"
	"time"
)

var (
	ErrBusClosed          = errors.New("stillbus: bus is closed")
	ErrSubscriberExists   = errors.New("stillbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("stillbus: subscriber not found")
	ErrNilChannel         = errors.New("stillbus: nil channel provided")
)

// DropPolicy defines how the bus handles stills when a subscriber cannot keep up
type DropPolicy int

const (
	// DropNew drops the incoming still if the subscriber channel is full.
	DropNew DropPolicy = iota
	// DropOld replaces the unconsumed still in the subscriber slot.
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop_old"
	}
	return "drop_new"
}

// Still is an encoded snapshot of the composite.
//
// Image and JPEG are shared by every subscriber and MUST NOT be modified.
type Still struct {
	ID        string
	Image     *image.RGBA
	JPEG      []byte
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64
}

// SubscriberStats tracks still distribution metrics
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the bus counters
type Stats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}
