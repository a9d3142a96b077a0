// Package filterchain holds the ordered list of filter stages the render
// loop composites through, and the queue of edits applied to it.
//
// Edits are enqueued from any goroutine and applied by the render
// goroutine one per pass, so the active list is never locked during a draw
// and the cost of mutation per frame stays bounded.
package filterchain

import (
	"image"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
)

// Stage is an opaque image transform with a position in the chain.
//
// Identity is the interface value itself: Remove(stage) removes the first
// element equal to stage, so stages should be pointer types (or otherwise
// comparable values). A Remove naming a non-comparable stage, or a chain
// holding one, never matches it and the command is ignored.
type Stage interface {
	Render(src image.Image) image.Image
}

// Kind tags a Command.
type Kind int

const (
	KindSet Kind = iota
	KindAdd
	KindAddAt
	KindRemoveAt
	KindRemove
	KindClear
	KindReplace
)

// String returns a short name for logs.
func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindAdd:
		return "add"
	case KindAddAt:
		return "add_at"
	case KindRemoveAt:
		return "remove_at"
	case KindRemove:
		return "remove"
	case KindClear:
		return "clear"
	case KindReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Command is one edit of the chain. Build it with the constructors below.
type Command struct {
	Kind  Kind
	Index int
	Stage Stage
}

// Set replaces the stage at index.
func Set(index int, stage Stage) Command { return Command{Kind: KindSet, Index: index, Stage: stage} }

// Add appends stage to the end of the chain.
func Add(stage Stage) Command { return Command{Kind: KindAdd, Stage: stage} }

// AddAt inserts stage at index (index == Count appends).
func AddAt(index int, stage Stage) Command {
	return Command{Kind: KindAddAt, Index: index, Stage: stage}
}

// RemoveAt removes the stage at index.
func RemoveAt(index int) Command { return Command{Kind: KindRemoveAt, Index: index} }

// Remove removes the first occurrence of stage.
func Remove(stage Stage) Command { return Command{Kind: KindRemove, Stage: stage} }

// Clear empties the chain.
func Clear() Command { return Command{Kind: KindClear} }

// Replace clears the chain and leaves stage as its only element.
func Replace(stage Stage) Command { return Command{Kind: KindReplace, Stage: stage} }

// Stats counts command outcomes.
type Stats struct {
	Enqueued uint64
	Applied  uint64
	Ignored  uint64 // out-of-range index or unknown stage
	Pending  int
	Count    int
}

// Chain is the active stage list plus its pending command queue.
type Chain struct {
	// --- Command queue (any goroutine → render goroutine) ---
	mu      sync.Mutex
	pending []Command

	// --- Active list (render goroutine only) ---
	stages []Stage

	count    atomic.Int64 // len(stages) as of the last applied command
	enqueued atomic.Uint64
	applied  atomic.Uint64
	ignored  atomic.Uint64

	logger *slog.Logger
}

// New creates an empty chain. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Enqueue schedules cmd. Never blocks on the render goroutine.
func (c *Chain) Enqueue(cmd Command) {
	c.mu.Lock()
	c.pending = append(c.pending, cmd)
	c.mu.Unlock()
	c.enqueued.Add(1)
}

// Pending returns the number of queued commands.
func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Count returns the stage count as of the last applied command. It may be
// stale by the commands still pending.
func (c *Chain) Count() int {
	return int(c.count.Load())
}

// Stats returns a snapshot of command counters.
func (c *Chain) Stats() Stats {
	return Stats{
		Enqueued: c.enqueued.Load(),
		Applied:  c.applied.Load(),
		Ignored:  c.ignored.Load(),
		Pending:  c.Pending(),
		Count:    c.Count(),
	}
}

// ApplyNext pops at most one command and applies it. It reports whether a
// command was dequeued (even if it turned out to be a no-op).
//
// Render goroutine only.
func (c *Chain) ApplyNext() bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	cmd := c.pending[0]
	c.pending[0] = Command{}
	c.pending = c.pending[1:]
	if len(c.pending) == 0 {
		c.pending = nil
	}
	c.mu.Unlock()

	if c.apply(cmd) {
		c.applied.Add(1)
	} else {
		c.ignored.Add(1)
		c.logger.Debug("compositor: filter command ignored",
			"kind", cmd.Kind.String(),
			"index", cmd.Index,
			"count", len(c.stages),
		)
	}
	c.count.Store(int64(len(c.stages)))
	return true
}

func (c *Chain) apply(cmd Command) bool {
	n := len(c.stages)

	switch cmd.Kind {
	case KindSet:
		if cmd.Index < 0 || cmd.Index >= n || cmd.Stage == nil {
			return false
		}
		c.stages[cmd.Index] = cmd.Stage

	case KindAdd:
		if cmd.Stage == nil {
			return false
		}
		c.stages = append(c.stages, cmd.Stage)

	case KindAddAt:
		if cmd.Index < 0 || cmd.Index > n || cmd.Stage == nil {
			return false
		}
		c.stages = append(c.stages, nil)
		copy(c.stages[cmd.Index+1:], c.stages[cmd.Index:])
		c.stages[cmd.Index] = cmd.Stage

	case KindRemoveAt:
		if cmd.Index < 0 || cmd.Index >= n {
			return false
		}
		c.removeIndex(cmd.Index)

	case KindRemove:
		if !isComparable(cmd.Stage) {
			return false
		}
		for i, s := range c.stages {
			if isComparable(s) && s == cmd.Stage {
				c.removeIndex(i)
				return true
			}
		}
		return false

	case KindClear:
		c.clear()

	case KindReplace:
		c.clear()
		if cmd.Stage != nil {
			c.stages = append(c.stages, cmd.Stage)
		}

	default:
		return false
	}
	return true
}

// isComparable reports whether s can be compared with == without panicking.
func isComparable(s Stage) bool {
	return s != nil && reflect.TypeOf(s).Comparable()
}

func (c *Chain) removeIndex(i int) {
	copy(c.stages[i:], c.stages[i+1:])
	c.stages[len(c.stages)-1] = nil
	c.stages = c.stages[:len(c.stages)-1]
}

func (c *Chain) clear() {
	for i := range c.stages {
		c.stages[i] = nil
	}
	c.stages = c.stages[:0]
}

// Stages returns a copy of the active list. Render goroutine only.
func (c *Chain) Stages() []Stage {
	out := make([]Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Render runs src through the active stages in order. A stage returning nil
// passes its input through unchanged. Render goroutine only.
func (c *Chain) Render(src image.Image) image.Image {
	out := src
	for i, s := range c.stages {
		next := s.Render(out)
		if next == nil {
			c.logger.Debug("compositor: filter stage returned nil, passing input through", "index", i)
			continue
		}
		out = next
	}
	return out
}
