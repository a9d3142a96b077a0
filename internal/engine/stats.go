package engine

import (
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/filterchain"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/pacing"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/surface"
)

// SnapshotStats counts snapshot request outcomes.
type SnapshotStats struct {
	Delivered uint64
	Rejected  uint64 // request while another was outstanding
	Dropped   uint64 // pending when the loop stopped
	Pending   bool
}

// Stats is an operational snapshot of the engine.
//
// Counters are read atomically without stopping the loop, so fields may be
// mutually inconsistent by a pass. Fine for monitoring.
type Stats struct {
	State     State
	TargetFPS int

	Passes           uint64 // frames composited
	IdleTimeouts     uint64 // frame waits that timed out
	FramesPublished  uint64
	FramesCoalesced  uint64 // replaced before the loop consumed them
	EncoderThrottled uint64 // passes where the gate skipped the encoder
	LastSeq          uint64
	LastTraceID      string

	Snapshots SnapshotStats
	Filters   filterchain.Stats

	Preview  surface.Stats
	Encoder  surface.Stats
	Snapshot surface.Stats

	// Pacing describes the encoder emission cadence over the recent window.
	Pacing pacing.Stats
}

// Stats returns a snapshot of the engine counters. Safe from any goroutine.
func (e *Engine) Stats() Stats {
	trace, _ := e.lastTrace.Load().(string)
	return Stats{
		State:            e.State(),
		TargetFPS:        e.gate.FPS(),
		Passes:           e.passes.Load(),
		IdleTimeouts:     e.idleTimeouts.Load(),
		FramesPublished:  e.tex.Published(),
		FramesCoalesced:  e.tex.Coalesced(),
		EncoderThrottled: e.encoderThrottled.Load(),
		LastSeq:          e.lastSeq.Load(),
		LastTraceID:      trace,
		Snapshots: SnapshotStats{
			Delivered: e.snap.delivered.Load(),
			Rejected:  e.snap.rejected.Load(),
			Dropped:   e.snap.dropped.Load(),
			Pending:   e.snap.pending() != nil,
		},
		Filters:  e.chain.Stats(),
		Preview:  e.targets[PreviewTarget].Stats(),
		Encoder:  e.targets[EncoderTarget].Stats(),
		Snapshot: e.targets[SnapshotTarget].Stats(),
		Pacing:   e.pace.Stats(),
	}
}
