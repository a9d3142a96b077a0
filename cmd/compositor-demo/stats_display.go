package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/source/gstsource"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/source/pattern"
)

// reportStats periodically prints statistics from all demo components
func reportStats(ctx context.Context, interval time.Duration, d *demo) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(time.Since(startTime), d)
		}
	}
}

// printLiveStats prints current statistics from all components
func printLiveStats(uptime time.Duration, d *demo) {
	st := d.comp.Stats()

	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Compositor Statistics (Uptime: %v, State: %s)\n", uptime.Round(time.Second), st.State)
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	// Source
	fmt.Println("│ Source:")
	printSourceStats(d.source)
	fmt.Printf("│   Frames Published:   %6d\n", st.FramesPublished)
	fmt.Printf("│   Frames Coalesced:   %6d (%.1f%%)\n",
		st.FramesCoalesced, dropRate(st.FramesPublished, st.FramesCoalesced))

	// Render loop
	fmt.Println("│")
	fmt.Println("│ Render Loop:")
	fmt.Printf("│   Passes:             %6d\n", st.Passes)
	fmt.Printf("│   Idle Timeouts:      %6d\n", st.IdleTimeouts)
	fmt.Printf("│   Filters:            %6d (%d pending)\n", st.Filters.Count, st.Filters.Pending)
	fmt.Printf("│   Last Trace:         %s\n", st.LastTraceID)

	// Outputs
	fmt.Println("│")
	fmt.Println("│ Outputs:")
	printTarget("Preview", st.Preview)
	printTarget("Encoder", st.Encoder)
	printTarget("Snapshot", st.Snapshot)

	target := "unthrottled"
	if st.TargetFPS > 0 {
		target = fmt.Sprintf("%d fps", st.TargetFPS)
	}
	fmt.Printf("│   Encoder Pacing:     %6.2f fps (target %s, stable=%v, jitter max=%.1fms)\n",
		st.Pacing.FPSMean, target, st.Pacing.IsStable, st.Pacing.JitterMax*1000)
	fmt.Printf("│   Encoder Throttled:  %6d passes\n", st.EncoderThrottled)

	frames, bytes, age := d.encoder.Stats()
	fmt.Printf("│   Encoder Input:      %6d frames, %d MiB, last %v ago\n",
		frames, bytes>>20, age.Round(time.Millisecond))

	ps := d.preview.Stats()
	fmt.Printf("│   Preview Clients:    %6d (sent=%d, dropped=%d, overwritten=%d)\n",
		ps.Clients, ps.Sent, ps.Dropped, ps.Overwritten)

	// Stills
	fmt.Println("│")
	fmt.Println("│ Stills:")
	cs := d.capturer.Stats()
	fmt.Printf("│   Requested:          %6d (rejected=%d)\n", cs.Requested, cs.Rejected)
	fmt.Printf("│   Encoded:            %6d (overwritten=%d, errors=%d)\n",
		cs.Encoded, cs.Overwritten, cs.EncodeErrors)
	printSubscribers(d)

	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
	fmt.Println()
}

// printFinalStats prints final statistics at shutdown
func printFinalStats(d *demo) {
	st := d.comp.Stats()
	frames, _, _ := d.encoder.Stats()

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                     Final Statistics                         ")
	fmt.Println("═══════════════════════════════════════════════════════════════")

	fmt.Printf("  Frames Published:      %d\n", st.FramesPublished)
	fmt.Printf("  Frames Coalesced:      %d (%.1f%%)\n",
		st.FramesCoalesced, dropRate(st.FramesPublished, st.FramesCoalesced))
	fmt.Printf("  Render Passes:         %d\n", st.Passes)
	fmt.Printf("  Encoder Frames:        %d (throttled %d)\n", frames, st.EncoderThrottled)
	fmt.Printf("  Preview Draws:         %d (failures %d)\n", st.Preview.Draws, st.Preview.Failures)
	fmt.Printf("  Snapshots:             %d delivered, %d rejected, %d dropped\n",
		st.Snapshots.Delivered, st.Snapshots.Rejected, st.Snapshots.Dropped)

	if d.saver != nil {
		saved, failed := d.saver.Stats()
		fmt.Printf("  Stills Saved:          %d (%d failed)\n", saved, failed)
	}
	if d.publisher != nil {
		ms := d.publisher.Stats()
		fmt.Printf("  MQTT Stills:           %d (%d errors)\n", ms.Published, ms.Errors)
	}
	if d.store != nil {
		rs := d.store.Stats()
		fmt.Printf("  Redis Stills:          %d (%d errors)\n", rs.Saved, rs.Errors)
	}

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}

func printSourceStats(src frameSource) {
	switch s := src.(type) {
	case *gstsource.Source:
		ss := s.Stats()
		fmt.Printf("│   GStreamer:          %6d frames decoded (%d invalid), playing=%v\n",
			ss.FramesDecoded, ss.FramesInvalid, ss.Playing)
		fmt.Printf("│   Restarts:           %6d\n", ss.Restarts)
		for _, cat := range sortedKeys(ss.Errors) {
			if n := ss.Errors[cat]; n > 0 {
				fmt.Printf("│   Errors (%s): %6d\n", cat, n)
			}
		}
	case *pattern.Generator:
		fmt.Printf("│   Test Pattern:       %6d frames generated\n", s.Frames())
	}
}

func printTarget(name string, t framecompositor.TargetStats) {
	status := "ready"
	switch {
	case t.Degraded:
		status = "DEGRADED"
	case !t.Ready:
		status = "not ready"
	}
	fmt.Printf("│   %-9s %4dx%-4d  %-9s draws=%d skips=%d failures=%d reinits=%d\n",
		name+":", t.Width, t.Height, status, t.Draws, t.Skips, t.Failures, t.ReinitAttempts)
}

func printSubscribers(d *demo) {
	bs := d.bus.Stats()
	for _, id := range sortedKeys(bs.Subscribers) {
		sub := bs.Subscribers[id]
		fmt.Printf("│   %-15s: %4d sent, %3d drops (%.1f%%, %s)\n",
			id, sub.Sent, sub.Dropped, dropRate(sub.Sent+sub.Dropped, sub.Dropped), sub.Policy)
	}
}

// dropRate calculates drop percentage
func dropRate(total, drops uint64) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(drops) / float64(total) * 100.0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
