// Package framecompositor is a real-time frame compositing engine.
//
// # Overview
//
// A producer (camera, file decoder, test pattern) publishes frames into the
// source texture. A dedicated render goroutine composites the latest frame
// through a mutable chain of filter stages and presents the result to three
// independent outputs:
//
//   - Preview: an on-screen surface, drawn on every pass
//   - Encoder: the encoder input surface, throttled to a target frame rate
//   - Snapshot: an on-demand still, delivered to a callback
//
// Each output has its own size, rotation, mirroring and aspect policy.
//
// # Basic Usage
//
//	comp, err := framecompositor.New(framecompositor.Config{TargetFPS: 30})
//	if err != nil {
//	    return err
//	}
//	comp.AttachPreview(previewSink)
//	comp.AttachEncoder(encoderSink)
//
//	if err := comp.Start(ctx, 1280, 720, 640, 360); err != nil {
//	    return err
//	}
//	defer comp.Stop()
//
//	for img := range decoded {
//	    comp.Texture().Publish(framecompositor.Frame{Image: img})
//	}
//
// # Non-Blocking Semantics
//
// Publish never blocks. A frame published before the render goroutine
// consumed the previous one replaces it ("latest wins"); the replaced frame
// is counted in Stats().FramesCoalesced.
//
// Filter edits, geometry changes, resizes and surface attachments are
// recorded from any goroutine and applied by the render goroutine at the
// start of its next pass. Filter commands are applied one per pass, in
// enqueue order.
//
// # Failure Handling
//
// A destroyed output surface makes its target not-ready; the other outputs
// keep running. A lost rendering context is released and re-created with
// exponential backoff, and after Config.Reinit.MaxAttempts the target stays
// degraded until a new surface is attached. The loop itself only ends on
// Stop or context cancellation.
//
// # Sources and Sinks
//
// Producers live under source/ (gstsource decodes any GStreamer URI,
// pattern generates colour bars). Outputs live under sink/: wspreview is a
// preview Surface for browsers, and stills turns snapshots into JPEG stills
// fanned out to redissnap and mqttsnap. mqttsnap also exposes a JSON
// control plane over the Compositor setters. Named filter stages are in
// filters.
//
// # Thread Safety
//
// All Compositor methods are safe for concurrent use. Snapshot callbacks run
// on the render goroutine and must return quickly.
package framecompositor
