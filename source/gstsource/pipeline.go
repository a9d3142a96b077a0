package gstsource

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineElements holds references needed for linking and cleanup.
type pipelineElements struct {
	Pipeline  *gst.Pipeline
	Decoder   *gst.Element // uridecodebin, dynamic pads
	Converter *gst.Element // first static element after the decoder
	AppSink   *app.Sink
}

// createPipeline builds:
//
//	uridecodebin → videoconvert → videoscale → videorate → capsfilter(RGBA) → appsink
//
// The pipeline is configured but NOT started. uridecodebin pads appear
// once the stream is probed; the caller links them in pad-added.
func createPipeline(cfg Config) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create pipeline: %w", err)
	}

	decoder, err := gst.NewElement("uridecodebin")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create uridecodebin: %w", err)
	}
	decoder.SetProperty("uri", cfg.URI)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // auto-detect cores

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create capsfilter: %w", err)
	}
	capsStr := buildCaps(cfg.Width, cfg.Height, cfg.FPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", cfg.Sync) // true plays files at their native rate
	appsink.SetProperty("max-buffers", 1) // keep only the latest frame
	appsink.SetProperty("drop", true)
	appsink.SetProperty("qos", true)

	pipeline.AddMany(decoder, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("gstsource: failed to link pipeline elements: %w", err)
	}

	slog.Debug("gstsource: pipeline created", "uri", cfg.URI, "caps", capsStr)

	return &pipelineElements{
		Pipeline:  pipeline,
		Decoder:   decoder,
		Converter: converter,
		AppSink:   appsink,
	}, nil
}

// destroyPipeline sets the pipeline to NULL, releasing its resources.
// Safe on a nil or already destroyed pipeline.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstsource: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// onPadAdded links the first decoded pad that can feed videoconvert.
// Audio pads fail to link and are ignored.
func onPadAdded(srcPad *gst.Pad, converter *gst.Element) {
	sinkPad := converter.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstsource: failed to get sink pad from videoconvert")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Debug("gstsource: decoder pad not linked",
			"src_pad", srcPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("gstsource: decoder pad linked", "src_pad", srcPad.GetName())
}

// buildCaps builds the RGBA output caps. fps ≤ 0 leaves the rate free.
//
// Fractional rates: 0.5 → framerate=1/2.
func buildCaps(width, height int, fps float64) string {
	caps := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", width, height)
	if fps <= 0 {
		return caps
	}

	numerator, denominator := 1, 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf("%s,framerate=%d/%d", caps, numerator, denominator)
}
