package mqttsnap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/filters"
)

// Controller is the part of the compositor the control plane drives.
// framecompositor.Compositor satisfies it.
type Controller interface {
	SetTargetFPS(n int)
	SetRotation(target framecompositor.TargetID, degrees int) error
	SetFlip(target framecompositor.TargetID, horizontal, vertical bool) error
	SetAspectMode(target framecompositor.TargetID, keepAspect bool, mode framecompositor.AspectMode) error
	Resize(target framecompositor.TargetID, width, height int) error
	SetSourceFlip(horizontal, vertical bool)
	SetForceRender(on bool)
	SetMuteVideo(muted bool)
	SetAntiAliasing(on bool)
	EnqueueFilter(cmd framecompositor.FilterCommand)
	Stats() framecompositor.Stats
}

// Command is a control message.
//
//	{"command": "set_rotation", "target": "preview", "degrees": 90}
type Command struct {
	Command    string `json:"command"`
	Target     string `json:"target,omitempty"`
	Degrees    int    `json:"degrees,omitempty"`
	Horizontal bool   `json:"horizontal,omitempty"`
	Vertical   bool   `json:"vertical,omitempty"`
	KeepAspect bool   `json:"keep_aspect,omitempty"`
	Mode       string `json:"mode,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	On         bool   `json:"on,omitempty"`
	Filter     string `json:"filter,omitempty"`
	Index      int    `json:"index,omitempty"`
}

// Response acknowledges a Command.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"` // "ok" or "error"
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Handler subscribes to the control topic and applies commands.
type Handler struct {
	client   mqtt.Client
	cfg      Config
	ctrl     Controller
	snapshot func() bool // nil disables the snapshot command
}

// NewHandler creates a control plane handler. snapshot triggers a still
// (stills.Capturer.Trigger); nil disables the command.
func NewHandler(client mqtt.Client, cfg Config, ctrl Controller, snapshot func() bool) *Handler {
	return &Handler{client: client, cfg: cfg.withDefaults(), ctrl: ctrl, snapshot: snapshot}
}

// Start subscribes to the control topic.
func (h *Handler) Start() error {
	topic := h.cfg.controlTopic()
	slog.Info("mqttsnap: subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqttsnap: control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttsnap: control plane subscription failed: %w", err)
	}
	return nil
}

// Stop unsubscribes from the control topic.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.controlTopic())
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("mqttsnap: control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("mqttsnap: failed to parse control command", "error", err)
		h.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("mqttsnap: control command received", "command", cmd.Command)
	h.respond(h.Handle(cmd))
}

func (h *Handler) respond(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("mqttsnap: failed to marshal response", "error", err)
		return
	}
	token := h.client.Publish(h.cfg.responseTopic(), h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("mqttsnap: response publish timeout", "command", resp.CommandAck)
	}
}

// Handle applies one command. Settings are queued on the compositor and
// take effect on its next pass.
func (h *Handler) Handle(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: "ok"}
	if err := h.apply(cmd, &resp); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		slog.Warn("mqttsnap: control command failed", "command", cmd.Command, "error", err)
	}
	return resp
}

func (h *Handler) apply(cmd Command, resp *Response) error {
	switch cmd.Command {
	case "get_status":
		resp.Data = statusData(h.ctrl.Stats())
		return nil

	case "snapshot":
		if h.snapshot == nil {
			return fmt.Errorf("snapshots disabled")
		}
		if !h.snapshot() {
			return fmt.Errorf("snapshot already pending")
		}
		return nil

	case "set_fps":
		if cmd.FPS < 0 {
			return fmt.Errorf("fps must be >= 0, got %d", cmd.FPS)
		}
		h.ctrl.SetTargetFPS(cmd.FPS)
		return nil

	case "set_source_flip":
		h.ctrl.SetSourceFlip(cmd.Horizontal, cmd.Vertical)
		return nil
	case "force_render":
		h.ctrl.SetForceRender(cmd.On)
		return nil
	case "mute_video":
		h.ctrl.SetMuteVideo(cmd.On)
		return nil
	case "anti_aliasing":
		h.ctrl.SetAntiAliasing(cmd.On)
		return nil

	case "add_filter", "set_filter", "replace_filter":
		stage, err := filters.New(cmd.Filter)
		if err != nil {
			return err
		}
		switch cmd.Command {
		case "add_filter":
			h.ctrl.EnqueueFilter(framecompositor.AddFilter(stage))
		case "set_filter":
			h.ctrl.EnqueueFilter(framecompositor.SetFilter(cmd.Index, stage))
		default:
			h.ctrl.EnqueueFilter(framecompositor.ReplaceFilters(stage))
		}
		return nil
	case "remove_filter":
		h.ctrl.EnqueueFilter(framecompositor.RemoveFilterAt(cmd.Index))
		return nil
	case "clear_filters":
		h.ctrl.EnqueueFilter(framecompositor.ClearFilters())
		return nil
	}

	// Per-target commands.
	target, err := framecompositor.ParseTargetID(cmd.Target)
	switch cmd.Command {
	case "set_rotation", "set_flip", "set_aspect", "resize":
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}

	switch cmd.Command {
	case "set_rotation":
		return h.ctrl.SetRotation(target, cmd.Degrees)
	case "set_flip":
		return h.ctrl.SetFlip(target, cmd.Horizontal, cmd.Vertical)
	case "set_aspect":
		mode, err := framecompositor.ParseAspectMode(cmd.Mode)
		if err != nil {
			return err
		}
		return h.ctrl.SetAspectMode(target, cmd.KeepAspect, mode)
	default: // resize
		return h.ctrl.Resize(target, cmd.Width, cmd.Height)
	}
}

func statusData(st framecompositor.Stats) map[string]interface{} {
	target := func(t framecompositor.TargetStats) map[string]interface{} {
		return map[string]interface{}{
			"ready":    t.Ready,
			"degraded": t.Degraded,
			"width":    t.Width,
			"height":   t.Height,
			"draws":    t.Draws,
			"skips":    t.Skips,
			"failures": t.Failures,
		}
	}
	return map[string]interface{}{
		"state":             st.State.String(),
		"target_fps":        st.TargetFPS,
		"passes":            st.Passes,
		"frames_published":  st.FramesPublished,
		"frames_coalesced":  st.FramesCoalesced,
		"encoder_throttled": st.EncoderThrottled,
		"filters":           st.Filters.Count,
		"snapshots":         st.Snapshots.Delivered,
		"encoder_fps":       st.Pacing.FPSMean,
		"encoder_stable":    st.Pacing.IsStable,
		"preview":           target(st.Preview),
		"encoder":           target(st.Encoder),
	}
}
