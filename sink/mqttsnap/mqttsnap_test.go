package mqttsnap

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/stills"
)

// doneToken is an already completed token.
type doneToken struct {
	mqtt.Token
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes and subscriptions. Unused mqtt.Client
// methods panic through the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	publishErr error
	msgs       []published
	handlers   map[string]mqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, handlers: map[string]mqtt.MessageHandler{}}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return doneToken{err: c.publishErr}
	}
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return doneToken{}
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeController records the calls the control plane makes.
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	fps     int
	filters []framecompositor.FilterCommand
}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeController) SetTargetFPS(n int) { f.fps = n; f.record("fps") }
func (f *fakeController) SetRotation(t framecompositor.TargetID, d int) error {
	f.record("rotation:" + t.String())
	if d%90 != 0 {
		return framecompositor.ErrInvalidRotation
	}
	return nil
}
func (f *fakeController) SetFlip(t framecompositor.TargetID, h, v bool) error {
	f.record("flip:" + t.String())
	return nil
}
func (f *fakeController) SetAspectMode(t framecompositor.TargetID, keep bool, m framecompositor.AspectMode) error {
	f.record("aspect:" + t.String())
	return nil
}
func (f *fakeController) Resize(t framecompositor.TargetID, w, h int) error {
	f.record("resize:" + t.String())
	return nil
}
func (f *fakeController) SetSourceFlip(h, v bool) { f.record("source_flip") }
func (f *fakeController) SetForceRender(on bool)  { f.record("force_render") }
func (f *fakeController) SetMuteVideo(m bool)     { f.record("mute") }
func (f *fakeController) SetAntiAliasing(on bool) { f.record("aa") }
func (f *fakeController) EnqueueFilter(cmd framecompositor.FilterCommand) {
	f.mu.Lock()
	f.filters = append(f.filters, cmd)
	f.mu.Unlock()
}
func (f *fakeController) Stats() framecompositor.Stats {
	return framecompositor.Stats{State: framecompositor.StateRunning, Passes: 42}
}

func TestPublisherPublishesStillAndMeta(t *testing.T) {
	client := newFakeClient()
	p := NewPublisher(client, Config{TopicPrefix: "cam1", QoS: 1, Retain: true})

	ts := time.UnixMilli(1_700_000_000_000)
	err := p.Publish(stills.Still{ID: "s1", Seq: 3, JPEG: []byte{0xff, 0xd8}, Width: 4, Height: 2, Timestamp: ts})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := client.sent()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, expected 2", len(msgs))
	}
	if msgs[0].topic != "cam1/snapshot" || !msgs[0].retained || msgs[0].qos != 1 || len(msgs[0].payload) != 2 {
		t.Errorf("still message=%+v", msgs[0])
	}
	var meta Meta
	if err := json.Unmarshal(msgs[1].payload, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if msgs[1].topic != "cam1/snapshot/meta" || meta.ID != "s1" || meta.Seq != 3 || meta.Bytes != 2 || meta.TimestampMs != ts.UnixMilli() {
		t.Errorf("meta message topic=%s meta=%+v", msgs[1].topic, meta)
	}
	if st := p.Stats(); st.Published != 1 || st.Errors != 0 {
		t.Errorf("stats=%+v", st)
	}
}

func TestPublisherErrors(t *testing.T) {
	client := newFakeClient()
	p := NewPublisher(client, Config{})

	client.connected = false
	if err := p.Publish(stills.Still{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error=%v", err)
	}

	client.connected = true
	client.publishErr = errors.New("broker says no")
	if err := p.Publish(stills.Still{}); err == nil {
		t.Error("publish error swallowed")
	}
	if st := p.Stats(); st.Errors != 2 || st.Published != 0 {
		t.Errorf("stats=%+v", st)
	}
}

func TestPublisherAttachForwardsBusStills(t *testing.T) {
	client := newFakeClient()
	p := NewPublisher(client, Config{})
	bus := stills.NewBus()
	defer bus.Close()

	if err := p.Attach(bus, "mqtt"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := p.Attach(bus, "mqtt2"); err == nil {
		t.Error("second Attach accepted")
	}
	bus.Publish(stills.Still{ID: "x", JPEG: []byte{1}})

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Published == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if p.Stats().Published != 1 {
		t.Fatal("still not forwarded")
	}
	p.Detach()
	p.Detach()
	if _, ok := bus.Stats().Subscribers["mqtt"]; ok {
		t.Error("still subscribed after Detach")
	}
}

func TestHandleCommands(t *testing.T) {
	snapshots := 0
	ctrl := &fakeController{}
	h := NewHandler(newFakeClient(), Config{}, ctrl, func() bool {
		snapshots++
		return snapshots == 1
	})

	tests := []struct {
		name   string
		cmd    Command
		status string
	}{
		{"fps", Command{Command: "set_fps", FPS: 15}, "ok"},
		{"negative_fps", Command{Command: "set_fps", FPS: -1}, "error"},
		{"rotation", Command{Command: "set_rotation", Target: "preview", Degrees: 90}, "ok"},
		{"bad_rotation", Command{Command: "set_rotation", Target: "encoder", Degrees: 45}, "error"},
		{"unknown_target", Command{Command: "set_flip", Target: "window"}, "error"},
		{"aspect", Command{Command: "set_aspect", Target: "encoder", KeepAspect: true, Mode: "fill"}, "ok"},
		{"bad_aspect", Command{Command: "set_aspect", Target: "encoder", Mode: "zoom"}, "error"},
		{"resize", Command{Command: "resize", Target: "preview", Width: 320, Height: 240}, "ok"},
		{"mute", Command{Command: "mute_video", On: true}, "ok"},
		{"add_filter", Command{Command: "add_filter", Filter: "grayscale"}, "ok"},
		{"unknown_filter", Command{Command: "add_filter", Filter: "blur"}, "error"},
		{"clear_filters", Command{Command: "clear_filters"}, "ok"},
		{"snapshot", Command{Command: "snapshot"}, "ok"},
		{"snapshot_busy", Command{Command: "snapshot"}, "error"},
		{"unknown", Command{Command: "reboot"}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(tt.cmd)
			if resp.Status != tt.status {
				t.Errorf("status=%s error=%q, expected %s", resp.Status, resp.Error, tt.status)
			}
			if resp.CommandAck != tt.cmd.Command {
				t.Errorf("ack=%q", resp.CommandAck)
			}
		})
	}

	if ctrl.fps != 15 {
		t.Errorf("fps=%d", ctrl.fps)
	}
	if len(ctrl.filters) != 2 {
		t.Errorf("filter commands=%d, expected 2", len(ctrl.filters))
	}

	status := h.Handle(Command{Command: "get_status"})
	if status.Data["state"] != "running" || status.Data["passes"] != uint64(42) {
		t.Errorf("status data=%v", status.Data)
	}
}

func TestControlTopicRoundTrip(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(client, Config{TopicPrefix: "cam1"}, &fakeController{}, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client.deliver("cam1/control", []byte(`{"command":"force_render","on":true}`))
	client.deliver("cam1/control", []byte(`not json`))

	msgs := client.sent()
	if len(msgs) != 2 {
		t.Fatalf("responses=%d, expected 2", len(msgs))
	}
	var ok, bad Response
	json.Unmarshal(msgs[0].payload, &ok)
	json.Unmarshal(msgs[1].payload, &bad)
	if msgs[0].topic != "cam1/control/response" || ok.Status != "ok" || ok.CommandAck != "force_render" || ok.Timestamp == "" {
		t.Errorf("response=%+v topic=%s", ok, msgs[0].topic)
	}
	if bad.Status != "error" || bad.Error != "invalid JSON" {
		t.Errorf("invalid JSON response=%+v", bad)
	}

	h.Stop()
	if _, subscribed := client.handlers["cam1/control"]; subscribed {
		t.Error("still subscribed after Stop")
	}
}
