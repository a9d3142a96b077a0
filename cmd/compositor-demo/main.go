// Command compositor-demo wires the compositor to a frame source, a
// websocket preview, a stand-in encoder and the still sinks.
//
//	source (pattern | gstreamer) → Texture → render loop ─┬→ preview (websocket)
//	                                                      ├→ encoder
//	                                                      └→ snapshot → stills bus → disk | MQTT | Redis
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/filters"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/mqttsnap"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/redissnap"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/stills"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/wspreview"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/source/gstsource"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/source/pattern"
)

const (
	version           = "v0.1.0"
	defaultConfigPath = "cmd/compositor-demo/config.yaml"
)

// frameSource is implemented by pattern.Generator and gstsource.Source.
type frameSource interface {
	Start(ctx context.Context) error
	Stop() error
}

// demo holds every running component, for stats and shutdown.
type demo struct {
	comp     framecompositor.Compositor
	source   frameSource
	preview  *wspreview.Server
	encoder  *encoderSink
	bus      *stills.Bus
	capturer *stills.Capturer
	health   *http.Server
	started  time.Time

	// optional
	saver      *StillSaver
	mqttClient mqtt.Client
	publisher  *mqttsnap.Publisher
	control    *mqttsnap.Handler
	store      *redissnap.Store
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, *debug)
	slog.SetDefault(logger)

	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("demo: shutdown signal received", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("demo: failed", "error", err)
		os.Exit(1)
	}
	logger.Info("demo: stopped gracefully")
}

func newLogger(cfg LogConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	d := &demo{encoder: &encoderSink{}, started: time.Now()}
	defer d.shutdown(logger)

	// 1. Compositor
	cfg.Compositor.Logger = logger
	comp, err := framecompositor.New(cfg.Compositor)
	if err != nil {
		return fmt.Errorf("failed to create compositor: %w", err)
	}
	d.comp = comp

	for _, name := range cfg.Filters {
		stage, err := filters.New(name)
		if err != nil {
			return err
		}
		comp.EnqueueFilter(framecompositor.AddFilter(stage))
	}

	// 2. Outputs
	d.preview = wspreview.New(wspreview.Config{Addr: cfg.Preview.Addr, Quality: cfg.Preview.Quality})
	go func() {
		if err := d.preview.ListenAndServe(ctx); err != nil {
			logger.Error("demo: preview server failed", "error", err)
		}
	}()
	if err := comp.AttachPreview(d.preview); err != nil {
		return err
	}
	if err := comp.AttachEncoder(d.encoder); err != nil {
		return err
	}

	// 3. Render loop
	if err := comp.Start(ctx, cfg.Encoder.Width, cfg.Encoder.Height, cfg.Preview.Width, cfg.Preview.Height); err != nil {
		return fmt.Errorf("failed to start compositor: %w", err)
	}

	// 4. Stills
	d.bus = stills.NewBus()
	d.capturer, err = stills.New(comp, d.bus, stills.Config{
		Interval: time.Duration(cfg.Stills.IntervalMs) * time.Millisecond,
		Quality:  cfg.Stills.Quality,
	})
	if err != nil {
		return err
	}
	if err := d.capturer.Start(ctx); err != nil {
		return err
	}
	if cfg.Stills.OutputDir != "" {
		saver, err := NewStillSaver(cfg.Stills.OutputDir)
		if err != nil {
			return err
		}
		if err := saver.Attach(d.bus, "disk"); err != nil {
			return err
		}
		d.saver = saver
		logger.Info("demo: still saving enabled", "output_dir", cfg.Stills.OutputDir)
	}
	if cfg.MQTT.Enabled {
		if err := d.startMQTT(cfg.MQTT); err != nil {
			return err
		}
	}
	if cfg.Redis.Enabled {
		if err := d.startRedis(ctx, cfg.Redis); err != nil {
			return err
		}
	}

	// 5. Source (last, so nothing is published into a stopped loop)
	src, err := newSource(cfg.Source, comp.Texture())
	if err != nil {
		return err
	}
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}
	d.source = src
	logger.Info("demo: pipeline running", "source", cfg.Source.Type, "preview_addr", cfg.Preview.Addr)

	if cfg.HealthAddr != "" {
		d.health = d.startHealthServer(cfg.HealthAddr)
	}
	go reportStats(ctx, cfg.statsInterval(), d)

	<-ctx.Done()
	return ctx.Err()
}

func newSource(cfg SourceConfig, tex *framecompositor.Texture) (frameSource, error) {
	switch cfg.Type {
	case "gst":
		return gstsource.New(gstsource.Config{
			URI:    cfg.URI,
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.FPS,
			Sync:   true,
			Loop:   cfg.Loop,
		}, tex)
	default:
		return pattern.New(pattern.Config{Width: cfg.Width, Height: cfg.Height, FPS: cfg.FPS}, tex)
	}
}

func (d *demo) startMQTT(cfg MQTTConfig) error {
	mcfg := mqttsnap.Config{
		Broker:      cfg.Broker,
		ClientID:    cfg.ClientID,
		TopicPrefix: cfg.TopicPrefix,
		QoS:         cfg.QoS,
		Retain:      cfg.Retain,
	}
	client, err := mqttsnap.Connect(mcfg)
	if err != nil {
		return err
	}
	d.mqttClient = client

	d.publisher = mqttsnap.NewPublisher(client, mcfg)
	if err := d.publisher.Attach(d.bus, "mqtt"); err != nil {
		return err
	}
	d.control = mqttsnap.NewHandler(client, mcfg, d.comp, d.capturer.Trigger)
	return d.control.Start()
}

func (d *demo) startRedis(ctx context.Context, cfg RedisConfig) error {
	store, err := redissnap.NewStore(ctx, redissnap.Config{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: cfg.Prefix,
		TTL:       time.Duration(cfg.TTLS) * time.Second,
		History:   cfg.History,
	})
	if err != nil {
		return err
	}
	d.store = store
	return store.Attach(d.bus, "redis")
}

// shutdown stops components in reverse dependency order: producers first,
// then the render loop, then the sinks.
func (d *demo) shutdown(logger *slog.Logger) {
	if d.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.health.Shutdown(ctx)
		cancel()
	}
	if d.source != nil {
		if err := d.source.Stop(); err != nil {
			logger.Error("demo: failed to stop source", "error", err)
		}
	}
	if d.control != nil {
		d.control.Stop()
	}
	if d.capturer != nil {
		d.capturer.Stop()
	}
	if d.comp != nil {
		if err := d.comp.Stop(); err != nil {
			logger.Error("demo: failed to stop compositor", "error", err)
		}
	}
	if d.saver != nil {
		d.saver.Detach()
	}
	if d.publisher != nil {
		d.publisher.Detach()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Error("demo: failed to close redis store", "error", err)
		}
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.mqttClient != nil {
		d.mqttClient.Disconnect(250)
	}
	if d.preview != nil {
		d.preview.Close()
	}

	if d.comp != nil && d.bus != nil {
		printFinalStats(d)
	}
}

func printBanner(cfg *Config) {
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║    Frame Compositor Demo                                      ║")
	fmt.Printf("║                    Version %-30s ║\n", version)
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("Configuration:")

	switch cfg.Source.Type {
	case "gst":
		fmt.Printf("  Source:          GStreamer (%s)\n", cfg.Source.URI)
	default:
		fmt.Printf("  Source:          Test pattern\n")
	}
	fmt.Printf("  Source Size:     %dx%d @ %.1f fps\n", cfg.Source.Width, cfg.Source.Height, cfg.Source.FPS)
	fmt.Printf("  Encoder:         %dx%d, target %d fps\n", cfg.Encoder.Width, cfg.Encoder.Height, cfg.Compositor.TargetFPS)
	fmt.Printf("  Preview:         %dx%d on %s\n", cfg.Preview.Width, cfg.Preview.Height, cfg.Preview.Addr)
	if len(cfg.Filters) > 0 {
		fmt.Printf("  Filters:         %s\n", strings.Join(cfg.Filters, " → "))
	}
	if cfg.Stills.IntervalMs > 0 {
		fmt.Printf("  Stills:          every %dms\n", cfg.Stills.IntervalMs)
	}
	fmt.Printf("  MQTT:            %v\n", cfg.MQTT.Enabled)
	fmt.Printf("  Redis:           %v\n", cfg.Redis.Enabled)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop gracefully")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}
