package framecompositor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/internal/surface"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("compositor: invalid configuration")

// Config represents the compositor configuration
type Config struct {
	TargetFPS     int          `yaml:"target_fps"`      // encoder rate; 0 disables throttling
	IdleTimeoutMs int          `yaml:"idle_timeout_ms"` // frame wait bound (default: 100)
	ForceRender   bool         `yaml:"force_render"`    // redraw without new frames (static sources)
	AntiAliasing  bool         `yaml:"anti_aliasing"`
	MuteVideo     bool         `yaml:"mute_video"` // encoder receives black frames
	SourceFlip    FlipConfig   `yaml:"source_flip"`
	PacingWindow  int          `yaml:"pacing_window"` // encoder emissions kept for pacing stats (default: 120)
	Preview       TargetConfig `yaml:"preview"`
	Encoder       TargetConfig `yaml:"encoder"`
	Snapshot      TargetConfig `yaml:"snapshot"`
	Reinit        ReinitConfig `yaml:"reinit"`

	// Runtime collaborators, not read from YAML.
	Backend Backend      `yaml:"-"` // default: SoftwareBackend
	Clock   Clock        `yaml:"-"` // default: system clock
	Logger  *slog.Logger `yaml:"-"` // default: slog.Default()
}

// FlipConfig mirrors the source while compositing
type FlipConfig struct {
	Horizontal bool `yaml:"horizontal"`
	Vertical   bool `yaml:"vertical"`
}

// TargetConfig contains per-output geometry
type TargetConfig struct {
	Rotation       int    `yaml:"rotation"` // 0, 90, 180, 270 (negatives and ≥360 normalised)
	FlipHorizontal bool   `yaml:"flip_horizontal"`
	FlipVertical   bool   `yaml:"flip_vertical"`
	KeepAspect     bool   `yaml:"keep_aspect"`
	AspectMode     string `yaml:"aspect_mode"` // adjust, no_adjust, fill
}

// ReinitConfig bounds context re-creation after a loss
type ReinitConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`     // default: 5
	InitialDelayMs int `yaml:"initial_delay_ms"` // default: 100
	MaxDelayMs     int `yaml:"max_delay_ms"`     // default: 2000
}

// LoadConfig reads and parses a YAML configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("compositor: failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("compositor: failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills defaults in place
func (c *Config) Validate() error {
	if c.TargetFPS < 0 {
		return fmt.Errorf("%w: target_fps must be >= 0, got %d", ErrInvalidConfig, c.TargetFPS)
	}
	if c.IdleTimeoutMs < 0 {
		return fmt.Errorf("%w: idle_timeout_ms must be >= 0, got %d", ErrInvalidConfig, c.IdleTimeoutMs)
	}
	if c.IdleTimeoutMs == 0 {
		c.IdleTimeoutMs = int(engine.DefaultIdleTimeout / time.Millisecond)
	}
	if c.PacingWindow < 0 {
		return fmt.Errorf("%w: pacing_window must be >= 0, got %d", ErrInvalidConfig, c.PacingWindow)
	}

	targets := []struct {
		name string
		cfg  *TargetConfig
	}{
		{"preview", &c.Preview},
		{"encoder", &c.Encoder},
		{"snapshot", &c.Snapshot},
	}
	for _, t := range targets {
		if _, err := t.cfg.settings(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, t.name, err)
		}
	}

	d := surface.DefaultReinitConfig()
	if c.Reinit.MaxAttempts < 0 || c.Reinit.InitialDelayMs < 0 || c.Reinit.MaxDelayMs < 0 {
		return fmt.Errorf("%w: reinit values must be >= 0", ErrInvalidConfig)
	}
	if c.Reinit.MaxAttempts == 0 {
		c.Reinit.MaxAttempts = d.MaxAttempts
	}
	if c.Reinit.InitialDelayMs == 0 {
		c.Reinit.InitialDelayMs = int(d.InitialDelay / time.Millisecond)
	}
	if c.Reinit.MaxDelayMs == 0 {
		c.Reinit.MaxDelayMs = int(d.MaxDelay / time.Millisecond)
	}
	if c.Reinit.MaxDelayMs < c.Reinit.InitialDelayMs {
		return fmt.Errorf("%w: reinit.max_delay_ms (%d) < reinit.initial_delay_ms (%d)",
			ErrInvalidConfig, c.Reinit.MaxDelayMs, c.Reinit.InitialDelayMs)
	}
	return nil
}

func (t TargetConfig) settings() (surface.Settings, error) {
	rot, err := geometry.ParseRotation(t.Rotation)
	if err != nil {
		return surface.Settings{}, err
	}
	mode, err := geometry.ParseAspectMode(t.AspectMode)
	if err != nil {
		return surface.Settings{}, err
	}
	return surface.Settings{
		Rotation:   rot,
		FlipH:      t.FlipHorizontal,
		FlipV:      t.FlipVertical,
		KeepAspect: t.KeepAspect,
		Mode:       mode,
	}, nil
}

// engineConfig converts a validated Config.
func (c *Config) engineConfig() engine.Config {
	preview, _ := c.Preview.settings()
	encoder, _ := c.Encoder.settings()
	snapshot, _ := c.Snapshot.settings()

	return engine.Config{
		TargetFPS:    c.TargetFPS,
		IdleTimeout:  time.Duration(c.IdleTimeoutMs) * time.Millisecond,
		ForceRender:  c.ForceRender,
		AntiAliasing: c.AntiAliasing,
		SourceFlipH:  c.SourceFlip.Horizontal,
		SourceFlipV:  c.SourceFlip.Vertical,
		Preview:      preview,
		Encoder:      encoder,
		Snapshot:     snapshot,
		Reinit: surface.ReinitConfig{
			MaxAttempts:  c.Reinit.MaxAttempts,
			InitialDelay: time.Duration(c.Reinit.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(c.Reinit.MaxDelayMs) * time.Millisecond,
		},
		Backend:      c.Backend,
		Clock:        c.Clock,
		PacingWindow: c.PacingWindow,
		Logger:       c.Logger,
	}
}
