package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
)

// Config is the demo configuration: the compositor settings plus the
// source and sinks wired around it.
type Config struct {
	Log            LogConfig              `yaml:"log"`
	Compositor     framecompositor.Config `yaml:"compositor"`
	Filters        []string               `yaml:"filters"` // built-in filters added at startup
	Source         SourceConfig           `yaml:"source"`
	Encoder        SizeConfig             `yaml:"encoder"`
	Preview        PreviewConfig          `yaml:"preview"`
	Stills         StillsConfig           `yaml:"stills"`
	MQTT           MQTTConfig             `yaml:"mqtt"`
	Redis          RedisConfig            `yaml:"redis"`
	StatsIntervalS int                    `yaml:"stats_interval_s"`
	HealthAddr     string                 `yaml:"health_addr"` // empty disables /health and /readiness
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SourceConfig selects the frame producer
type SourceConfig struct {
	Type   string  `yaml:"type"` // pattern or gst
	URI    string  `yaml:"uri"`  // gst only
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
	Loop   bool    `yaml:"loop"` // gst only
}

// SizeConfig is an output size
type SizeConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// PreviewConfig configures the websocket preview
type PreviewConfig struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Addr    string `yaml:"addr"`
	Quality int    `yaml:"quality"`
}

// StillsConfig configures snapshot capture
type StillsConfig struct {
	IntervalMs int    `yaml:"interval_ms"` // 0 means on demand only
	Quality    int    `yaml:"quality"`
	OutputDir  string `yaml:"output_dir"` // optional: write every still to disk
}

// MQTTConfig configures still publishing and the control plane
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// RedisConfig configures the still store
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	TTLS     int    `yaml:"ttl_s"`
	History  int    `yaml:"history"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Source.Type == "" {
		c.Source.Type = "pattern"
	}
	switch c.Source.Type {
	case "pattern":
	case "gst":
		if c.Source.URI == "" {
			return fmt.Errorf("source.uri is required for gst sources")
		}
	default:
		return fmt.Errorf("invalid source.type %q (must be pattern or gst)", c.Source.Type)
	}
	if c.Source.Width <= 0 || c.Source.Height <= 0 {
		c.Source.Width, c.Source.Height = 1280, 720
	}
	if c.Encoder.Width <= 0 || c.Encoder.Height <= 0 {
		return fmt.Errorf("encoder size must be positive, got %dx%d", c.Encoder.Width, c.Encoder.Height)
	}
	if c.Stills.IntervalMs < 0 {
		return fmt.Errorf("stills.interval_ms must be >= 0, got %d", c.Stills.IntervalMs)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.StatsIntervalS <= 0 {
		c.StatsIntervalS = 5
	}
	return c.Compositor.Validate()
}

func (c *Config) statsInterval() time.Duration {
	return time.Duration(c.StatsIntervalS) * time.Second
}
