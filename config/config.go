// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/streamflux/auth"
	"github.com/absmach/streamflux/connection"
	"github.com/absmach/streamflux/consumer"
	"github.com/absmach/streamflux/dispatch"
	"github.com/absmach/streamflux/entitlements"
	"github.com/absmach/streamflux/ratelimit"
	"github.com/absmach/streamflux/server/health"
	"github.com/absmach/streamflux/server/otel"
	"github.com/absmach/streamflux/server/sse"
	"github.com/absmach/streamflux/server/websocket"
	"github.com/absmach/streamflux/topics"
)

// Config holds all configuration for the streaming server.
type Config struct {
	WebSocket    websocket.Config   `yaml:"websocket"`
	SSE          sse.Config         `yaml:"sse"`
	Health       health.Config      `yaml:"health"`
	Kafka        consumer.Config    `yaml:"kafka"`
	Dispatch     dispatch.Config    `yaml:"dispatch"`
	Connection   connection.Config  `yaml:"connection"`
	Topics       []topics.Topic     `yaml:"topics"`
	Auth         auth.Config        `yaml:"auth"`
	Entitlements EntitlementsConfig `yaml:"entitlements"`
	RateLimit    ratelimit.Config   `yaml:"rate_limit"`
	Otel         otel.Config        `yaml:"otel"`
	Log          LogConfig          `yaml:"log"`
}

// EntitlementsConfig joins the entitlement client with the gate policy.
type EntitlementsConfig struct {
	entitlements.Config `yaml:",inline"`
	Gate                connection.GateConfig `yaml:",inline"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

func Default() *Config {
	return &Config{
		WebSocket: websocket.Config{
			Address:         ":8080",
			Path:            "/stream",
			ShutdownTimeout: 30 * time.Second,
			WriteTimeout:    10 * time.Second,
			CloseGrace:      5 * time.Second,
		},
		SSE: sse.Config{
			Address:         ":8082",
			StreamPath:      "/events",
			ControlPath:     "/subscriptions",
			Keepalive:       15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Health: health.Config{
			Address:         ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
		Kafka:      consumer.DefaultConfig(),
		Dispatch:   dispatch.DefaultConfig(),
		Connection: connection.DefaultConfig(),
		Topics:     []topics.Topic{},
		Auth:       auth.DefaultConfig(),
		Entitlements: EntitlementsConfig{
			Config: entitlements.DefaultConfig(),
			Gate:   connection.DefaultGateConfig(),
		},
		RateLimit: ratelimit.DefaultConfig(),
		Otel:      otel.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.WebSocket.Address == "" {
		return fmt.Errorf("websocket.address cannot be empty")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka.consumer_group cannot be empty")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic must be configured")
	}
	if c.Connection.MaxConnections < 0 {
		return fmt.Errorf("connection.max_connections cannot be negative")
	}
	if c.Connection.QueueSize < 0 {
		return fmt.Errorf("connection.queue_size cannot be negative")
	}
	switch c.Entitlements.Gate.Mode {
	case connection.ModeStrict, connection.ModeGrace, "":
	default:
		return fmt.Errorf("entitlements.mode must be strict or grace, got %q", c.Entitlements.Gate.Mode)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json", "":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
		return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
