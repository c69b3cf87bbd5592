// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in socket.transport.
const (
	TransportGorilla = "gorilla"
	TransportFrame   = "frame"
)

// Config of the whole process.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Socket struct {
		BufferSize           int           `yaml:"buffer_size"`
		MaxMessageSize       int           `yaml:"max_message_size"`
		BroadcastConcurrency int           `yaml:"broadcast_concurrency"`
		CloseTimeout         time.Duration `yaml:"close_timeout"`
		Transport            string        `yaml:"transport"` // "gorilla" or "frame"
	} `yaml:"socket"`

	Chat struct {
		Path  string `yaml:"path"`
		Token string `yaml:"token"` // empty disables authorization
	} `yaml:"chat"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":12345"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Socket.BufferSize = 512
	cfg.Socket.MaxMessageSize = 1 << 20
	cfg.Socket.BroadcastConcurrency = 64
	cfg.Socket.CloseTimeout = 5 * time.Second
	cfg.Socket.Transport = TransportGorilla
	cfg.Chat.Path = "/ws"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	// #nosec G304 - path comes from the operator's -config flag
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	if c.Socket.BufferSize < 1 {
		return fmt.Errorf("config: socket.buffer_size must be positive, got %d", c.Socket.BufferSize)
	}
	if c.Socket.MaxMessageSize < 1 {
		return fmt.Errorf("config: socket.max_message_size must be positive, got %d", c.Socket.MaxMessageSize)
	}
	if c.Socket.BroadcastConcurrency < 1 {
		return fmt.Errorf("config: socket.broadcast_concurrency must be positive, got %d", c.Socket.BroadcastConcurrency)
	}
	switch c.Socket.Transport {
	case TransportGorilla, TransportFrame:
	default:
		return fmt.Errorf("config: unknown socket.transport %q", c.Socket.Transport)
	}
	if c.Chat.Path == "" || c.Chat.Path[0] != '/' {
		return fmt.Errorf("config: chat.path must start with '/', got %q", c.Chat.Path)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}
