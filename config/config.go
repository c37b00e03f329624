// Package config loads the YAML settings of a dispatch host.
//
//	log:        level, encoding, development
//	server:     listen/advertise addresses, metrics address, shutdown timeout, registry lease
//	dispatcher: dispatcher.Config
//	registry:   none, memory or etcd
//	services:   per-service instancing, concurrency, weight, rate limit and timeout
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"mini-dispatch/dispatcher"
)

// Registry kinds.
const (
	RegistryNone   = "none"
	RegistryMemory = "memory"
	RegistryEtcd   = "etcd"
)

// Config is the whole file.
type Config struct {
	Log        LogConfig                `yaml:"log"`
	Server     ServerConfig             `yaml:"server"`
	Dispatcher dispatcher.Config        `yaml:"dispatcher"`
	Registry   RegistryConfig           `yaml:"registry"`
	Services   map[string]ServiceConfig `yaml:"services"`
}

type LogConfig struct {
	Level       string `yaml:"level"`    // debug, info, warn, error
	Encoding    string `yaml:"encoding"` // json or console
	Development bool   `yaml:"development"`
}

type ServerConfig struct {
	Network         string        `yaml:"network"`
	Listen          string        `yaml:"listen"`
	Advertise       string        `yaml:"advertise"`
	MetricsAddr     string        `yaml:"metrics_addr"` // empty disables /metrics
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TTL             int64         `yaml:"ttl"`
}

type RegistryConfig struct {
	Kind        string        `yaml:"kind"`
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ServiceConfig tunes one registered service. Zero values keep the server's defaults.
type ServiceConfig struct {
	InstanceMode    *dispatcher.InstanceMode    `yaml:"instance_mode"`
	ConcurrencyMode *dispatcher.ConcurrencyMode `yaml:"concurrency_mode"`
	Weight          int                         `yaml:"weight"`
	RateLimit       float64                     `yaml:"rate_limit"` // calls per second; zero is unlimited
	RateBurst       int                         `yaml:"rate_burst"`
	Timeout         time.Duration               `yaml:"timeout"`
}

// Default returns the settings used for everything the file leaves out.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Encoding: "json"},
		Server: ServerConfig{
			Network:         "tcp",
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
			TTL:             10,
		},
		Dispatcher: dispatcher.DefaultConfig(),
		Registry: RegistryConfig{
			Kind:        RegistryNone,
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over Default and validates the result. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the host cannot run with.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Log.Encoding != "json" && c.Log.Encoding != "console" {
		return fmt.Errorf("config: log.encoding must be json or console, got %q", c.Log.Encoding)
	}
	if c.Server.Listen == "" {
		return errors.New("config: server.listen is required")
	}
	if c.Server.TTL <= 0 {
		return errors.New("config: server.ttl must be positive")
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Registry.Kind {
	case RegistryNone, RegistryMemory:
	case RegistryEtcd:
		if len(c.Registry.Endpoints) == 0 {
			return errors.New("config: registry.endpoints is required for etcd")
		}
	default:
		return fmt.Errorf("config: unknown registry.kind %q", c.Registry.Kind)
	}
	for name, s := range c.Services {
		if s.RateLimit < 0 || s.RateLimit > 0 && s.RateBurst <= 0 {
			return fmt.Errorf("config: services.%s: rate_burst must be positive with a rate_limit", name)
		}
		if s.Weight < 0 || s.Timeout < 0 {
			return fmt.Errorf("config: services.%s: weight and timeout must not be negative", name)
		}
	}
	return nil
}

// Service returns the settings of the named service; absent services get zero values.
func (c Config) Service(name string) ServiceConfig {
	return c.Services[name]
}

// Build creates the logger described by l.
func (l LogConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = l.Encoding
	return zc.Build()
}
