// Package config loads the esrpc daemon and CLI configuration from TOML or
// YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Client   ClientConfig   `toml:"client" yaml:"client"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Registry RegistryConfig `toml:"registry" yaml:"registry"`
	Auth     AuthConfig     `toml:"auth" yaml:"auth"`
}

type ServerConfig struct {
	Addr                 string   `toml:"addr" yaml:"addr"`
	AdminAddr            string   `toml:"admin_addr" yaml:"admin_addr"`
	AdvertiseAddr        string   `toml:"advertise_addr" yaml:"advertise_addr"`
	Service              string   `toml:"service" yaml:"service"`
	MaxCorrelationFaults int      `toml:"max_correlation_faults" yaml:"max_correlation_faults"`
	MaxHeadersLen        int      `toml:"max_headers_len" yaml:"max_headers_len"`
	MaxPayloadLen        int      `toml:"max_payload_len" yaml:"max_payload_len"`
	StreamQueue          int      `toml:"stream_queue" yaml:"stream_queue"`
	WriteTimeout         Duration `toml:"write_timeout" yaml:"write_timeout"`
	HandlerTimeout       Duration `toml:"handler_timeout" yaml:"handler_timeout"`
	ShutdownTimeout      Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	RateLimit            float64  `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst            int      `toml:"rate_burst" yaml:"rate_burst"`
}

type ClientConfig struct {
	Addr        string   `toml:"addr" yaml:"addr"`
	ContentType string   `toml:"content_type" yaml:"content_type"`
	Balancer    string   `toml:"balancer" yaml:"balancer"`
	DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	KeepAlive   Duration `toml:"keep_alive" yaml:"keep_alive"`
	DeadAfter   Duration `toml:"dead_after" yaml:"dead_after"`
	Token       string   `toml:"token" yaml:"token"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// RegistryConfig selects where servers announce themselves: "" (nowhere),
// "memory" or "etcd".
type RegistryConfig struct {
	Kind        string   `toml:"kind" yaml:"kind"`
	Endpoints   []string `toml:"endpoints" yaml:"endpoints"`
	Prefix      string   `toml:"prefix" yaml:"prefix"`
	DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
}

// AuthConfig enables token authentication of Connect messages when Tokens is
// non-empty. Tokens maps a token to the identity it authenticates.
type AuthConfig struct {
	Header string            `toml:"header" yaml:"header"`
	Tokens map[string]string `toml:"tokens" yaml:"tokens"`
}

// Default returns the configuration used for every field a file leaves unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":7420",
			AdminAddr:       ":7421",
			Service:         "esrpc",
			MaxHeadersLen:   128 << 10,
			MaxPayloadLen:   16 << 20,
			StreamQueue:     16,
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Client: ClientConfig{
			Addr:        "127.0.0.1:7420",
			ContentType: "application/json",
			Balancer:    "round_robin",
			DialTimeout: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Registry: RegistryConfig{
			Prefix:      "/eventstream",
			DialTimeout: Duration(5 * time.Second),
		},
		Auth: AuthConfig{
			Header: "authorization",
		},
	}
}

// Load reads path over Default, picking the format by extension, and validates
// the result. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported format", path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if cfg.Server.MaxCorrelationFaults < 0 {
		return fmt.Errorf("server.max_correlation_faults must not be negative")
	}
	if cfg.Server.MaxHeadersLen <= 0 || cfg.Server.MaxPayloadLen <= 0 {
		return fmt.Errorf("server frame limits must be positive")
	}
	if cfg.Server.RateLimit < 0 || (cfg.Server.RateLimit > 0 && cfg.Server.RateBurst <= 0) {
		return fmt.Errorf("server.rate_burst must be positive when rate_limit is set")
	}
	if cfg.Client.KeepAlive > 0 && cfg.Client.DeadAfter > 0 && cfg.Client.DeadAfter < cfg.Client.KeepAlive {
		return fmt.Errorf("client.dead_after must not be shorter than client.keep_alive")
	}
	switch cfg.Client.Balancer {
	case "", "round_robin", "weighted_random", "consistent_hash":
	default:
		return fmt.Errorf("client.balancer %q is unknown", cfg.Client.Balancer)
	}
	switch cfg.Registry.Kind {
	case "", "memory":
	case "etcd":
		if len(cfg.Registry.Endpoints) == 0 {
			return fmt.Errorf("registry.endpoints is required for etcd")
		}
		if strings.TrimSpace(cfg.Server.AdvertiseAddr) == "" {
			return fmt.Errorf("server.advertise_addr is required with a registry")
		}
	default:
		return fmt.Errorf("registry.kind %q is unknown", cfg.Registry.Kind)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("log.format %q is unknown", cfg.Log.Format)
	}
	if len(cfg.Auth.Tokens) > 0 && strings.TrimSpace(cfg.Auth.Header) == "" {
		return fmt.Errorf("auth.header is required with auth.tokens")
	}
	return nil
}
