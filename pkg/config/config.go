// Package config loads the server configuration from YAML with environment
// overrides for secrets.
package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Rooms    RoomsConfig    `yaml:"rooms"`
	Backends BackendsConfig `yaml:"backends"`
	Tools    []ToolConfig   `yaml:"tools"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

type AuthConfig struct {
	// JWTSecret enables JWT auth; when empty, StaticTokens must be set.
	JWTSecret    string            `yaml:"jwt_secret"`
	StaticTokens map[string]string `yaml:"static_tokens"`
}

type DatabaseConfig struct {
	// Path is the sqlite file; empty means in-memory (non-durable).
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

type RoomsConfig struct {
	IdleTimeoutSeconds         int `yaml:"idle_timeout_seconds"`
	EvictIntervalSeconds       int `yaml:"evict_interval_seconds"`
	FunctionCallTimeoutSeconds int `yaml:"function_call_timeout_seconds"`
	MaxToolTurns               int `yaml:"max_tool_turns"`
}

type BackendsConfig struct {
	OpenAIRealtime RealtimeBackendConfig     `yaml:"openai_realtime"`
	Suite          map[string]ProviderConfig `yaml:"suite"`
}

type RealtimeBackendConfig struct {
	APIKey      string `yaml:"api_key"`
	EndpointURL string `yaml:"endpoint_url"`
}

// ProviderConfig configures one suite provider (key is the provider name in
// "provider:model" model ids). BaseURL is optional for OpenAI-compatible APIs.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ToolConfig declares a client-side function advertised to backends. The
// parameters are a JSON schema blob passed through verbatim.
type ToolConfig struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Parameters  json.RawMessage `yaml:"-"`
	// RawParameters accepts the schema as YAML and is converted on load.
	RawParameters map[string]any `yaml:"parameters"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			LogLevel: "info",
		},
		Database: DatabaseConfig{},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Group:    "assistant-ws",
			Consumer: "ws-1",
		},
		Rooms: RoomsConfig{
			IdleTimeoutSeconds:         600,
			EvictIntervalSeconds:       60,
			FunctionCallTimeoutSeconds: 120,
			MaxToolTurns:               8,
		},
		Backends: BackendsConfig{
			OpenAIRealtime: RealtimeBackendConfig{
				EndpointURL: "wss://api.openai.com/v1/realtime",
			},
		},
	}
}

// Load reads the config file (optional), applies env overrides, validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ASSISTANT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ASSISTANT_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ASSISTANT_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ASSISTANT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if c.Backends.OpenAIRealtime.APIKey == "" {
			c.Backends.OpenAIRealtime.APIKey = v
		}
		if c.Backends.Suite == nil {
			c.Backends.Suite = map[string]ProviderConfig{}
		}
		if _, ok := c.Backends.Suite["openai"]; !ok {
			c.Backends.Suite["openai"] = ProviderConfig{APIKey: v}
		}
	}
}

func (c *Config) finalize() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("config: server.addr is empty")
	}
	if c.Rooms.IdleTimeoutSeconds < 0 || c.Rooms.EvictIntervalSeconds < 0 {
		return errors.New("config: rooms timeouts must be >= 0")
	}
	if c.Rooms.FunctionCallTimeoutSeconds <= 0 {
		c.Rooms.FunctionCallTimeoutSeconds = 120
	}
	if c.Rooms.MaxToolTurns <= 0 {
		c.Rooms.MaxToolTurns = 8
	}
	for i := range c.Tools {
		t := &c.Tools[i]
		if strings.TrimSpace(t.Name) == "" {
			return errors.Errorf("config: tools[%d] has no name", i)
		}
		if t.RawParameters != nil {
			b, err := json.Marshal(t.RawParameters)
			if err != nil {
				return errors.Wrapf(err, "config: tools[%d] parameters", i)
			}
			t.Parameters = b
		}
	}
	return nil
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Rooms.IdleTimeoutSeconds) * time.Second
}

func (c *Config) EvictInterval() time.Duration {
	return time.Duration(c.Rooms.EvictIntervalSeconds) * time.Second
}

func (c *Config) FunctionCallTimeout() time.Duration {
	return time.Duration(c.Rooms.FunctionCallTimeoutSeconds) * time.Second
}
