package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. Nested keys use a double
// underscore: CONCIERGE_AGENT__BASE_URL sets agent.base_url.
const EnvPrefix = "CONCIERGE_"

// DefaultPath is the config file read by Load when CONCIERGE_CONFIG is unset.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Agent     AgentConfig     `koanf:"agent"`
	Turn      TurnConfig      `koanf:"turn"`
	Storage   StorageConfig   `koanf:"storage"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// AgentConfig points at the remote shopping agent.
type AgentConfig struct {
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
	CardPath string `koanf:"card_path"`
}

type TurnConfig struct {
	Deadline       time.Duration `koanf:"deadline"`
	MaxInputTokens int           `koanf:"max_input_tokens"`
	TokenEncoding  string        `koanf:"token_encoding"`
	MaxImageBytes  int64         `koanf:"max_image_bytes"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// RateLimitConfig limits message submissions per client. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                    8080,
	"server.request_timeout":         "30s",
	"agent.base_url":                 "http://localhost:10999",
	"turn.deadline":                  "30s",
	"turn.max_input_tokens":          4000,
	"turn.token_encoding":            "cl100k_base",
	"turn.max_image_bytes":           10 * 1024 * 1024,
	"storage.type":                   "sqlite",
	"storage.sqlite.path":            "concierge.db",
	"rate_limit.requests_per_second": 2,
	"rate_limit.burst":               5,
	"telemetry.service_name":         "cartpilot-concierge",
}

// Load reads the file named by CONCIERGE_CONFIG, or config.yaml.
func Load() (*Config, error) {
	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads path (a missing file is not an error), applies environment
// overrides and fills defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Agent.BaseURL = substituteEnvVars(cfg.Agent.BaseURL)
	cfg.Agent.APIKey = substituteEnvVars(cfg.Agent.APIKey)
	cfg.Storage.SQLite.Path = substituteEnvVars(cfg.Storage.SQLite.Path)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
