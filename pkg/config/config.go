// Package config loads the registry service's YAML configuration, applying
// ${VAR:default} substitution and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RedisConfig controls the Redis pub/sub transport.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RegistryConfig controls heartbeat, identity-recycling, and debug behavior.
type RegistryConfig struct {
	HeartbeatTimeoutSeconds int  `yaml:"heartbeat-timeout"`
	CheckIntervalSeconds    int  `yaml:"check-interval"`
	RecycleIDs              bool `yaml:"recycle-ids"`
	Debug                    bool `yaml:"debug"`
}

// MessageBusConfig selects the transport implementation.
type MessageBusConfig struct {
	Type string `yaml:"type"` // REDIS | IN_MEMORY
}

// HTTPConfig controls the introspection/remote-console HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR"`
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Config is the top-level configuration document (§6).
type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Registry   RegistryConfig   `yaml:"registry"`
	MessageBus MessageBusConfig `yaml:"message-bus"`
	Logging    LoggingConfig    `yaml:"logging"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// New returns the default configuration, matching the teacher's New()
// defaults-then-override pattern (pkg/config/config.go in the pack).
func New() *Config {
	return &Config{
		Redis: RedisConfig{
			Host: "127.0.0.1",
			Port: 6379,
		},
		Registry: RegistryConfig{
			HeartbeatTimeoutSeconds: 15,
			CheckIntervalSeconds:    5,
			RecycleIDs:              true,
			Debug:                   false,
		},
		MessageBus: MessageBusConfig{
			Type: "IN_MEMORY",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Load reads configuration from the given YAML path (if present), applies
// ${VAR:default} substitution, then overrides with environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := substitute(string(raw))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

var substitutionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:[^}]*)?\}`)

// substitute expands ${VAR:default} references against the process
// environment. A variable with no environment value falls back to the
// text after the colon; with neither, it resolves to the empty string.
func substitute(body string) string {
	return substitutionPattern.ReplaceAllStringFunc(body, func(match string) string {
		groups := substitutionPattern.FindStringSubmatch(match)
		name := groups[1]
		fallback := strings.TrimPrefix(groups[2], ":")

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		return fallback
	})
}

// ParseBool is a small helper for console commands that accept "true"/"false".
func ParseBool(s string) (bool, error) {
	return strconv.ParseBool(s)
}
