// Package config loads service configuration from config.yaml plus
// GRANTFLOW_-prefixed environment variables, env taking precedence.
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

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Storage      StorageConfig      `koanf:"storage"`
	Provider     ProviderConfig     `koanf:"provider"`
	Conversation ConversationConfig `koanf:"conversation"`
	Admission    AdmissionConfig    `koanf:"admission"`
	Auth         AuthConfig         `koanf:"auth"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ProviderConfig struct {
	APIKey      string  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	MaxTokens   int     `koanf:"max_tokens"`
	MaxRetries  int     `koanf:"max_retries"`
	Temperature float32 `koanf:"temperature"`
}

type ConversationConfig struct {
	MaxExchanges   int     `koanf:"max_exchanges"`
	MaxSessionCost float64 `koanf:"max_session_cost"`
}

type AdmissionConfig struct {
	Counter                string  `koanf:"counter"` // memory, redis
	RedisAddr              string  `koanf:"redis_addr"`
	UserDailyCostCeiling   float64 `koanf:"user_daily_cost_ceiling"`
	GlobalDailyCostCeiling float64 `koanf:"global_daily_cost_ceiling"`
}

type AuthConfig struct {
	Tokens []TokenConfig `koanf:"tokens"`
}

// TokenConfig maps one stored token hash onto a caller identity.
type TokenConfig struct {
	TokenHash string `koanf:"token_hash"`
	Subject   string `koanf:"subject"`
	Email     string `koanf:"email"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Load() (*Config, error) {
	k := koanf.New(".")

	// Try to load from config.yaml file first
	if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Environment variables override file config
	if err := k.Load(env.Provider("GRANTFLOW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GRANTFLOW_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Provider.APIKey = substituteEnvVars(cfg.Provider.APIKey)
	cfg.Admission.RedisAddr = substituteEnvVars(cfg.Admission.RedisAddr)

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                         8080,
		"server.request_timeout":              "90s",
		"storage.type":                        "sqlite",
		"storage.sqlite.path":                 "intake.db",
		"provider.model":                      "claude-sonnet-4-20250514",
		"provider.max_tokens":                 1024,
		"provider.max_retries":                3,
		"provider.temperature":                0.7,
		"conversation.max_exchanges":          50,
		"conversation.max_session_cost":       2.00,
		"admission.counter":                   "memory",
		"admission.user_daily_cost_ceiling":   5.00,
		"admission.global_daily_cost_ceiling": 250.00,
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
