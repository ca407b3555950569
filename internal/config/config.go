// Package config loads the server configuration from a YAML or JSON file,
// with environment variable overrides for deployment settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// StorageConfig selects the transcript backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend" json:"backend"`
	// Path is the SQLite database file (sqlite backend only).
	Path string `yaml:"path" json:"path"`
}

// RedisConfig enables the shared ledger and distributed lock. When Addr is
// empty the process runs single-node with in-memory equivalents.
type RedisConfig struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"password"`
	DB        int           `yaml:"db" json:"db"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	LockTTL   time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// LLMConfig points at the chat completions endpoint used for conversation
// and requirement extraction. APIKey is usually set via OPENAI_API_KEY.
type LLMConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server" json:"server"`
	Storage  StorageConfig `yaml:"storage" json:"storage"`
	Redis    RedisConfig   `yaml:"redis" json:"redis"`
	LLM      LLMConfig     `yaml:"llm" json:"llm"`
	LogLevel string        `yaml:"log_level" json:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Storage:  StorageConfig{Backend: "sqlite", Path: "parley.db"},
		Redis:    RedisConfig{KeyPrefix: "parley:", LockTTL: 30 * time.Second},
		LLM:      LLMConfig{Model: "gpt-4"},
		LogLevel: "info",
	}
}

// Load reads the configuration file (YAML or JSON) and applies environment
// overrides. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment.
	case err != nil:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	default:
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".json" {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config json: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config yaml: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PARLEY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PARLEY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PARLEY_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("PARLEY_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PARLEY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PARLEY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q (want memory or sqlite)", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required for the sqlite backend")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}
