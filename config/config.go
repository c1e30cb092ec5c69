// Package config loads the memory store's configuration from the
// environment, with an optional YAML file overlay, and wires up the
// shared logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Retrieval windows
	KeyWindow     int `yaml:"key_window"`
	ProfileWindow int `yaml:"profile_window"`

	// Article policy
	SplitThreshold      int     `yaml:"split_threshold"`
	SimilarityThreshold float32 `yaml:"similarity_threshold"`

	// Per-call timeouts
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
	IndexTimeout    time.Duration `yaml:"index_timeout"`

	// Retry policy for an unavailable index
	IndexRetries      int           `yaml:"index_retries"`
	IndexRetryBackoff time.Duration `yaml:"index_retry_backoff"`

	// Storage paths
	JournalPath string `yaml:"journal_path"`
	ProfileDir  string `yaml:"profile_dir"`

	// Generation backend
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	Model           string `yaml:"model"`

	// Logging. YAML carries the level by name ("debug", "info",
	// "warn", "error"), same as the environment; yaml.v3 would only
	// decode slog.Level numerically.
	LogFile      string     `yaml:"log_file"`
	LogLevel     slog.Level `yaml:"-"`
	LogLevelName string     `yaml:"log_level"`
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		KeyWindow:     getEnvInt("KBMEM_KEY_WINDOW", 5),
		ProfileWindow: getEnvInt("KBMEM_PROFILE_WINDOW", 3),

		SplitThreshold:      getEnvInt("KBMEM_SPLIT_THRESHOLD", 1000),
		SimilarityThreshold: getEnvFloat("KBMEM_SIMILARITY_THRESHOLD", 0.5),

		GenerateTimeout: getEnvDuration("KBMEM_GENERATE_TIMEOUT", 60*time.Second),
		IndexTimeout:    getEnvDuration("KBMEM_INDEX_TIMEOUT", 10*time.Second),

		IndexRetries:      getEnvInt("KBMEM_INDEX_RETRIES", 3),
		IndexRetryBackoff: getEnvDuration("KBMEM_INDEX_RETRY_BACKOFF", 500*time.Millisecond),

		JournalPath: getEnv("KBMEM_JOURNAL_PATH", "data/kbmem.journal"),
		ProfileDir:  getEnv("KBMEM_PROFILE_DIR", "data/profiles"),

		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		Model:           getEnv("KBMEM_MODEL", ""),

		LogFile:  getEnv("KBMEM_LOG_FILE", "data/kbmem.log"),
		LogLevel: parseLogLevel(getEnv("KBMEM_LOG_LEVEL", "INFO")),
	}
}

// LoadFile overlays YAML settings from path onto cfg. Unset YAML
// fields keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if cfg.LogLevelName != "" {
		cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float32) float32 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 32); err == nil {
			return float32(f)
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
