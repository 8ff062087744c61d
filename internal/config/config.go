package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	DBPath   string
	APIKey   string
	LogLevel string
	// Tracker
	Tracker      string // "http" or "static"
	TrackerURL   string
	TrackerToken string
	// Orchestration tuning
	PollInterval       time.Duration
	CompletionInterval time.Duration
	RolesPath          string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:               envInt("PORT", 8650),
		DBPath:             envStr("CLAUDE_FLOW_DB_PATH", defaultDBPath()),
		APIKey:             envStr("CLAUDE_FLOW_API_KEY", ""),
		LogLevel:           envStr("LOG_LEVEL", "info"),
		Tracker:            envStr("TRACKER", "http"),
		TrackerURL:         envStr("TRACKER_URL", ""),
		TrackerToken:       envStr("TRACKER_TOKEN", ""),
		PollInterval:       envDuration("POLL_INTERVAL", 30*time.Second),
		CompletionInterval: envDuration("COMPLETION_INTERVAL", 5*time.Second),
		RolesPath:          envStr("CLAUDE_FLOW_ROLES", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("CLAUDE_FLOW_DB_PATH must not be empty")
	}
	if c.Tracker != "http" && c.Tracker != "static" {
		return fmt.Errorf("TRACKER must be http or static, got %q", c.Tracker)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude-flow/claude-flow.db"
	}
	return home + "/.claude-flow/claude-flow.db"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
