package api

import (
	"os"
	"time"
)

// Config holds the hub configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	APIKey          string // empty disables auth (local testing only)
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	MaxPushBatch int // mutations per push request (default: 200)
	MaxPullLimit int // records per pull page (default: 1000)
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8422",
		DBPath:          "./data/hub.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		MaxPushBatch:    200,
		MaxPullLimit:    1000,
	}

	if v := os.Getenv("CASHEW_HUB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CASHEW_HUB_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CASHEW_HUB_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CASHEW_HUB_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CASHEW_HUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}
