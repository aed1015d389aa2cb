// Package syncconfig manages the per-user sync settings and hub link state
// stored under ~/.config/cashew.
package syncconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	Enabled    bool   `json:"enabled"`
	Interval   string `json:"interval,omitempty"`    // duration string, default "1m"
	StaleAfter string `json:"stale_after,omitempty"` // duration string, default "5m"
	PullLimit  *int   `json:"pull_limit,omitempty"`  // nil = default 500
}

// Config is the global cashew config stored at ~/.config/cashew/config.json.
type Config struct {
	Sync SyncConfig `json:"sync"`
}

// LinkCredentials stores the hub link state at ~/.config/cashew/link.json.
// DeviceID is generated once when the wallet is first linked and never
// changes afterwards; the hub uses it to deduplicate retried pushes.
type LinkCredentials struct {
	APIKey   string `json:"api_key"`
	HubURL   string `json:"hub_url"`
	DeviceID string `json:"device_id"`
	LinkedAt string `json:"linked_at"`
}

const defaultHubURL = "http://localhost:8422"

// ConfigDir returns ~/.config/cashew, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "cashew")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config from ~/.config/cashew/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/cashew/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadLink reads the hub link state. Returns nil when the wallet is not
// linked.
func LoadLink() (*LinkCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "link.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds LinkCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveLink writes the hub link state (0600 perms, it holds the API key).
func SaveLink(creds *LinkCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "link.json"), data, 0600)
}

// ClearLink removes the link.json file.
func ClearLink() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "link.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// writeFileAtomic writes through a temp file and rename so a crash mid-write
// never leaves a truncated config behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// GetHubURL returns the hub URL.
// Priority: CASHEW_HUB_URL env > link.json > default.
func GetHubURL() string {
	if v := os.Getenv("CASHEW_HUB_URL"); v != "" {
		return v
	}
	creds, err := LoadLink()
	if err == nil && creds != nil && creds.HubURL != "" {
		return creds.HubURL
	}
	return defaultHubURL
}

// GetAPIKey returns the API key.
// Priority: CASHEW_API_KEY env > link.json.
func GetAPIKey() string {
	if v := os.Getenv("CASHEW_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadLink()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// IsLinked returns true if the wallet is linked to a hub.
func IsLinked() bool {
	creds, err := LoadLink()
	return err == nil && creds != nil && creds.HubURL != ""
}

// GetDeviceID returns the stable device ID from link.json, generating and
// persisting one on first use.
func GetDeviceID() (string, error) {
	creds, err := LoadLink()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &LinkCredentials{}
	}
	creds.DeviceID = id
	if err := SaveLink(creds); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetSyncInterval returns the periodic sync interval.
// Priority: CASHEW_SYNC_INTERVAL env > config.json > 1m.
func GetSyncInterval() time.Duration {
	if v := os.Getenv("CASHEW_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Interval != "" {
		if d, err := time.ParseDuration(cfg.Sync.Interval); err == nil {
			return d
		}
	}
	return time.Minute
}

// GetStaleAfter returns how old pulled state may be before a cycle refreshes
// it. Priority: CASHEW_SYNC_STALE_AFTER env > config.json > 5m.
func GetStaleAfter() time.Duration {
	if v := os.Getenv("CASHEW_SYNC_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.StaleAfter != "" {
		if d, err := time.ParseDuration(cfg.Sync.StaleAfter); err == nil {
			return d
		}
	}
	return 5 * time.Minute
}

// GetPullLimit returns the pull page size.
// Priority: config.json > 500.
func GetPullLimit() int {
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.PullLimit != nil && *cfg.Sync.PullLimit > 0 {
		return *cfg.Sync.PullLimit
	}
	return 500
}

// GetSyncEnabled reports whether background sync is enabled.
// Priority: CASHEW_SYNC env > config.json > true when linked.
func GetSyncEnabled() bool {
	if v := strings.ToLower(os.Getenv("CASHEW_SYNC")); v != "" {
		return v == "1" || v == "true"
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Sync.Enabled || IsLinked()
	}
	return IsLinked()
}
