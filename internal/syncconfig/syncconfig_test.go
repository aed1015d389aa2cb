package syncconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points HOME at a temp dir so tests never touch the real config.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CASHEW_HUB_URL", "")
	t.Setenv("CASHEW_API_KEY", "")
	t.Setenv("CASHEW_SYNC_INTERVAL", "")
	t.Setenv("CASHEW_SYNC_STALE_AFTER", "")
	t.Setenv("CASHEW_SYNC", "")
	return home
}

func TestLinkLifecycle(t *testing.T) {
	home := isolate(t)

	if IsLinked() {
		t.Fatal("fresh home reports linked")
	}
	creds, err := LoadLink()
	if err != nil || creds != nil {
		t.Fatalf("LoadLink on fresh home = %+v, %v", creds, err)
	}

	err = SaveLink(&LinkCredentials{
		APIKey:   "secret",
		HubURL:   "https://hub.example.com",
		DeviceID: "dev-abc",
		LinkedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("SaveLink failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(home, ".config", "cashew", "link.json"))
	if err != nil {
		t.Fatalf("link.json missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("link.json perms = %o, want 0600", perm)
	}

	if !IsLinked() {
		t.Error("saved link not detected")
	}
	if got := GetHubURL(); got != "https://hub.example.com" {
		t.Errorf("GetHubURL = %s", got)
	}
	if got := GetAPIKey(); got != "secret" {
		t.Errorf("GetAPIKey = %s", got)
	}

	if err := ClearLink(); err != nil {
		t.Fatalf("ClearLink failed: %v", err)
	}
	if IsLinked() {
		t.Error("still linked after ClearLink")
	}
	// Clearing twice is fine.
	if err := ClearLink(); err != nil {
		t.Errorf("second ClearLink failed: %v", err)
	}
}

func TestEnvOverridesLink(t *testing.T) {
	isolate(t)
	if err := SaveLink(&LinkCredentials{APIKey: "file-key", HubURL: "https://file.example.com"}); err != nil {
		t.Fatalf("SaveLink failed: %v", err)
	}

	t.Setenv("CASHEW_HUB_URL", "https://env.example.com")
	t.Setenv("CASHEW_API_KEY", "env-key")

	if got := GetHubURL(); got != "https://env.example.com" {
		t.Errorf("GetHubURL = %s, want env value", got)
	}
	if got := GetAPIKey(); got != "env-key" {
		t.Errorf("GetAPIKey = %s, want env value", got)
	}
}

func TestDefaultsWithoutAnyConfig(t *testing.T) {
	isolate(t)

	if got := GetHubURL(); got != "http://localhost:8422" {
		t.Errorf("GetHubURL = %s, want default", got)
	}
	if got := GetSyncInterval(); got != time.Minute {
		t.Errorf("GetSyncInterval = %v, want 1m", got)
	}
	if got := GetStaleAfter(); got != 5*time.Minute {
		t.Errorf("GetStaleAfter = %v, want 5m", got)
	}
	if got := GetPullLimit(); got != 500 {
		t.Errorf("GetPullLimit = %d, want 500", got)
	}
	if GetSyncEnabled() {
		t.Error("sync enabled on an unlinked wallet")
	}
}

func TestConfigFileTuning(t *testing.T) {
	isolate(t)

	limit := 50
	err := SaveConfig(&Config{Sync: SyncConfig{
		Enabled:    true,
		Interval:   "30s",
		StaleAfter: "2m",
		PullLimit:  &limit,
	}})
	if err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	if got := GetSyncInterval(); got != 30*time.Second {
		t.Errorf("GetSyncInterval = %v, want 30s", got)
	}
	if got := GetStaleAfter(); got != 2*time.Minute {
		t.Errorf("GetStaleAfter = %v, want 2m", got)
	}
	if got := GetPullLimit(); got != 50 {
		t.Errorf("GetPullLimit = %d, want 50", got)
	}
	if !GetSyncEnabled() {
		t.Error("sync disabled despite config")
	}

	// Env still wins over the file.
	t.Setenv("CASHEW_SYNC_INTERVAL", "10s")
	if got := GetSyncInterval(); got != 10*time.Second {
		t.Errorf("GetSyncInterval = %v, want env 10s", got)
	}
	t.Setenv("CASHEW_SYNC", "false")
	if GetSyncEnabled() {
		t.Error("CASHEW_SYNC=false ignored")
	}
}

func TestDeviceIDIsStable(t *testing.T) {
	isolate(t)

	first, err := GetDeviceID()
	if err != nil {
		t.Fatalf("GetDeviceID failed: %v", err)
	}
	if len(first) != 32 {
		t.Errorf("device id %q, want 32 hex chars", first)
	}

	second, err := GetDeviceID()
	if err != nil {
		t.Fatalf("second GetDeviceID failed: %v", err)
	}
	if first != second {
		t.Errorf("device id changed: %s -> %s", first, second)
	}

	// Linking later keeps the generated id.
	creds, _ := LoadLink()
	creds.HubURL = "https://hub.example.com"
	if err := SaveLink(creds); err != nil {
		t.Fatalf("SaveLink failed: %v", err)
	}
	third, _ := GetDeviceID()
	if third != first {
		t.Errorf("device id lost on link: %s -> %s", first, third)
	}
}
