package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.X25519PrivateKeyPath != firstCfg.X25519PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.X25519PrivateKeyPath, secondCfg.X25519PrivateKeyPath)
	}
}

func TestLoadOrCreateAppliesTimingDefaults(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if cfg.ReplayWindow() != 5*time.Minute {
		t.Fatalf("expected 5m replay window, got %s", cfg.ReplayWindow())
	}
	if cfg.ApprovalTimeout() != time.Minute {
		t.Fatalf("expected 1m approval timeout, got %s", cfg.ApprovalTimeout())
	}
	if cfg.DiscoveryStale() != 2*time.Minute {
		t.Fatalf("expected 2m stale window, got %s", cfg.DiscoveryStale())
	}
	if cfg.PairingCooldown() != 30*time.Second {
		t.Fatalf("expected 30s cooldown, got %s", cfg.PairingCooldown())
	}
	if cfg.AuditRetention() != 90*24*time.Hour {
		t.Fatalf("expected 90 day audit retention, got %s", cfg.AuditRetention())
	}
	if cfg.MaxConcurrentSends != DefaultMaxConcurrentSends {
		t.Fatalf("expected %d concurrent sends, got %d", DefaultMaxConcurrentSends, cfg.MaxConcurrentSends)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", cfg.Level())
	}
}

func TestLoadOrCreateNormalizesLegacyConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		DeviceID:            "legacy-device",
		DeviceName:          "Legacy",
		ListeningPort:       9999,
		ReplayWindowSeconds: 30,
		LogLevel:            "loud",
	}
	if err := Save(ConfigPath(tempDir), legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 9999 {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.ReplayWindowSeconds != 30 {
		t.Fatalf("expected explicit replay window to be kept, got %d", cfg.ReplayWindowSeconds)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected unknown log level to reset, got %q", cfg.LogLevel)
	}
	if cfg.Ed25519PrivateKeyPath != filepath.Join(tempDir, "keys", "ed25519_private.pem") {
		t.Fatalf("expected key path default, got %q", cfg.Ed25519PrivateKeyPath)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.PortMode != PortModeFixed {
		t.Fatalf("expected normalized config to be persisted")
	}
}
