package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "plainpair"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PLAINPAIR_DATA_DIR"
	// DefaultListeningPort is the HTTPS port used in fixed mode when none is set.
	DefaultListeningPort = 8443
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultReplayWindowSeconds    = 300
	DefaultApprovalTimeoutSeconds = 60
	DefaultDiscoveryStaleSeconds  = 120
	DefaultPairingCooldownSeconds = 30
	DefaultMaxConcurrentSends     = 8
	DefaultAuditRetentionDays     = 90
	DefaultLogLevel               = "info"

	configFileName = "config.json"
	databaseName   = "plainpair.db"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID               string `json:"device_id"`
	DeviceName             string `json:"device_name"`
	PortMode               string `json:"port_mode"`
	ListeningPort          int    `json:"listening_port"`
	Ed25519PrivateKeyPath  string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath   string `json:"ed25519_public_key_path"`
	X25519PrivateKeyPath   string `json:"x25519_private_key_path"`
	KeyFingerprint         string `json:"key_fingerprint"`
	ReplayWindowSeconds    int    `json:"replay_window_seconds"`
	ApprovalTimeoutSeconds int    `json:"approval_timeout_seconds"`
	DiscoveryStaleSeconds  int    `json:"discovery_stale_seconds"`
	PairingCooldownSeconds int    `json:"pairing_cooldown_seconds"`
	MaxConcurrentSends     int    `json:"max_concurrent_sends"`
	AuditRetentionDays     int    `json:"audit_retention_days"`
	LogLevel               string `json:"log_level"`
}

// ReplayWindow is the accepted clock skew for signed peer messages.
func (c *DeviceConfig) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSeconds) * time.Second
}

// ApprovalTimeout bounds how long an operator prompt stays open.
func (c *DeviceConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// DiscoveryStale is how long an unseen, unpaired peer is kept.
func (c *DeviceConfig) DiscoveryStale() time.Duration {
	return time.Duration(c.DiscoveryStaleSeconds) * time.Second
}

// PairingCooldown is how long a rejected or cancelled peer stays hidden.
func (c *DeviceConfig) PairingCooldown() time.Duration {
	return time.Duration(c.PairingCooldownSeconds) * time.Second
}

// AuditRetention is how long security events are kept.
func (c *DeviceConfig) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// Level parses LogLevel, falling back to info.
func (c *DeviceConfig) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PLAINPAIR_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// DatabasePath returns the SQLite file location for a data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Plainpair Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setPositive := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.Ed25519PublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))
	setString(&cfg.X25519PrivateKeyPath, filepath.Join(keysDir, "x25519_private.pem"))

	setPositive(&cfg.ReplayWindowSeconds, DefaultReplayWindowSeconds)
	setPositive(&cfg.ApprovalTimeoutSeconds, DefaultApprovalTimeoutSeconds)
	setPositive(&cfg.DiscoveryStaleSeconds, DefaultDiscoveryStaleSeconds)
	setPositive(&cfg.PairingCooldownSeconds, DefaultPairingCooldownSeconds)
	setPositive(&cfg.MaxConcurrentSends, DefaultMaxConcurrentSends)
	setPositive(&cfg.AuditRetentionDays, DefaultAuditRetentionDays)

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil || cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
