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
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANLINK_DATA_DIR"
	// EnvPrefix is the prefix for environment overrides of config keys,
	// e.g. LANLINK_LOG_LEVEL=debug.
	EnvPrefix = "LANLINK"

	// DefaultDiscoveryPort is the UDP port used for identity announcements.
	DefaultDiscoveryPort = 1716
	// DefaultDeviceType is announced when none is configured.
	DefaultDeviceType = "desktop"

	configFileName   = "config.json"
	databaseFileName = "lanlink.db"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID   string `json:"device_id" mapstructure:"device_id"`
	DeviceName string `json:"device_name" mapstructure:"device_name"`
	DeviceType string `json:"device_type" mapstructure:"device_type"`

	DiscoveryPort       int `json:"discovery_port" mapstructure:"discovery_port"`
	BroadcastIntervalMS int `json:"broadcast_interval_ms" mapstructure:"broadcast_interval_ms"`
	// ListenPort is the TCP port for pairing connections. 0 scans the default range.
	ListenPort int `json:"listen_port" mapstructure:"listen_port"`

	IdentityTimeoutMS int `json:"identity_timeout_ms" mapstructure:"identity_timeout_ms"`
	PairTimeoutMS     int `json:"pair_timeout_ms" mapstructure:"pair_timeout_ms"`
	StaleAfterMS      int `json:"stale_after_ms" mapstructure:"stale_after_ms"`

	// SecurityEventRetentionDays is how long security journal entries are kept.
	SecurityEventRetentionDays int `json:"security_event_retention_days" mapstructure:"security_event_retention_days"`

	CertificatePath string `json:"certificate_path" mapstructure:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path" mapstructure:"private_key_path"`
	DatabasePath    string `json:"database_path" mapstructure:"database_path"`

	Log LogConfig `json:"log" mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `json:"level" mapstructure:"level"`
	// Format: console or json
	Format string `json:"format" mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `json:"outputs" mapstructure:"outputs"`
	Rotation    RotationConfig `json:"rotation" mapstructure:"rotation"`
	Development bool           `json:"development" mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `json:"enable" mapstructure:"enable"`
	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// BroadcastInterval returns the announcement period.
func (c *DeviceConfig) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalMS) * time.Millisecond
}

// IdentityTimeout bounds the wait for a peer identity packet.
func (c *DeviceConfig) IdentityTimeout() time.Duration {
	return time.Duration(c.IdentityTimeoutMS) * time.Millisecond
}

// PairTimeout bounds the wait for a pairing decision.
func (c *DeviceConfig) PairTimeout() time.Duration {
	return time.Duration(c.PairTimeoutMS) * time.Millisecond
}

// StaleAfter is how long a device may stay silent before eviction.
func (c *DeviceConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMS) * time.Millisecond
}

// SecurityEventRetention returns the journal retention horizon.
func (c *DeviceConfig) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANLINK_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads config.json through viper. Keys absent from the file fall back
// to defaults and every key can be overridden from the environment.
func Load(path string) (*DeviceConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
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
// An empty dataDir resolves the per-user default.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
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

		cfg = Default(dataDir)
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

// Default returns a fresh configuration rooted at dataDir.
func Default(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	applyTunables(cfg)
	normalizeDefaults(cfg, dataDir)
	return cfg
}

// Validate rejects values the runtime cannot work with.
func (c *DeviceConfig) Validate() error {
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery_port: %d", c.DiscoveryPort)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port: %d", c.ListenPort)
	}
	if c.SecurityEventRetentionDays < 0 {
		return fmt.Errorf("invalid security_event_retention_days: %d", c.SecurityEventRetentionDays)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	return nil
}

func applyTunables(cfg *DeviceConfig) {
	cfg.DiscoveryPort = DefaultDiscoveryPort
	cfg.BroadcastIntervalMS = 5000
	cfg.IdentityTimeoutMS = 10000
	cfg.PairTimeoutMS = 30000
	cfg.StaleAfterMS = 120000
	cfg.SecurityEventRetentionDays = 90
	cfg.Log = LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stderr"},
		Rotation: RotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func seedDefaults(v *viper.Viper) {
	var cfg DeviceConfig
	applyTunables(&cfg)

	v.SetDefault("device_id", "")
	v.SetDefault("device_name", "")
	v.SetDefault("device_type", "")
	v.SetDefault("discovery_port", cfg.DiscoveryPort)
	v.SetDefault("broadcast_interval_ms", cfg.BroadcastIntervalMS)
	v.SetDefault("listen_port", cfg.ListenPort)
	v.SetDefault("identity_timeout_ms", cfg.IdentityTimeoutMS)
	v.SetDefault("pair_timeout_ms", cfg.PairTimeoutMS)
	v.SetDefault("stale_after_ms", cfg.StaleAfterMS)
	v.SetDefault("security_event_retention_days", cfg.SecurityEventRetentionDays)
	v.SetDefault("certificate_path", "")
	v.SetDefault("private_key_path", "")
	v.SetDefault("database_path", "")
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	set := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}

	set(&cfg.DeviceID, strings.ReplaceAll(uuid.NewString(), "-", ""))
	set(&cfg.DeviceName, hostName())
	set(&cfg.DeviceType, DefaultDeviceType)
	set(&cfg.CertificatePath, filepath.Join(keysDir, "device.crt"))
	set(&cfg.PrivateKeyPath, filepath.Join(keysDir, "device.key"))
	set(&cfg.DatabasePath, filepath.Join(dataDir, databaseFileName))

	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}

	return updated
}

func hostName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Link Device"
}
