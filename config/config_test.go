package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if strings.Contains(firstCfg.DeviceID, "-") {
		t.Fatalf("expected device ID without dashes, got %q", firstCfg.DeviceID)
	}
	if firstCfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("expected discovery port %d, got %d", DefaultDiscoveryPort, firstCfg.DiscoveryPort)
	}
	if firstCfg.DeviceType != DefaultDeviceType {
		t.Fatalf("expected device type %q, got %q", DefaultDeviceType, firstCfg.DeviceType)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	info, err := os.Stat(firstPath)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 config file, got %v", info.Mode().Perm())
	}

	secondCfg, secondPath, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.CertificatePath != firstCfg.CertificatePath {
		t.Fatalf("expected stable certificate path, got %q then %q", firstCfg.CertificatePath, secondCfg.CertificatePath)
	}
	if secondCfg.PairTimeout() != firstCfg.PairTimeout() {
		t.Fatalf("expected stable pair timeout")
	}
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"device_id":"legacy-device","listen_port":1740}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := LoadOrCreate(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" {
		t.Fatalf("expected existing device ID to be kept, got %q", cfg.DeviceID)
	}
	if cfg.ListenPort != 1740 {
		t.Fatalf("expected listen port 1740, got %d", cfg.ListenPort)
	}
	if cfg.DeviceName == "" || cfg.CertificatePath == "" || cfg.DatabasePath == "" {
		t.Fatalf("expected missing fields to be filled: %+v", cfg)
	}
	if cfg.PairTimeoutMS != 30000 {
		t.Fatalf("expected default pair timeout, got %d", cfg.PairTimeoutMS)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.DeviceName != cfg.DeviceName {
		t.Fatalf("expected normalized fields to be saved")
	}
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	tempDir := t.TempDir()
	cfgPath := filepath.Join(tempDir, "config.json")
	if err := Save(cfgPath, Default(tempDir)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Setenv("LANLINK_LOG_LEVEL", "debug")
	t.Setenv("LANLINK_DISCOVERY_PORT", "1800")
	t.Setenv("LANLINK_SECURITY_EVENT_RETENTION_DAYS", "7")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected env log level override, got %q", cfg.Log.Level)
	}
	if cfg.DiscoveryPort != 1800 {
		t.Fatalf("expected env discovery port override, got %d", cfg.DiscoveryPort)
	}
	if cfg.SecurityEventRetention() != 7*24*time.Hour {
		t.Fatalf("expected env retention override, got %v", cfg.SecurityEventRetention())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	cfgPath := filepath.Join(tempDir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"listen_port":70000}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected invalid listen port to be rejected")
	}
}
