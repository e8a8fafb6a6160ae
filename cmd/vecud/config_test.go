package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "config.toml")
	content := `
listen_addr = "127.0.0.1:13400"
admin_listen_addr = "127.0.0.1:9090"
vin = "VECU-TEST-0000001"
nvram_path = "/var/lib/vecud/nvram.dat"
	`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:13400" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.AdminListenAddr != "127.0.0.1:9090" {
		t.Fatalf("unexpected admin listen addr: %q", cfg.AdminListenAddr)
	}
	if cfg.VIN != "VECU-TEST-0000001" {
		t.Fatalf("unexpected vin: %q", cfg.VIN)
	}
	if cfg.NVRAMPath != "/var/lib/vecud/nvram.dat" {
		t.Fatalf("unexpected nvram path: %q", cfg.NVRAMPath)
	}
	// Undefined keys keep their defaults.
	if cfg.StagingPath != "update.bin" {
		t.Fatalf("unexpected staging path: %q", cfg.StagingPath)
	}
	if cfg.LogPath != "" {
		t.Fatalf("unexpected log path: %q", cfg.LogPath)
	}
}

func TestLoadServiceConfigRejectsEmptyListenAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("listen_addr = \"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatal("expected error for empty listen_addr")
	}
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	if _, err := loadServiceConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
