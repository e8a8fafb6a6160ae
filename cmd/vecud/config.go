package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/vecusim/vecud/internal/service"
)

// vecud config.toml key mapping to runtime settings.
type fileConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	AdminListenAddr string `toml:"admin_listen_addr"`
	VIN             string `toml:"vin"`
	NVRAMPath       string `toml:"nvram_path"`
	StagingPath     string `toml:"staging_path"`
	TargetPath      string `toml:"target_path"`
	LogPath         string `toml:"log_path"`
}

// loadServiceConfig overlays defined TOML keys onto the defaults.
func loadServiceConfig(path string) (service.Config, error) {
	cfg := service.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return service.Config{}, fmt.Errorf("load vecud config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("vin") {
		cfg.VIN = strings.TrimSpace(raw.VIN)
	}
	if meta.IsDefined("nvram_path") {
		cfg.NVRAMPath = strings.TrimSpace(raw.NVRAMPath)
	}
	if meta.IsDefined("staging_path") {
		cfg.StagingPath = strings.TrimSpace(raw.StagingPath)
	}
	if meta.IsDefined("target_path") {
		cfg.TargetPath = strings.TrimSpace(raw.TargetPath)
	}
	if meta.IsDefined("log_path") {
		cfg.LogPath = strings.TrimSpace(raw.LogPath)
	}

	if cfg.ListenAddr == "" {
		return service.Config{}, fmt.Errorf("load vecud config: listen_addr must not be empty")
	}
	if cfg.NVRAMPath == "" {
		return service.Config{}, fmt.Errorf("load vecud config: nvram_path must not be empty")
	}
	if cfg.StagingPath == "" {
		return service.Config{}, fmt.Errorf("load vecud config: staging_path must not be empty")
	}
	return cfg, nil
}
