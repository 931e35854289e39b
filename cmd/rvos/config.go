package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the machine configuration loaded from YAML.
type Config struct {
	// MemoryMB sizes guest RAM.
	MemoryMB int `yaml:"memory_mb"`
	// Disk is the filesystem image attached as the virtio block device.
	// Empty selects the built-in demo image.
	Disk string `yaml:"disk"`
	// Init is the program launched from the root filesystem.
	Init string `yaml:"init"`
	// RealTime drives mtime from the host clock instead of virtual time.
	RealTime bool `yaml:"real_time"`
	// Interactive puts the host terminal in raw mode and forwards stdin
	// to UART0.
	Interactive bool `yaml:"interactive"`
}

// defaultConfig returns the baseline machine.
func defaultConfig() Config {
	return Config{
		MemoryMB: 128,
		Init:     "init",
	}
}

// loadConfig reads a YAML machine config.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.MemoryMB <= 0 {
		return cfg, fmt.Errorf("config %s: memory_mb must be positive", path)
	}
	if cfg.Init == "" {
		cfg.Init = "init"
	}

	return cfg, nil
}
