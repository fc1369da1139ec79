package main

import (
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the static startup configuration loaded from the YAML file named
// by the --config CLI flag (SPEC_FULL.md A.3); no other flag overrides it.
type Config struct {
	ListenAddress string `yaml:"listen_address"`

	DefaultStripSizeKB uint64 `yaml:"default_strip_size_kb"`

	ProcessWindowSizeKB         uint64 `yaml:"process_window_size_kb"`
	ProcessMaxBandwidthMBPerSec uint64 `yaml:"process_max_bandwidth_mb_sec"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:               ":8302",
		DefaultStripSizeKB:          64,
		ProcessWindowSizeKB:         512,
		ProcessMaxBandwidthMBPerSec: 50,
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
