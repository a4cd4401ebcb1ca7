// Package config provides YAML configuration loading and validation for the
// ecfs reconstruction pipeline.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for an ecfs run.
type Config struct {
	// CorePath is the path to the core file to reconstruct. Required.
	CorePath string `yaml:"core_path"`

	// Pid is the still-living process the core file was produced from.
	// Required.
	Pid int `yaml:"pid"`

	// OutPath is where the reconstructed ECFS file is written. Defaults to
	// CorePath + ".ecfs" when omitted.
	OutPath string `yaml:"out_path"`

	// TempDir is the directory TextMerge's temp-then-rename writes land in.
	// Defaults to "." (the current working directory) when omitted.
	TempDir string `yaml:"temp_dir"`

	// UseRamdisk routes TempDir onto /dev/shm instead, trading durability
	// across a crash for avoiding a second on-disk copy during the merge.
	UseRamdisk bool `yaml:"use_ramdisk"`

	// Heuristics enables the injected-library detector and sets the
	// HEURISTICS personality bit on the output.
	Heuristics bool `yaml:"heuristics"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OutPath == "" {
		cfg.OutPath = cfg.CorePath + ".ecfs"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "."
	}
	if cfg.UseRamdisk {
		cfg.TempDir = "/dev/shm"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.CorePath == "" {
		errs = append(errs, errors.New("core_path is required"))
	}
	if cfg.Pid <= 0 {
		errs = append(errs, fmt.Errorf("pid %d must be positive", cfg.Pid))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
