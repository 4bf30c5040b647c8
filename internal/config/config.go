// Package config loads difftest settings from the project's .difftest.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the per-project configuration file, looked up at the root.
const FileName = ".difftest.yaml"

// DefaultDBPath is where the store lives relative to the project root.
const DefaultDBPath = ".cache/diff/store.db"

// Config holds the tunables the CLI and the runner plugin share.
type Config struct {
	// DBPath is the store location, relative to the project root unless
	// absolute.
	DBPath string `yaml:"db_path"`
	// BatchSize is how many test executions to buffer per store write.
	BatchSize int `yaml:"batch_size"`
	// CacheSize bounds the in-memory fingerprint cache.
	CacheSize int `yaml:"cache_size"`
	// Environment names the interpreter context rows are recorded under.
	Environment string `yaml:"environment"`
	// PythonVersion qualifies the environment.
	PythonVersion string `yaml:"python_version"`
	// Include/Exclude are doublestar globs over root-relative paths.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	// Verbose enables progress logging on stderr.
	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:        DefaultDBPath,
		BatchSize:     20,
		CacheSize:     100_000,
		Environment:   "default",
		PythonVersion: "3",
	}
}

// Load reads root/.difftest.yaml over the defaults. A missing file is not
// an error.
func Load(root string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100_000
	}
	if cfg.Environment == "" {
		cfg.Environment = "default"
	}
	return cfg, nil
}

// ResolveDBPath returns the absolute store path for a project root.
func (c *Config) ResolveDBPath(root string) string {
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(root, c.DBPath)
}
