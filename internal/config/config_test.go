package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != DefaultDBPath {
		t.Errorf("db path = %q, expected default", cfg.DBPath)
	}
	if cfg.BatchSize != 20 || cfg.CacheSize != 100_000 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	root := t.TempDir()
	content := `db_path: custom/store.db
batch_size: 50
cache_size: 5000
environment: ci
exclude:
  - "gen/**"
`
	if err := os.WriteFile(filepath.Join(root, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "custom/store.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.BatchSize != 50 || cfg.CacheSize != 5000 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Environment != "ci" {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if len(cfg.Exclude) != 1 || cfg.Exclude[0] != "gen/**" {
		t.Errorf("exclude = %v", cfg.Exclude)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("::bad"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(root); err == nil {
		t.Error("expected a parse error")
	}
}

func TestResolveDBPath(t *testing.T) {
	cfg := Default()
	got := cfg.ResolveDBPath("/proj")
	if got != filepath.Join("/proj", DefaultDBPath) {
		t.Errorf("resolved = %q", got)
	}

	cfg.DBPath = "/abs/store.db"
	if cfg.ResolveDBPath("/proj") != "/abs/store.db" {
		t.Error("absolute db path must pass through")
	}
}
