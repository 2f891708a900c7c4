package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Extractor = "types"
	cfg.Target.Imports = []string{"Lean"}
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no extractor", func(c *Config) { c.Extractor = "" }, "extractor"},
		{"zero shards", func(c *Config) { c.Output.NumShards = 0 }, "num shards must be at least 1"},
		{"too many shards", func(c *Config) { c.Output.NumShards = 1000 }, "cannot exceed 999"},
		{"zero batch", func(c *Config) { c.Output.BatchRows = 0 }, "batch rows"},
		{"zero parallel", func(c *Config) { c.Perf.Parallel = 0 }, "parallel"},
		{"bad mode", func(c *Config) { c.Output.Mode = "csv" }, "unknown writer mode"},
		{"bad compression", func(c *Config) { c.Output.Compression = "lz4" }, "unknown compression"},
		{"bad blob", func(c *Config) { c.Worker.ConfigJSON = "{not json" }, "not valid JSON"},
		{"two targets", func(c *Config) { c.Target.Read = []string{"A.lean"} }, "exactly one"},
		{"no target", func(c *Config) { c.Target.Imports = nil }, "exactly one"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extract.yaml")
	data := `
extractor: tactics
target:
  library: LeanScoutTest
output:
  num_shards: 16
  batch_rows: 10
worker:
  config_json: '{"depth": 2}'
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("EXTRACT_BATCH_ROWS", "64")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Extractor != "tactics" {
		t.Errorf("Extractor = %q, want tactics", cfg.Extractor)
	}
	if cfg.Target.Library != "LeanScoutTest" {
		t.Errorf("Library = %q", cfg.Target.Library)
	}
	if cfg.Output.NumShards != 16 {
		t.Errorf("NumShards = %d, want 16", cfg.Output.NumShards)
	}
	if cfg.Output.BatchRows != 64 {
		t.Errorf("BatchRows = %d, want env override 64", cfg.Output.BatchRows)
	}
	if cfg.Output.Compression != "zstd" {
		t.Errorf("Compression = %q, want default zstd", cfg.Output.Compression)
	}
	if cfg.Worker.ConfigJSON != `{"depth": 2}` {
		t.Errorf("ConfigJSON = %q", cfg.Worker.ConfigJSON)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestOutputDir(t *testing.T) {
	cfg := validConfig()
	cfg.Output.CmdRoot = "/work"
	cfg.Output.DataDir = "data"

	got, err := cfg.OutputDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/work", "data", "types"); got != want {
		t.Errorf("OutputDir() = %q, want %q", got, want)
	}

	cfg.Output.DataDir = "/abs/store"
	got, _ = cfg.OutputDir()
	if want := filepath.Join("/abs/store", "types"); got != want {
		t.Errorf("OutputDir() = %q, want %q", got, want)
	}

	cfg.Output.DataDir = ""
	got, _ = cfg.OutputDir()
	if want := filepath.Join("/work", "types"); got != want {
		t.Errorf("OutputDir() = %q, want %q", got, want)
	}
}
