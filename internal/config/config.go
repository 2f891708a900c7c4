package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-extract/internal/logging"
)

// Writer modes.
const (
	ModeSharded     = "sharded"
	ModePassthrough = "passthrough"
)

// MaxShards bounds the shard count so file names fit a three digit index.
const MaxShards = 999

type Config struct {
	Extractor string         `yaml:"extractor"`
	Target    TargetConfig   `yaml:"target"`
	Output    OutputConfig   `yaml:"output"`
	Worker    WorkerConfig   `yaml:"worker"`
	Perf      PerfConfig     `yaml:"perf"`
	Logging   logging.Config `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Publish   PublishConfig  `yaml:"publish"`
	Catalog   CatalogConfig  `yaml:"catalog"`
}

// TargetConfig holds the user-facing target description. Exactly one of
// Imports, Read, ReadList or Library may be set.
type TargetConfig struct {
	Imports  []string `yaml:"imports"`
	Read     []string `yaml:"read"`
	ReadList string   `yaml:"read_list"`
	Library  string   `yaml:"library"`
}

type OutputConfig struct {
	Mode        string `yaml:"mode"`
	DataDir     string `yaml:"data_dir"`
	CmdRoot     string `yaml:"cmd_root"`
	NumShards   int    `yaml:"num_shards"`
	BatchRows   int    `yaml:"batch_rows"`
	Compression string `yaml:"compression"`
}

type WorkerConfig struct {
	RootPath     string   `yaml:"root_path"`
	Command      []string `yaml:"command"`
	BuildCommand []string `yaml:"build_command"`
	LibraryQuery []string `yaml:"library_query"`
	ConfigJSON   string   `yaml:"config_json"`
	TerminateSec int      `yaml:"terminate_grace_seconds"`
}

type PerfConfig struct {
	Parallel int `yaml:"parallel"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type PublishConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Output: OutputConfig{
			Mode:        ModeSharded,
			NumShards:   128,
			BatchRows:   1024,
			Compression: "zstd",
		},
		Worker: WorkerConfig{
			RootPath:     ".",
			Command:      []string{"lake", "exe", "-q", "lean_scout"},
			BuildCommand: []string{"lake", "build", "-q", "lean_scout"},
			LibraryQuery: []string{"lake", "query", "-q", "{library}:module_paths"},
			TerminateSec: 2,
		},
		Perf: PerfConfig{
			Parallel: runtime.NumCPU(),
		},
		Logging: logging.Config{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Publish: PublishConfig{
			Prefix: "extract/",
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file and environment
// variables, in that order of precedence (later wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
		slog.Debug("loaded config file", "path", path)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Extractor = getenvDefault("EXTRACT_COMMAND", cfg.Extractor)
	cfg.Output.Mode = getenvDefault("EXTRACT_MODE", cfg.Output.Mode)
	cfg.Output.DataDir = getenvDefault("EXTRACT_DATA_DIR", cfg.Output.DataDir)
	cfg.Output.NumShards = getenvInt("EXTRACT_NUM_SHARDS", cfg.Output.NumShards)
	cfg.Output.BatchRows = getenvInt("EXTRACT_BATCH_ROWS", cfg.Output.BatchRows)
	cfg.Output.Compression = getenvDefault("EXTRACT_COMPRESSION", cfg.Output.Compression)
	cfg.Worker.RootPath = getenvDefault("EXTRACT_ROOT_PATH", cfg.Worker.RootPath)
	cfg.Worker.ConfigJSON = getenvDefault("EXTRACT_WORKER_CONFIG", cfg.Worker.ConfigJSON)
	if v := os.Getenv("EXTRACT_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = strings.Fields(v)
	}
	cfg.Perf.Parallel = getenvInt("EXTRACT_PARALLEL", cfg.Perf.Parallel)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)
	if os.Getenv("METRICS_ENABLED") == "true" {
		cfg.Metrics.Enabled = true
	}
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Publish.URL = getenvDefault("PUBLISH_URL", cfg.Publish.URL)
	cfg.Publish.Prefix = getenvDefault("PUBLISH_PREFIX", cfg.Publish.Prefix)
	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Namespace = getenvDefault("CATALOG_NAMESPACE", cfg.Catalog.Namespace)
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Extractor == "" {
		errs = append(errs, errors.New("extractor command is required"))
	}

	switch c.Output.Mode {
	case ModeSharded, ModePassthrough:
	default:
		errs = append(errs, fmt.Errorf("unknown writer mode %q", c.Output.Mode))
	}
	if c.Output.NumShards < 1 {
		errs = append(errs, fmt.Errorf("num shards must be at least 1, got %d", c.Output.NumShards))
	}
	if c.Output.NumShards > MaxShards {
		errs = append(errs, fmt.Errorf("num shards cannot exceed %d, got %d", MaxShards, c.Output.NumShards))
	}
	if c.Output.BatchRows < 1 {
		errs = append(errs, fmt.Errorf("batch rows must be at least 1, got %d", c.Output.BatchRows))
	}
	switch c.Output.Compression {
	case "", "zstd", "snappy", "gzip", "none", "uncompressed":
	default:
		errs = append(errs, fmt.Errorf("unknown compression %q", c.Output.Compression))
	}
	if c.Perf.Parallel < 1 {
		errs = append(errs, fmt.Errorf("parallel must be at least 1, got %d", c.Perf.Parallel))
	}
	if len(c.Worker.Command) == 0 {
		errs = append(errs, errors.New("worker command is required"))
	}
	if c.Worker.ConfigJSON != "" && !json.Valid([]byte(c.Worker.ConfigJSON)) {
		errs = append(errs, errors.New("worker config is not valid JSON"))
	}

	set := 0
	for _, ok := range []bool{
		len(c.Target.Imports) > 0,
		len(c.Target.Read) > 0,
		c.Target.ReadList != "",
		c.Target.Library != "",
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		errs = append(errs, fmt.Errorf("exactly one of imports, read, read list or library is required, got %d", set))
	}

	return errors.Join(errs...)
}

// CapParallel limits the worker count to the number of CPUs.
func (c *Config) CapParallel() {
	max := runtime.NumCPU()
	if c.Perf.Parallel > max {
		slog.Warn("parallel exceeds number of CPU cores, capping",
			"requested", c.Perf.Parallel, "cores", max)
		c.Perf.Parallel = max
	}
}

// CmdRoot returns the absolute directory relative inputs and outputs are
// resolved against.
func (c *Config) CmdRoot() (string, error) {
	root := c.Output.CmdRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		root = wd
	}
	return filepath.Abs(expandHome(root))
}

// RootPath returns the absolute package root the workers run in.
func (c *Config) RootPath() (string, error) {
	return filepath.Abs(expandHome(c.Worker.RootPath))
}

// OutputDir returns <data dir>/<extractor>, with a relative data dir
// resolved against the command root.
func (c *Config) OutputDir() (string, error) {
	cmdRoot, err := c.CmdRoot()
	if err != nil {
		return "", err
	}
	base := cmdRoot
	if c.Output.DataDir != "" {
		base = expandHome(c.Output.DataDir)
		if !filepath.IsAbs(base) {
			base = filepath.Join(cmdRoot, base)
		}
	}
	return filepath.Join(base, c.Extractor), nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", v)
		return def
	}
	return parsed
}
