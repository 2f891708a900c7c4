package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-extract/internal/config"
	"github.com/withObsrvr/obsrvr-extract/internal/extract"
)

// runFlags mirrors the configuration surface of a run. A flag only
// overrides the config when it was set on the command line.
type runFlags struct {
	extractor   string
	imports     []string
	read        []string
	readList    string
	library     string
	dataDir     string
	cmdRoot     string
	rootPath    string
	numShards   int
	batchRows   int
	compression string
	parallel    int
	jsonl       bool
	workerCfg   string
	noBuild     bool
	publishURL  string
	metrics     bool
	metricsAddr string
	catalogDSN  string
	summaryFile string
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an extractor over a target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			f.apply(cmd, &cfg)
			if cfg.Extractor == "extractors" {
				return listExtractors(cmd, cfg)
			}
			return runExtraction(cmd, a, cfg, f.summaryFile)
		},
	}

	f.register(cmd.Flags())
	return cmd
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.extractor, "command", "", "Extractor to run (e.g. types, tactics); 'extractors' lists them")
	fs.StringSliceVar(&f.imports, "imports", nil, "Modules to import as one unit (e.g. Lean,Mathlib)")
	fs.StringSliceVar(&f.read, "read", nil, "Files to read, one unit per file")
	fs.StringVar(&f.readList, "read-list", "", "File listing files to read, one per line (.zst allowed)")
	fs.StringVar(&f.library, "library", "", "Library whose member files are read")
	fs.StringVar(&f.dataDir, "data-dir", "", "Base output directory (default: command root)")
	fs.StringVar(&f.cmdRoot, "cmd-root", "", "Directory relative inputs and outputs resolve against (default: working directory)")
	fs.StringVar(&f.rootPath, "root-path", "", "Package root the workers run in (default: .)")
	fs.IntVar(&f.numShards, "num-shards", 0, "Number of output shards (default 128)")
	fs.IntVar(&f.batchRows, "batch-rows", 0, "Rows buffered per shard before a flush (default 1024)")
	fs.StringVar(&f.compression, "compression", "", "Parquet compression: zstd, snappy, gzip, none")
	fs.IntVar(&f.parallel, "parallel", 0, "Maximum concurrent workers (default: CPU count)")
	fs.BoolVar(&f.jsonl, "jsonl", false, "Write JSON lines to stdout instead of Parquet shards")
	fs.StringVar(&f.workerCfg, "worker-config", "", "JSON passed unmodified to every worker")
	fs.BoolVar(&f.noBuild, "no-build", false, "Skip the build step before the run")
	fs.StringVar(&f.publishURL, "publish-url", "", "Bucket URL to publish a clean run to (file://, gs://, s3://)")
	fs.BoolVar(&f.metrics, "metrics", false, "Serve Prometheus metrics during the run")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Metrics listen address")
	fs.StringVar(&f.catalogDSN, "catalog-dsn", "", "PostgreSQL DSN of the run catalog")
	fs.StringVar(&f.summaryFile, "summary-file", "", "Write a JSON summary of the run to this path")
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed

	if set("command") {
		cfg.Extractor = f.extractor
	}
	// A target on the command line replaces any target from the config.
	if set("imports") || set("read") || set("read-list") || set("library") {
		cfg.Target = config.TargetConfig{
			Imports:  f.imports,
			Read:     f.read,
			ReadList: f.readList,
			Library:  f.library,
		}
	}
	if set("data-dir") {
		cfg.Output.DataDir = f.dataDir
	}
	if set("cmd-root") {
		cfg.Output.CmdRoot = f.cmdRoot
	}
	if set("root-path") {
		cfg.Worker.RootPath = f.rootPath
	}
	if set("num-shards") {
		cfg.Output.NumShards = f.numShards
	}
	if set("batch-rows") {
		cfg.Output.BatchRows = f.batchRows
	}
	if set("compression") {
		cfg.Output.Compression = f.compression
	}
	if set("parallel") {
		cfg.Perf.Parallel = f.parallel
	}
	if f.jsonl {
		cfg.Output.Mode = config.ModePassthrough
	}
	if set("worker-config") {
		cfg.Worker.ConfigJSON = f.workerCfg
	}
	if f.noBuild {
		cfg.Worker.BuildCommand = nil
	}
	if set("publish-url") {
		cfg.Publish.URL = f.publishURL
	}
	if set("metrics") {
		cfg.Metrics.Enabled = f.metrics
	}
	if set("metrics-addr") {
		cfg.Metrics.Address = f.metricsAddr
	}
	if set("catalog-dsn") {
		cfg.Catalog.PostgresDSN = f.catalogDSN
	}
}

func runExtraction(cmd *cobra.Command, a *app, cfg config.Config, summaryFile string) error {
	ctx := cmd.Context()
	cfg.CapParallel()

	runner, err := extract.New(cfg, extract.Options{Stdout: a.stdout, Stderr: a.stderr})
	if err != nil {
		return err
	}

	res, err := runner.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return exitCode(extract.ExitInterrupted)
		}
		if extract.IsResolution(err) {
			return fmt.Errorf("resolve target: %w", err)
		}
		return err
	}

	if summaryFile != "" {
		rec := res.Record()
		if err := rec.WriteJSON(summaryFile); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if code := res.ExitCode(); code != extract.ExitOK {
		return exitCode(code)
	}
	return nil
}
