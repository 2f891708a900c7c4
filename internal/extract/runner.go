// Package extract runs one extraction: it resolves the target into units,
// fans them out to worker processes and funnels their records into a
// single writer.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-extract/internal/config"
	"github.com/withObsrvr/obsrvr-extract/internal/logging"
	"github.com/withObsrvr/obsrvr-extract/internal/metadata"
	"github.com/withObsrvr/obsrvr-extract/internal/metrics"
	"github.com/withObsrvr/obsrvr-extract/internal/scheduler"
	"github.com/withObsrvr/obsrvr-extract/internal/schema"
	"github.com/withObsrvr/obsrvr-extract/internal/sink"
	"github.com/withObsrvr/obsrvr-extract/internal/storage"
	"github.com/withObsrvr/obsrvr-extract/internal/target"
	"github.com/withObsrvr/obsrvr-extract/internal/worker"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ProducerName identifies this tool in published manifests.
const ProducerName = "obsrvr-extract"

// funnelBuffer is the capacity of the channel feeding the writer.
const funnelBuffer = 256

// Options carries the process-level collaborators of a Runner.
type Options struct {
	Stdout io.Writer          // passthrough records; defaults to os.Stdout
	Stderr io.Writer          // worker diagnostics; defaults to os.Stderr
	Query  target.LibraryQuery // defaults to the configured library query command
}

// Runner executes extraction runs for one configuration.
type Runner struct {
	cfg      config.Config
	stdout   io.Writer
	launcher *worker.Launcher
	resolver *target.Resolver
	outDir   string
	log      *slog.Logger
}

// New validates cfg and prepares a Runner.
func New(cfg config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cmdRoot, err := cfg.CmdRoot()
	if err != nil {
		return nil, err
	}
	rootPath, err := cfg.RootPath()
	if err != nil {
		return nil, err
	}
	outDir, err := cfg.OutputDir()
	if err != nil {
		return nil, err
	}

	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Query == nil && len(cfg.Worker.LibraryQuery) > 0 {
		opts.Query = &target.ExecQuery{Argv: cfg.Worker.LibraryQuery, Dir: rootPath}
	}

	return &Runner{
		cfg:    cfg,
		stdout: opts.Stdout,
		launcher: worker.NewLauncher(worker.Config{
			Command:    cfg.Worker.Command,
			Dir:        rootPath,
			ConfigJSON: cfg.Worker.ConfigJSON,
			Grace:      time.Duration(cfg.Worker.TerminateSec) * time.Second,
			Stderr:     opts.Stderr,
		}),
		resolver: &target.Resolver{
			Query:    opts.Query,
			CmdRoot:  cmdRoot,
			RootPath: rootPath,
		},
		outDir: outDir,
		log:    logging.Component("runner"),
	}, nil
}

// OutputDir returns the directory sharded output is written to.
func (r *Runner) OutputDir() string {
	return r.outDir
}

// TargetSpec builds the target spec from the configuration. A read list is
// read here, relative to the command root.
func (r *Runner) TargetSpec() (target.Spec, error) {
	t := r.cfg.Target
	switch {
	case len(t.Imports) > 0:
		return target.Imports(t.Imports...), nil
	case len(t.Read) > 0:
		return target.Files(t.Read...), nil
	case t.ReadList != "":
		r.log.Info("reading file list", "path", t.ReadList)
		paths, err := target.ReadList(t.ReadList, r.resolver.CmdRoot)
		if err != nil {
			return target.Spec{}, err
		}
		r.log.Info("found files to process", "files", len(paths))
		return target.Files(paths...), nil
	default:
		return target.Library(t.Library), nil
	}
}

// Run performs one extraction. The returned error reports a failure before
// any worker was started (resolution, build, schema query, output
// directory); everything after that is reported through the RunResult.
//
// Cancelling ctx terminates running workers, flushes what was written and
// leaves the output directory in place. A writer failure removes it.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	cfg := r.cfg
	res := &RunResult{
		RunID:     uuid.New().String(),
		Extractor: cfg.Extractor,
		Mode:      cfg.Output.Mode,
		StartedAt: time.Now().UTC(),
	}
	log := logging.RunLogger(res.RunID, cfg.Extractor, cfg.Output.Mode)
	ctx = logging.WithCorrelationID(ctx, res.RunID)

	spec, err := r.TargetSpec()
	if err != nil {
		return nil, err
	}
	res.Target = spec.String()

	units, err := r.resolver.Resolve(ctx, spec, cfg.Extractor)
	if err != nil {
		return nil, err
	}

	if err := r.launcher.Build(ctx, cfg.Worker.BuildCommand); err != nil {
		return nil, err
	}

	var s sink.Sink
	created := false
	if cfg.Output.Mode == config.ModePassthrough {
		s = sink.NewPassthroughWriter(r.stdout)
	} else {
		log.Info("querying schema")
		sch, err := r.launcher.QuerySchema(ctx, cfg.Extractor)
		if err != nil {
			return nil, err
		}
		res.SchemaHash = sch.Fingerprint()

		created, err = claimDir(r.outDir)
		if err != nil {
			return nil, err
		}
		res.OutDir = r.outDir

		s, err = r.newShardedWriter(sch)
		if err != nil {
			r.release(created)
			return nil, err
		}
	}

	m := metrics.Init("extract", cfg.Extractor)
	var ln net.Listener
	if cfg.Metrics.Enabled {
		ln, err = net.Listen("tcp", cfg.Metrics.Address)
		if err != nil {
			s.Close()
			if res.OutDir != "" {
				r.release(created)
			}
			return nil, fmt.Errorf("listen for metrics on %s: %w", cfg.Metrics.Address, err)
		}
	}

	log.Info("running extraction",
		"units", len(units),
		"parallel", cfg.Perf.Parallel,
		"target", res.Target,
	)

	funnel := sink.NewFunnel(s, funnelBuffer)
	sched := scheduler.New(cfg.Perf.Parallel)
	task := func(ctx context.Context, u target.Unit) (int64, error) {
		ulog := logging.UnitLogger(ctx, u.Index, u.Label())
		ulog.Debug("launching worker", "args", r.launcher.Args(u))
		pr, err := r.launcher.Run(ctx, u, funnel)
		if pr.Dropped > 0 {
			ulog.Warn("discarded records after writer failure", "dropped", pr.Dropped)
		}
		// Nothing written after a writer failure is kept.
		if werr := funnel.Sync(); werr != nil {
			sched.Stop(werr)
		}
		return pr.Lines, err
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	if ln != nil {
		g.Go(func() error { return m.Serve(serveCtx, ln) })
	}
	g.Go(func() error {
		defer stopServe()
		res.Units = sched.Run(ctx, units, task)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn("metrics server stopped", "error", err)
	}

	res.Interrupted = ctx.Err() != nil
	res.Stats, res.WriterErr = funnel.Close()
	if n := funnel.Dropped(); n > 0 {
		log.Warn("records dropped after writer failure", "dropped", n)
	}

	switch {
	case res.Interrupted:
		log.Warn("run interrupted, leaving partial output", "out_dir", res.OutDir)
	case res.WriterErr != nil && res.OutDir != "":
		log.Error("writer failed, removing output directory", "out_dir", res.OutDir, "error", res.WriterErr)
		r.release(created)
	case res.OutDir != "":
		v := ValidateOutput(res.Stats, cfg.Output.NumShards)
		res.Validation = &v
		for _, w := range v.Warnings {
			log.Warn("output validation warning", "warning", w)
		}
		if !v.Passed {
			log.Error("output validation failed", "errors", v.Errors)
			break
		}
		if failed := len(res.Failed()); failed > 0 {
			log.Warn("units failed, keeping partial output; remove it before retrying",
				"units_failed", failed, "out_dir", res.OutDir)
			break
		}
		if cfg.Publish.URL != "" {
			res.Published, res.PublishErr = r.publish(ctx, res)
		}
	}

	res.FinishedAt = time.Now().UTC()
	r.record(ctx, res)
	r.report(log, res)
	return res, nil
}

func (r *Runner) newShardedWriter(sch *schema.Schema) (*sink.ShardedWriter, error) {
	return sink.NewShardedWriter(sink.ShardedConfig{
		OutDir:      r.outDir,
		NumShards:   r.cfg.Output.NumShards,
		BatchRows:   r.cfg.Output.BatchRows,
		Compression: r.cfg.Output.Compression,
	}, sch)
}

func (r *Runner) release(created bool) {
	if err := releaseDir(r.outDir, created); err != nil {
		r.log.Warn("failed to remove output directory", "out_dir", r.outDir, "error", err)
	}
}

func (r *Runner) publish(ctx context.Context, res *RunResult) (*storage.PublishResult, error) {
	store, err := storage.OpenBlobStore(ctx, r.cfg.Publish.URL)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	pub := storage.NewPublisher(store, r.cfg.Publish.Prefix, storage.ProducerInfo{
		Name:    ProducerName,
		Version: Version,
	})
	return pub.Publish(ctx, storage.RunInfo{
		RunID:     res.RunID,
		Extractor: res.Extractor,
		Schema:    res.SchemaHash,
		NumShards: r.cfg.Output.NumShards,
	}, res.Stats)
}

// record writes the run to the catalog. Catalog failures never fail a run.
func (r *Runner) record(ctx context.Context, res *RunResult) {
	if r.cfg.Catalog.PostgresDSN == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := func() error {
		w, err := metadata.NewWriter(ctx, metadata.CatalogConfig{
			PostgresDSN: r.cfg.Catalog.PostgresDSN,
			Namespace:   r.cfg.Catalog.Namespace,
		})
		if err != nil {
			return err
		}
		defer w.Close()
		return w.RecordRun(ctx, res.Record())
	}()
	if err != nil {
		r.log.Warn("failed to record run in catalog", "run_id", res.RunID, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncCatalogErrors()
		}
	}
}

func (r *Runner) report(log *slog.Logger, res *RunResult) {
	elapsed := res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
	failed := len(res.Failed())

	if res.Mode == config.ModePassthrough {
		log.Info("extraction complete",
			"rows", res.Stats.TotalRows,
			"units_failed", failed,
			"elapsed", elapsed,
		)
	} else {
		log.Info("extraction complete",
			"rows", res.Stats.TotalRows,
			"shards", res.Stats.NumShards,
			"out_dir", res.OutDir,
			"units_failed", failed,
			"elapsed", elapsed,
		)
	}
	if res.Published != nil {
		log.Info("published run", "prefix", res.Published.Prefix, "manifest", res.Published.ManifestKey)
	}
	if err := res.Err(); err != nil && !res.Interrupted {
		log.Error("extraction failed", "error", err)
	}
}

// IsResolution reports whether err is a target resolution failure.
func IsResolution(err error) bool {
	var re *target.ResolutionError
	return errors.As(err, &re)
}
