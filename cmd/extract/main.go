// Command extract fans an extractor out over worker processes and writes
// the records they emit into sharded Parquet files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-extract/internal/config"
	"github.com/withObsrvr/obsrvr-extract/internal/extract"
	"github.com/withObsrvr/obsrvr-extract/internal/logging"
)

// exitCode is returned from a command to request a specific exit status
// without printing an error.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}

// app holds state shared by all subcommands.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	logFormat  string

	cfg config.Config
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "extract",
		Short: "Run an extractor over many inputs in parallel",
		Long: `extract resolves a target (imports, files, a file list or a library) into
units of work, runs one worker process per unit with bounded parallelism and
writes every record the workers emit into hash-sharded Parquet files.

Examples:
  extract run --command types --imports Lean
  extract run --command tactics --library LeanScoutTest --parallel 4
  extract run --command types --data-dir ~/storage --num-shards 32 --imports Lean
  extract run --command types --imports Lean --jsonl > types.jsonl`,
		Version:       fmt.Sprintf("%s (%s)", extract.Version, extract.GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.Logging.Level = a.logLevel
			}
			if a.logFormat != "" {
				cfg.Logging.Format = a.logFormat
			}
			logging.SetupWriter(cfg.Logging, a.stderr)
			a.cfg = cfg
			return nil
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("EXTRACT_CONFIG"), "YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newWriteCmd(a))
	root.AddCommand(newExtractorsCmd(a))
	root.AddCommand(newSchemaCmd(a))
	return root
}

// execute runs the CLI and returns the process exit status.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	var code exitCode
	switch {
	case err == nil:
		return extract.ExitOK
	case errors.As(err, &code):
		return int(code)
	case ctx.Err() != nil:
		slog.Warn("interrupted", "error", err)
		return extract.ExitInterrupted
	default:
		fmt.Fprintln(stderr, "error:", err)
		return extract.ExitFailure
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler; a second signal exits immediately.
	go func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Warn("interrupted by user, cleaning up", "signal", sig.String())
		cancel()
		<-ch
		slog.Error("second interrupt, forcing exit")
		os.Exit(extract.ExitInterrupted)
	}()

	os.Exit(execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
