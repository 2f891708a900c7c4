package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-extract/internal/config"
	"github.com/withObsrvr/obsrvr-extract/internal/worker"
)

func newExtractorsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "extractors",
		Short: "List the extractors the worker binary provides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listExtractors(cmd, a.cfg)
		},
	}
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <extractor>",
		Short: "Print the record schema of an extractor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLauncher(cmd, a.cfg)
			if err != nil {
				return err
			}
			s, err := l.QuerySchema(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newLauncher(cmd *cobra.Command, cfg config.Config) (*worker.Launcher, error) {
	root, err := cfg.RootPath()
	if err != nil {
		return nil, err
	}
	return worker.NewLauncher(worker.Config{
		Command: cfg.Worker.Command,
		Dir:     root,
		Stderr:  cmd.ErrOrStderr(),
	}), nil
}

// listExtractors runs the worker's listing with the CLI's streams and
// exits with the worker's status.
func listExtractors(cmd *cobra.Command, cfg config.Config) error {
	l, err := newLauncher(cmd, cfg)
	if err != nil {
		return err
	}
	err = l.ListExtractors(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	var ee *worker.ExitError
	if errors.As(err, &ee) {
		return exitCode(ee.Code)
	}
	return err
}
