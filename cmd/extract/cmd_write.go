package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-extract/internal/schema"
	"github.com/withObsrvr/obsrvr-extract/internal/sink"
)

type writeFlags struct {
	dataDir     string
	schema      string
	schemaFile  string
	key         string
	numShards   int
	batchRows   int
	compression string
}

func newWriteCmd(a *app) *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write JSON lines from stdin into sharded Parquet files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, a)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.dataDir, "data-dir", "", "Directory the shards are written to")
	fs.StringVar(&f.schema, "schema", "", "Schema as a JSON document")
	fs.StringVar(&f.schemaFile, "schema-file", "", "File holding the schema JSON document")
	fs.StringVar(&f.key, "key", "", "Shard key field (overrides the schema's key)")
	fs.IntVar(&f.numShards, "num-shards", 128, "Number of output shards")
	fs.IntVar(&f.batchRows, "batch-rows", 1024, "Rows buffered per shard before a flush")
	fs.StringVar(&f.compression, "compression", "zstd", "Parquet compression: zstd, snappy, gzip, none")
	cmd.MarkFlagRequired("data-dir")
	return cmd
}

func (f *writeFlags) run(cmd *cobra.Command, a *app) error {
	log := slog.With("component", "write")

	s, err := schema.Load(f.schema, f.schemaFile)
	if err != nil {
		return err
	}
	if f.key != "" {
		s.Key = f.key
		if err := s.Validate(); err != nil {
			return err
		}
	}

	w, err := sink.NewShardedWriter(sink.ShardedConfig{
		OutDir:      f.dataDir,
		NumShards:   f.numShards,
		BatchRows:   f.batchRows,
		Compression: f.compression,
	}, s)
	if err != nil {
		return err
	}

	res, pumpErr := sink.Pump(cmd.Context(), a.stdin, w)
	stats, closeErr := w.Close()
	if err := errors.Join(pumpErr, closeErr); err != nil {
		return err
	}

	log.Info("write complete",
		"rows", stats.TotalRows,
		"lines", res.Lines,
		"shards", stats.NumShards,
		"out_dir", stats.OutDir,
	)
	return nil
}
