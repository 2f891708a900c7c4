package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/withObsrvr/obsrvr-extract/internal/metadata"
	"github.com/withObsrvr/obsrvr-extract/internal/scheduler"
	"github.com/withObsrvr/obsrvr-extract/internal/sink"
	"github.com/withObsrvr/obsrvr-extract/internal/storage"
)

// Exit codes reported by ExitCode.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// RunResult is the aggregate outcome of a run.
type RunResult struct {
	RunID      string
	Extractor  string
	Mode       string
	Target     string
	SchemaHash string
	OutDir     string // empty in passthrough mode

	Units       []scheduler.Outcome
	Stats       sink.Stats
	WriterErr   error
	Validation  *ValidationResult
	Published   *storage.PublishResult
	PublishErr  error
	Interrupted bool

	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns the units that ran and failed. Units skipped or stopped
// because the run was interrupted are not included.
func (r *RunResult) Failed() []scheduler.Outcome {
	var failed []scheduler.Outcome
	for _, o := range r.Units {
		if o.Err != nil && !o.Skipped && !errors.Is(o.Err, context.Canceled) {
			failed = append(failed, o)
		}
	}
	return failed
}

// Skipped returns how many units were never dispatched.
func (r *RunResult) Skipped() int {
	n := 0
	for _, o := range r.Units {
		if o.Skipped {
			n++
		}
	}
	return n
}

// Err joins the writer error, every unit failure and the publish error.
// It is nil for a clean run.
func (r *RunResult) Err() error {
	var errs []error
	if r.WriterErr != nil {
		errs = append(errs, r.WriterErr)
	}
	if r.Validation != nil {
		if err := r.Validation.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("unit %d (%s): %w", o.Index, o.Label, o.Err))
	}
	if r.PublishErr != nil {
		errs = append(errs, fmt.Errorf("publish: %w", r.PublishErr))
	}
	return errors.Join(errs...)
}

// ExitCode maps the result to a process exit status.
func (r *RunResult) ExitCode() int {
	switch {
	case r.Interrupted:
		return ExitInterrupted
	case r.Err() != nil:
		return ExitFailure
	default:
		return ExitOK
	}
}

// Status is the catalog status of the run.
func (r *RunResult) Status() string {
	switch r.ExitCode() {
	case ExitOK:
		return metadata.StatusSucceeded
	case ExitInterrupted:
		return metadata.StatusInterrupted
	default:
		return metadata.StatusFailed
	}
}

// Record converts the result into a catalog record.
func (r *RunResult) Record() metadata.RunRecord {
	rec := metadata.RunRecord{
		RunID:       r.RunID,
		Extractor:   r.Extractor,
		SchemaHash:  r.SchemaHash,
		Mode:        r.Mode,
		Target:      r.Target,
		Status:      r.Status(),
		NumShards:   r.Stats.NumShards,
		TotalRows:   r.Stats.TotalRows,
		UnitsTotal:  len(r.Units),
		UnitsFailed: len(r.Failed()),
		OutputDir:   r.OutDir,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if err := r.Err(); err != nil {
		rec.Error = err.Error()
	}

	checksums := map[int]string{}
	if r.Published != nil {
		rec.PublishedURI = r.Published.Prefix
		for _, f := range r.Published.Manifest.Files {
			checksums[f.Shard] = f.Checksum
		}
	}
	for _, sh := range r.Stats.Shards {
		rec.Shards = append(rec.Shards, metadata.ShardRecord{
			Shard:    sh.Index,
			File:     filepath.Base(sh.Path),
			RowCount: sh.Rows,
			ByteSize: sh.Bytes,
			Checksum: checksums[sh.Index],
		})
	}
	return rec
}
