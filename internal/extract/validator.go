package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-extract/internal/sink"
)

// ValidationResult contains the outcome of output validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	RowCount int64
	ByteSize int64
}

// Err returns the validation errors as one error, or nil if validation
// passed.
func (v ValidationResult) Err() error {
	if v.Passed {
		return nil
	}
	return errors.New("output validation failed: " + strings.Join(v.Errors, "; "))
}

// ValidateOutput re-opens every shard file of a closed sharded writer and
// checks it against the writer's stats:
// - shard indexes are in range and files carry their shard's name
// - each file is a readable Parquet file with the reported row count
// - the per-shard rows add up to the total
// - no foreign files sit in the output directory
func ValidateOutput(stats sink.Stats, numShards int) ValidationResult {
	result := ValidationResult{
		Passed: true,
	}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Passed = false
	}

	// Check 1: Shard count
	if len(stats.Shards) != stats.NumShards {
		fail("shard count mismatch: have %d files, stats report %d", len(stats.Shards), stats.NumShards)
	}

	known := make(map[string]bool, len(stats.Shards))
	for _, sh := range stats.Shards {
		// Check 2: Index and file name
		if sh.Index < 0 || sh.Index >= numShards {
			fail("shard index %d out of range [0, %d)", sh.Index, numShards)
		}
		if want := sink.ShardPath(stats.OutDir, sh.Index); sh.Path != want {
			fail("shard %d written to %s, expected %s", sh.Index, sh.Path, want)
		}
		known[filepath.Base(sh.Path)] = true

		// Check 3: Readable, row count matches
		rows, groups, size, err := inspectShard(sh.Path)
		if err != nil {
			fail("shard %d: %v", sh.Index, err)
			continue
		}
		if rows != sh.Rows {
			fail("shard %d row count mismatch: file has %d, writer reported %d", sh.Index, rows, sh.Rows)
		}
		if size != sh.Bytes {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("shard %d size %d differs from reported %d", sh.Index, size, sh.Bytes))
		}
		if groups != sh.Flushes {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("shard %d has %d row groups for %d flushes", sh.Index, groups, sh.Flushes))
		}
		result.RowCount += rows
		result.ByteSize += size
	}

	// Check 4: Totals
	if result.Passed && result.RowCount != stats.TotalRows {
		fail("total row count mismatch: files hold %d, writer reported %d", result.RowCount, stats.TotalRows)
	}

	// Check 5: Foreign files
	if stats.OutDir != "" {
		entries, err := os.ReadDir(stats.OutDir)
		if err != nil {
			fail("read output directory: %v", err)
		}
		for _, e := range entries {
			if !known[e.Name()] {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("unexpected file in output directory: %s", e.Name()))
			}
		}
	}

	return result
}

func inspectShard(path string) (rows int64, groups int, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, 0, 0, err
	}
	if fi.Size() == 0 {
		return 0, 0, 0, errors.New("empty file")
	}
	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		return 0, 0, fi.Size(), fmt.Errorf("open parquet: %w", err)
	}
	return pf.NumRows(), len(pf.RowGroups()), fi.Size(), nil
}
