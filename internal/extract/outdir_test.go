package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-extract/internal/scheduler"
	"github.com/withObsrvr/obsrvr-extract/internal/sink"
)

func TestClaimAndReleaseDir(t *testing.T) {
	base := t.TempDir()

	fresh := filepath.Join(base, "fresh", "types")
	created, err := claimDir(fresh)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, os.WriteFile(filepath.Join(fresh, "part-000.parquet"), nil, 0644))
	require.NoError(t, releaseDir(fresh, created))
	assert.NoDirExists(t, fresh)

	empty := filepath.Join(base, "empty")
	require.NoError(t, os.Mkdir(empty, 0755))
	created, err = claimDir(empty)
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, os.WriteFile(filepath.Join(empty, "part-001.parquet"), nil, 0644))
	require.NoError(t, releaseDir(empty, created))
	assert.DirExists(t, empty, "a directory the run did not create survives")
	entries, err := os.ReadDir(empty)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = claimDir(base)
	assert.ErrorIs(t, err, ErrOutputExists)
}

func TestRunResultExitCode(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		res  RunResult
		want int
	}{
		{"clean", RunResult{Units: []scheduler.Outcome{{Index: 0}}}, ExitOK},
		{"unit failed", RunResult{Units: []scheduler.Outcome{{Index: 0, Err: boom}}}, ExitFailure},
		{"writer failed", RunResult{WriterErr: boom}, ExitFailure},
		{"publish failed", RunResult{PublishErr: boom}, ExitFailure},
		{"interrupted", RunResult{Interrupted: true, WriterErr: boom}, ExitInterrupted},
		{"skipped only", RunResult{Units: []scheduler.Outcome{{Skipped: true, Err: boom}}}, ExitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.ExitCode())
		})
	}
}

func TestRunResultErrWriterMessage(t *testing.T) {
	res := RunResult{WriterErr: &sink.WriterError{Shard: -1, Op: "decode", Err: errors.New("invalid JSON record")}}
	assert.Equal(t, "writer: decode: invalid JSON record", res.Err().Error())
}
