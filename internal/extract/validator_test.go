package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-extract/internal/schema"
	"github.com/withObsrvr/obsrvr-extract/internal/sink"
	"github.com/withObsrvr/obsrvr-extract/internal/worker/fakeworker"
)

func writeShards(t *testing.T, lines ...string) sink.Stats {
	t.Helper()
	s, err := schema.Parse([]byte(fakeworker.Schema))
	if err != nil {
		t.Fatal(err)
	}
	w, err := sink.NewShardedWriter(sink.ShardedConfig{OutDir: t.TempDir(), NumShards: 4, BatchRows: 2}, s)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lines {
		if err := w.Write([]byte(l)); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := w.Close()
	if err != nil {
		t.Fatal(err)
	}
	return stats
}

func TestValidateOutput_Valid(t *testing.T) {
	stats := writeShards(t, `{"name":"a"}`, `{"name":"b"}`, `{"name":"a"}`)

	result := ValidateOutput(stats, 4)

	if !result.Passed {
		t.Errorf("Valid output should pass. Errors: %v", result.Errors)
	}
	if result.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", result.RowCount)
	}
	if result.Err() != nil {
		t.Errorf("Err() = %v, want nil", result.Err())
	}
}

func TestValidateOutput_RowCountMismatch(t *testing.T) {
	stats := writeShards(t, `{"name":"a"}`)
	stats.Shards[0].Rows = 7

	result := ValidateOutput(stats, 4)

	if result.Passed {
		t.Error("Row count mismatch should fail validation")
	}
	if result.Err() == nil {
		t.Error("Err() should report the failure")
	}
}

func TestValidateOutput_CorruptFile(t *testing.T) {
	stats := writeShards(t, `{"name":"a"}`)
	if err := os.WriteFile(stats.Shards[0].Path, []byte("not parquet"), 0644); err != nil {
		t.Fatal(err)
	}

	if result := ValidateOutput(stats, 4); result.Passed {
		t.Error("Corrupt shard should fail validation")
	}
}

func TestValidateOutput_MissingFile(t *testing.T) {
	stats := writeShards(t, `{"name":"a"}`)
	os.Remove(stats.Shards[0].Path)

	if result := ValidateOutput(stats, 4); result.Passed {
		t.Error("Missing shard should fail validation")
	}
}

func TestValidateOutput_IndexOutOfRange(t *testing.T) {
	// "a" lands in shard 3 of 4.
	stats := writeShards(t, `{"name":"a"}`)

	if result := ValidateOutput(stats, 2); result.Passed {
		t.Error("Shard index beyond the shard count should fail validation")
	}
}

func TestValidateOutput_ForeignFileWarns(t *testing.T) {
	stats := writeShards(t, `{"name":"a"}`)
	if err := os.WriteFile(filepath.Join(stats.OutDir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	result := ValidateOutput(stats, 4)

	if !result.Passed {
		t.Errorf("Foreign files should only warn. Errors: %v", result.Errors)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "notes.txt") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a warning about notes.txt, got: %v", result.Warnings)
	}
}
