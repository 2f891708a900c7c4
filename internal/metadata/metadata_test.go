package metadata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWriterWithoutDSNIsNoop(t *testing.T) {
	w, err := NewWriter(context.Background(), CatalogConfig{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.RecordRun(context.Background(), RunRecord{RunID: "r"}); err != nil {
		t.Errorf("noop RecordRun returned %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("noop Close returned %v", err)
	}
}

func TestRunRecordWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	rec := &RunRecord{
		RunID:     "run-1",
		Extractor: "types",
		Mode:      "sharded",
		Status:    StatusSucceeded,
		NumShards: 4,
		TotalRows: 10,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Shards:    []ShardRecord{{Shard: 1, File: "part-001.parquet", RowCount: 10}},
	}
	if err := rec.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got RunRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != "run-1" || got.Status != StatusSucceeded || len(got.Shards) != 1 {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Shards[0].File != "part-001.parquet" {
		t.Errorf("shard file = %q", got.Shards[0].File)
	}
}

// TestPostgresWriter runs against a real database when CATALOG_TEST_DSN is set.
func TestPostgresWriter(t *testing.T) {
	dsn := os.Getenv("CATALOG_TEST_DSN")
	if dsn == "" {
		t.Skip("CATALOG_TEST_DSN not set")
	}
	ctx := context.Background()

	w, err := NewPostgresWriter(ctx, CatalogConfig{PostgresDSN: dsn, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewPostgresWriter failed: %v", err)
	}
	defer w.Close()

	now := time.Now().UTC().Truncate(time.Second)
	rec := RunRecord{
		RunID:      "test-" + now.Format("20060102150405.000000000"),
		Extractor:  "types",
		SchemaHash: "sha256:test",
		Mode:       "sharded",
		Target:     "read 2 files",
		Status:     StatusSucceeded,
		NumShards:  2,
		TotalRows:  5,
		UnitsTotal: 2,
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
		Shards: []ShardRecord{
			{Shard: 0, File: "part-000.parquet", RowCount: 3, ByteSize: 100},
			{Shard: 1, File: "part-001.parquet", RowCount: 2, ByteSize: 90},
		},
	}
	if err := w.RecordRun(ctx, rec); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	last, err := w.LastRun(ctx, "types")
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if last == nil || last.RunID != rec.RunID {
		t.Errorf("LastRun = %+v, want run %s", last, rec.RunID)
	}
}
