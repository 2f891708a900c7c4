package metadata

import (
	"encoding/json"
	"os"
	"time"
)

// Run statuses.
const (
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// RunRecord summarises one extraction run.
type RunRecord struct {
	RunID        string        `json:"run_id"`
	Extractor    string        `json:"extractor"`
	SchemaHash   string        `json:"schema_hash,omitempty"`
	Mode         string        `json:"mode"`
	Target       string        `json:"target"`
	Status       string        `json:"status"`
	NumShards    int           `json:"num_shards"`
	TotalRows    int64         `json:"total_rows"`
	UnitsTotal   int           `json:"units_total"`
	UnitsFailed  int           `json:"units_failed"`
	OutputDir    string        `json:"output_dir,omitempty"`
	PublishedURI string        `json:"published_uri,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Shards       []ShardRecord `json:"shards,omitempty"`
}

// ShardRecord describes one shard file of a run.
type ShardRecord struct {
	Shard    int    `json:"shard"`
	File     string `json:"file"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
	Checksum string `json:"checksum,omitempty"`
}

// WriteJSON writes the record as indented JSON to path.
func (r *RunRecord) WriteJSON(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
