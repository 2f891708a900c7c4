// Package sink receives the JSON lines produced by extraction workers and
// writes them either to sharded Parquet files or straight to stdout.
package sink

import (
	"errors"
	"fmt"
)

// LineWriter accepts one JSON record per call.
type LineWriter interface {
	Write(line []byte) error
}

// Sink is the terminal writer of a run. Close must be called exactly once,
// after the last Write.
type Sink interface {
	LineWriter
	Close() (Stats, error)
}

// Stats summarises what a sink wrote.
type Stats struct {
	TotalRows int64
	NumShards int // shard files actually created
	OutDir    string
	Shards    []ShardStats
}

// ShardStats describes one shard file.
type ShardStats struct {
	Index   int
	Path    string
	Rows    int64
	Bytes   int64
	Flushes int
}

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink closed")

// WriterError is fatal for the whole run.
type WriterError struct {
	Shard int // -1 when the failure is not tied to a shard
	Op    string
	Err   error
}

func (e *WriterError) Error() string {
	if e.Shard < 0 {
		return fmt.Sprintf("writer: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("writer: shard %03d: %s: %v", e.Shard, e.Op, e.Err)
}

func (e *WriterError) Unwrap() error {
	return e.Err
}
