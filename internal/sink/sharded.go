package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/withObsrvr/obsrvr-extract/internal/metrics"
	"github.com/withObsrvr/obsrvr-extract/internal/schema"
)

// ShardedConfig configures a ShardedWriter.
type ShardedConfig struct {
	OutDir      string
	NumShards   int
	BatchRows   int
	Compression string // "zstd" | "snappy" | "gzip" | "none"
}

// ShardedWriter hashes the key field of each record to a shard, buffers
// rows per shard and writes one Parquet row group per flush.
//
// Write is safe for concurrent use. The first error is sticky: every later
// Write returns it and Close reports it.
type ShardedWriter struct {
	cfg   ShardedConfig
	rows  *schema.RowType
	key   string
	codec compress.Codec

	mu     sync.Mutex
	shards []*shardState
	total  int64
	failed error
	closed bool
}

type shardState struct {
	buf     []any
	rows    int64
	flushes int
	path    string
	file    *os.File
	pw      *parquet.Writer
	bytes   int64
}

// CodecFor returns the Parquet codec for a compression name.
func CodecFor(name string) (compress.Codec, error) {
	switch name {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

// NewShardedWriter prepares a writer for records of the given schema. The
// schema must name a key field. Shard files are created lazily on first
// flush, so a shard that never receives a record has no file.
func NewShardedWriter(cfg ShardedConfig, s *schema.Schema) (*ShardedWriter, error) {
	if cfg.NumShards < 1 {
		return nil, fmt.Errorf("num shards must be positive, got %d", cfg.NumShards)
	}
	if cfg.BatchRows < 1 {
		return nil, fmt.Errorf("batch rows must be positive, got %d", cfg.BatchRows)
	}
	if s.Key == "" {
		return nil, errors.New("schema has no key field")
	}
	codec, err := CodecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	rt, err := schema.NewRowType(s)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.OutDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", cfg.OutDir, err)
	}

	shards := make([]*shardState, cfg.NumShards)
	for i := range shards {
		shards[i] = &shardState{}
	}
	return &ShardedWriter{
		cfg:    cfg,
		rows:   rt,
		key:    s.Key,
		codec:  codec,
		shards: shards,
	}, nil
}

// ShardPath returns the file name used for a shard index.
func ShardPath(dir string, shard int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%03d.parquet", shard))
}

// Write decodes one record and buffers it in its shard, flushing the shard
// when it reaches the batch size.
func (w *ShardedWriter) Write(line []byte) error {
	row, shard, prepErr := w.prepare(line)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}
	if w.closed {
		return ErrClosed
	}
	if prepErr != nil {
		return w.fail(prepErr)
	}

	s := w.shards[shard]
	s.buf = append(s.buf, row)
	w.total++
	if m := metrics.Get(); m != nil {
		m.IncRecordsWritten()
	}

	if len(s.buf) >= w.cfg.BatchRows {
		if err := w.flushLocked(shard); err != nil {
			return w.fail(err)
		}
	}
	return nil
}

// prepare does the CPU work of a write outside the lock.
func (w *ShardedWriter) prepare(line []byte) (any, int, error) {
	obj, err := schema.DecodeRecord(line)
	if err != nil {
		return nil, 0, &WriterError{Shard: -1, Op: "decode", Err: err}
	}
	key, ok := obj[w.key]
	if !ok {
		return nil, 0, &WriterError{Shard: -1, Op: "key", Err: fmt.Errorf("record has no %q field", w.key)}
	}
	shard := ShardOf(KeyBytes(key), w.cfg.NumShards)
	row, err := w.rows.Materialize(obj)
	if err != nil {
		return nil, 0, &WriterError{Shard: shard, Op: "materialize", Err: err}
	}
	return row, shard, nil
}

func (w *ShardedWriter) fail(err error) error {
	w.failed = err
	if m := metrics.Get(); m != nil {
		m.IncWriterErrors()
	}
	return err
}

// flushLocked writes the buffer of one shard as a row group.
func (w *ShardedWriter) flushLocked(shard int) error {
	s := w.shards[shard]
	if len(s.buf) == 0 {
		return nil
	}

	if s.pw == nil {
		path := ShardPath(w.cfg.OutDir, shard)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return &WriterError{Shard: shard, Op: "create", Err: err}
		}
		s.path = path
		s.file = f
		s.pw = parquet.NewWriter(f, w.rows.Parquet(), parquet.Compression(w.codec))
	}

	if op, err := s.writeBuffered(); err != nil {
		return &WriterError{Shard: shard, Op: op, Err: err}
	}

	n := len(s.buf)
	s.rows += int64(n)
	s.flushes++
	clear(s.buf)
	s.buf = s.buf[:0]

	if m := metrics.Get(); m != nil {
		m.ObserveFlush(n)
	}
	return nil
}

// writeBuffered writes the buffer as one row group. parquet-go panics on
// values its schema cannot represent; such a panic is returned as an error.
func (s *shardState) writeBuffered() (op string, err error) {
	op = "write"
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parquet: %v", r)
		}
	}()
	for _, row := range s.buf {
		if err := s.pw.Write(row); err != nil {
			return op, err
		}
	}
	op = "flush"
	return op, s.pw.Flush()
}

// Buffered returns the number of rows waiting in a shard's buffer.
func (w *ShardedWriter) Buffered(shard int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.shards[shard].buf)
}

// Close flushes every partial buffer and closes every shard file. After a
// failed write the remaining buffers are discarded rather than flushed.
func (w *ShardedWriter) Close() (Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.statsLocked(), ErrClosed
	}
	w.closed = true

	var errs []error
	if w.failed != nil {
		errs = append(errs, w.failed)
	}
	for i, s := range w.shards {
		if w.failed == nil {
			if err := w.flushLocked(i); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.close(); err != nil {
			errs = append(errs, &WriterError{Shard: i, Op: "close", Err: err})
		}
		s.buf = nil
	}
	return w.statsLocked(), errors.Join(errs...)
}

func (s *shardState) close() error {
	if s.file == nil {
		return nil
	}
	var errs []error
	if err := s.pw.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if fi, err := os.Stat(s.path); err == nil {
		s.bytes = fi.Size()
	}
	s.file = nil
	s.pw = nil
	return errors.Join(errs...)
}

func (w *ShardedWriter) statsLocked() Stats {
	st := Stats{
		TotalRows: w.total,
		OutDir:    w.cfg.OutDir,
	}
	for i, s := range w.shards {
		if s.path == "" {
			continue
		}
		st.NumShards++
		st.Shards = append(st.Shards, ShardStats{
			Index:   i,
			Path:    s.path,
			Rows:    s.rows,
			Bytes:   s.bytes,
			Flushes: s.flushes,
		})
	}
	return st
}
