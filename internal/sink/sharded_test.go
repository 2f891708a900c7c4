package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-extract/internal/schema"
)

func keySchema() *schema.Schema {
	return &schema.Schema{
		Key: "key",
		Fields: []schema.Field{
			{Name: "key", Type: schema.DataType{Kind: schema.String}, Nullable: false},
			{Name: "n", Type: schema.DataType{Kind: schema.Int}, Nullable: true},
		},
	}
}

func newTestWriter(t *testing.T, shards, batch int) *ShardedWriter {
	t.Helper()
	w, err := NewShardedWriter(ShardedConfig{
		OutDir:    filepath.Join(t.TempDir(), "types"),
		NumShards: shards,
		BatchRows: batch,
	}, keySchema())
	require.NoError(t, err)
	return w
}

func openShard(t *testing.T, path string) *parquet.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	fi, err := f.Stat()
	require.NoError(t, err)
	pf, err := parquet.OpenFile(f, fi.Size())
	require.NoError(t, err)
	return pf
}

// columnValues returns every value of one leaf column in file order.
func columnValues(t *testing.T, path string, column ...string) []parquet.Value {
	t.Helper()
	pf := openShard(t, path)
	leaf, ok := pf.Schema().Lookup(column...)
	require.True(t, ok, "no column %v", column)

	var out []parquet.Value
	buf := make([]parquet.Row, 16)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				for _, v := range row {
					if v.Column() == leaf.ColumnIndex {
						out = append(out, v.Clone())
					}
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
		}
		rows.Close()
	}
	return out
}

func TestShardedWriterFlushThreshold(t *testing.T) {
	w := newTestWriter(t, 4, 2)
	shardA := ShardOf([]byte("a"), 4)
	shardB := ShardOf([]byte("b"), 4)
	require.NotEqual(t, shardA, shardB)

	// Two producers interleaved: a, b, a, b.
	require.NoError(t, w.Write([]byte(`{"key":"a","n":1}`)))
	require.NoError(t, w.Write([]byte(`{"key":"b","n":2}`)))
	assert.Equal(t, 1, w.Buffered(shardA))
	assert.Equal(t, 1, w.Buffered(shardB))

	require.NoError(t, w.Write([]byte(`{"key":"a","n":3}`)))
	assert.Equal(t, 0, w.Buffered(shardA), "shard a should flush on reaching batch size")
	require.NoError(t, w.Write([]byte(`{"key":"b","n":4}`)))
	assert.Equal(t, 0, w.Buffered(shardB))

	st, err := w.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 4, st.TotalRows)
	assert.Equal(t, 2, st.NumShards)

	for _, ss := range st.Shards {
		assert.Contains(t, []int{shardA, shardB}, ss.Index)
		assert.EqualValues(t, 2, ss.Rows)
		assert.Equal(t, 1, ss.Flushes, "one flush per shard that reached the batch size")
		assert.Equal(t, ShardPath(st.OutDir, ss.Index), ss.Path)
		assert.Positive(t, ss.Bytes)

		pf := openShard(t, ss.Path)
		assert.EqualValues(t, 2, pf.NumRows())
		assert.Len(t, pf.RowGroups(), 1)
	}
}

func TestShardedWriterCloseFlushesPartialOnce(t *testing.T) {
	w := newTestWriter(t, 4, 10)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write([]byte(`{"key":"a"}`)))
	}
	shard := ShardOf([]byte("a"), 4)
	assert.Equal(t, 3, w.Buffered(shard))

	st, err := w.Close()
	require.NoError(t, err)
	require.Len(t, st.Shards, 1)
	assert.Equal(t, 1, st.Shards[0].Flushes)
	assert.EqualValues(t, 3, st.Shards[0].Rows)

	entries, err := os.ReadDir(st.OutDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fmt.Sprintf("part-%03d.parquet", shard), entries[0].Name())

	_, err = w.Close()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Write([]byte(`{"key":"a"}`)), ErrClosed)
}

func TestShardedWriterSameShardsAcrossRuns(t *testing.T) {
	placement := func() map[int]int64 {
		w := newTestWriter(t, 8, 3)
		for i := 0; i < 50; i++ {
			require.NoError(t, w.Write([]byte(fmt.Sprintf(`{"key":"k%d","n":%d}`, i%13, i))))
		}
		st, err := w.Close()
		require.NoError(t, err)
		out := map[int]int64{}
		for _, ss := range st.Shards {
			out[ss.Index] = ss.Rows
		}
		return out
	}
	assert.Equal(t, placement(), placement())
}

func TestShardedWriterConcurrentWrites(t *testing.T) {
	w := newTestWriter(t, 16, 7)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, w.Write([]byte(fmt.Sprintf(`{"key":"p%d-%d","n":%d}`, p, i, i))))
			}
		}(p)
	}
	wg.Wait()

	st, err := w.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 800, st.TotalRows)

	var sum int64
	for _, ss := range st.Shards {
		pf := openShard(t, ss.Path)
		assert.Equal(t, ss.Rows, pf.NumRows())
		sum += pf.NumRows()
	}
	assert.EqualValues(t, 800, sum)
}

func TestShardedWriterFatalErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		op   string
	}{
		{"missing key", `{"n": 1}`, "key"},
		{"invalid json", `{"key": `, "decode"},
		{"schema mismatch", `{"key": "a", "n": "one"}`, "materialize"},
		{"null required key", `{"key": null}`, "materialize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWriter(t, 4, 2)
			require.NoError(t, w.Write([]byte(`{"key":"a"}`)))

			err := w.Write([]byte(tt.line))
			var we *WriterError
			require.True(t, errors.As(err, &we), "got %v", err)
			assert.Equal(t, tt.op, we.Op)

			// Sticky: a good record after the failure is refused too.
			assert.Equal(t, err, w.Write([]byte(`{"key":"b"}`)))

			_, closeErr := w.Close()
			assert.ErrorIs(t, closeErr, err)
		})
	}
}

func TestShardedWriterMismatchWrapsSchemaError(t *testing.T) {
	w := newTestWriter(t, 4, 2)
	err := w.Write([]byte(`{"key": "a", "n": 1.5}`))
	assert.ErrorIs(t, err, schema.ErrMismatch)
	w.Close()
}

func TestNewShardedWriterRejects(t *testing.T) {
	dir := t.TempDir()

	_, err := NewShardedWriter(ShardedConfig{OutDir: dir, NumShards: 0, BatchRows: 1}, keySchema())
	assert.Error(t, err)

	_, err = NewShardedWriter(ShardedConfig{OutDir: dir, NumShards: 1, BatchRows: 0}, keySchema())
	assert.Error(t, err)

	_, err = NewShardedWriter(ShardedConfig{OutDir: dir, NumShards: 1, BatchRows: 1, Compression: "lzma"}, keySchema())
	assert.ErrorContains(t, err, "unknown compression")

	noKey := keySchema()
	noKey.Key = ""
	_, err = NewShardedWriter(ShardedConfig{OutDir: dir, NumShards: 1, BatchRows: 1}, noKey)
	assert.ErrorContains(t, err, "no key field")
}

func TestShardedWriterCompressionCodecs(t *testing.T) {
	for _, name := range []string{"zstd", "snappy", "gzip", "none"} {
		t.Run(name, func(t *testing.T) {
			w, err := NewShardedWriter(ShardedConfig{
				OutDir:      t.TempDir(),
				NumShards:   2,
				BatchRows:   4,
				Compression: name,
			}, keySchema())
			require.NoError(t, err)
			require.NoError(t, w.Write([]byte(`{"key":"x","n":7}`)))
			st, err := w.Close()
			require.NoError(t, err)
			require.Len(t, st.Shards, 1)
			assert.EqualValues(t, 1, openShard(t, st.Shards[0].Path).NumRows())
		})
	}
}

func TestShardedWriterNestedLists(t *testing.T) {
	s := &schema.Schema{
		Key: "key",
		Fields: []schema.Field{
			{Name: "key", Type: schema.DataType{Kind: schema.String}},
			{Name: "m", Type: schema.DataType{Kind: schema.List, Item: &schema.DataType{
				Kind: schema.List, Item: &schema.DataType{Kind: schema.Int},
			}}},
		},
	}
	w, err := NewShardedWriter(ShardedConfig{OutDir: t.TempDir(), NumShards: 1, BatchRows: 1}, s)
	require.NoError(t, err)

	require.NoError(t, w.Write([]byte(`{"key":"a","m":[[1,2],[3]]}`)))
	st, err := w.Close()
	require.NoError(t, err)
	require.Len(t, st.Shards, 1)

	vals := columnValues(t, st.Shards[0].Path, "m", "list", "element", "list", "element")
	require.Len(t, vals, 3)
	var got []int64
	var reps []int
	for _, v := range vals {
		got = append(got, v.Int64())
		reps = append(reps, v.RepetitionLevel())
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, []int{0, 2, 1}, reps)
}

func TestShardedWriterNullableListKeepsNull(t *testing.T) {
	s := &schema.Schema{
		Key: "key",
		Fields: []schema.Field{
			{Name: "key", Type: schema.DataType{Kind: schema.String}},
			{Name: "tags", Nullable: true, Type: schema.DataType{Kind: schema.List, Item: &schema.DataType{Kind: schema.String}}},
		},
	}
	w, err := NewShardedWriter(ShardedConfig{OutDir: t.TempDir(), NumShards: 1, BatchRows: 8}, s)
	require.NoError(t, err)

	require.NoError(t, w.Write([]byte(`{"key":"a","tags":null}`)))
	require.NoError(t, w.Write([]byte(`{"key":"a","tags":[]}`)))
	require.NoError(t, w.Write([]byte(`{"key":"a","tags":["x"]}`)))
	st, err := w.Close()
	require.NoError(t, err)

	path := st.Shards[0].Path
	assert.True(t, openShard(t, path).Schema().Fields()[1].Optional())

	vals := columnValues(t, path, "tags", "list", "element")
	require.Len(t, vals, 3)
	var defs []int
	for _, v := range vals {
		defs = append(defs, v.DefinitionLevel())
	}
	assert.Equal(t, []int{0, 1, 2}, defs, "null, empty and one-element lists stay distinct")
	assert.Equal(t, "x", vals[2].String())
}

func TestShardedWriterEncoderPanicIsWriterError(t *testing.T) {
	w := newTestWriter(t, 1, 8)

	// A row the Parquet schema cannot encode: n is an INT64 column.
	w.shards[0].buf = append(w.shards[0].buf, map[string]any{"key": "a", "n": []int64{1}})
	err := w.flushLocked(0)

	var we *WriterError
	require.True(t, errors.As(err, &we), "got %v", err)
	assert.Equal(t, "write", we.Op)
	assert.Equal(t, 0, we.Shard)
	assert.ErrorContains(t, err, "parquet:")
	w.Close()
}
