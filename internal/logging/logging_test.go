package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"INFO":     slog.LevelInfo,
		"warning":  slog.LevelWarn,
		"critical": slog.LevelError,
		"":         slog.LevelInfo,
		"bogus":    slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetupWriterJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(Config{Format: "json", Level: "warn"}, &buf)

	Component("sink").Info("dropped")
	RunLogger("r1", "types", "sharded").Warn("slow unit")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "slow unit", entry["msg"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, "types", entry["extractor"])
}

func TestUnitLoggerCorrelationID(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(Config{Format: "json"}, &buf)

	ctx := WithCorrelationID(context.Background(), "abc123")
	assert.Equal(t, "abc123", CorrelationID(ctx))
	assert.Empty(t, CorrelationID(context.Background()))

	UnitLogger(ctx, 3, "Mathlib.Data").Info("unit done")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "abc123", entry["correlation_id"])
	assert.EqualValues(t, 3, entry["unit_index"])
	assert.Equal(t, "Mathlib.Data", entry["unit"])
}

func TestGenerateCorrelationID(t *testing.T) {
	a, b := GenerateCorrelationID(), GenerateCorrelationID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
