package sink

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardOfKnownValues(t *testing.T) {
	// Values produced by an 8-byte BLAKE2b over the same key bytes.
	tests := []struct {
		key    string
		shards int
		want   int
	}{
		{"a", 4, 3},
		{"b", 4, 1},
		{"a", 128, 47},
		{"b", 128, 117},
		{"simp", 128, 125},
		{"Nat.add_comm", 128, 65},
		{"42", 128, 122},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShardOf([]byte(tt.key), tt.shards), "key %q mod %d", tt.key, tt.shards)
	}
}

func TestShardOfRangeAndDeterminism(t *testing.T) {
	for _, k := range []int{1, 2, 7, 128, 999} {
		for i := 0; i < 500; i++ {
			key := []byte(fmt.Sprintf("decl-%d", i))
			got := ShardOf(key, k)
			assert.GreaterOrEqual(t, got, 0)
			assert.Less(t, got, k)
			assert.Equal(t, got, ShardOf(key, k))
		}
	}
}

func TestKeyBytes(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string is raw", "Nat.succ", "Nat.succ"},
		{"string with quotes is raw", `a"b`, `a"b`},
		{"number", json.Number("42"), "42"},
		{"exponent kept literal", json.Number("1e5"), "1e5"},
		{"trailing zero kept literal", json.Number("1.50"), "1.50"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"list", []any{json.Number("1"), "x"}, `[1, "x"]`},
		{
			"object sorted with escapes",
			map[string]any{"b": json.Number("1"), "a": []any{true, nil, "é😀"}},
			`{"a": [true, null, "\u00e9\ud83d\ude00"], "b": 1}`,
		},
		{"control chars", []any{"a\tb\x01\x7f"}, `["a\tb\u0001\u007f"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(KeyBytes(tt.in)))
		})
	}
}

func TestNonStringKeyShard(t *testing.T) {
	key := map[string]any{"b": json.Number("1"), "a": []any{true, nil, "é😀"}}
	assert.Equal(t, 13, ShardOf(KeyBytes(key), 128))
}
