package sink

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/crypto/blake2b"
)

// ShardOf maps key bytes to a shard in [0, numShards) using an 8-byte
// BLAKE2b digest read as a big-endian integer.
func ShardOf(key []byte, numShards int) int {
	h, _ := blake2b.New(8, nil) // cannot fail for size 8 without a key
	h.Write(key)
	return int(binary.BigEndian.Uint64(h.Sum(nil)) % uint64(numShards))
}

// KeyBytes returns the bytes hashed for a key value. Strings hash as their
// UTF-8 bytes; any other value hashes as its canonical JSON text.
//
// Numbers keep the literal text the worker emitted (1e5 and 100000.0 hash
// differently). Placement is stable for a given worker output, but numeric
// keys are not guaranteed to land where a producer that re-serialises
// floats would put them. String keys have no such caveat.
func KeyBytes(v any) []byte {
	if s, ok := v.(string); ok {
		return []byte(s)
	}
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

// writeCanonical renders v with sorted object keys, ", " and ": "
// separators and every non-printable-ASCII rune escaped as \uXXXX.
func writeCanonical(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case json.Number:
		buf.WriteString(x.String())
	case float64:
		buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		writeString(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k)
			buf.WriteString(": ")
			writeCanonical(buf, x[k])
		}
		buf.WriteByte('}')
	default:
		fmt.Fprintf(buf, "%v", x)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteRune(r)
			case r > 0xffff:
				r1, r2 := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, r1, r2)
			default:
				fmt.Fprintf(buf, `\u%04x`, r)
			}
		}
	}
	buf.WriteByte('"')
}
