package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/encoding"
)

// ErrMismatch is wrapped by every error caused by a record that does not
// conform to the declared schema.
var ErrMismatch = errors.New("record does not match schema")

// RowType is the Parquet form of a Schema. Records are materialised into
// map rows keyed by field name, which the Parquet schema deconstructs.
type RowType struct {
	schema *Schema
	pq     *parquet.Schema
}

// NewRowType builds the Parquet representation of s.
func NewRowType(s *Schema) (*RowType, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &RowType{
		schema: s,
		pq:     parquet.NewSchema("record", groupOf(s.Fields)),
	}, nil
}

// Parquet returns the Parquet schema shard files are written with.
func (rt *RowType) Parquet() *parquet.Schema {
	return rt.pq
}

// Schema returns the schema the row type was built from.
func (rt *RowType) Schema() *Schema {
	return rt.schema
}

// nodeOf maps a column type to a Parquet node. List items are required.
func nodeOf(t *DataType) parquet.Node {
	switch t.Kind {
	case Bool:
		return parquet.Leaf(parquet.BooleanType)
	case Nat:
		return parquet.Uint(64)
	case Int:
		return parquet.Int(64)
	case Float:
		return parquet.Leaf(parquet.DoubleType)
	case String:
		return parquet.String()
	case List:
		return parquet.List(nodeOf(t.Item))
	case Struct:
		return groupOf(t.Children)
	default:
		panic(fmt.Sprintf("schema: unvalidated datatype %q", t.Kind))
	}
}

func groupOf(fields []Field) *group {
	g := &group{fields: make([]parquet.Field, len(fields))}
	for i, f := range fields {
		n := nodeOf(&f.Type)
		if f.Nullable {
			n = parquet.Optional(n)
		}
		g.fields[i] = &groupField{Node: n, name: f.Name}
	}
	return g
}

// group is a Parquet group node that keeps the declared field order.
// parquet.Group sorts its fields by name.
type group struct {
	fields []parquet.Field
}

func (g *group) ID() int { return 0 }
func (g *group) Type() parquet.Type { return parquet.Group{}.Type() }
func (g *group) Optional() bool { return false }
func (g *group) Repeated() bool { return false }
func (g *group) Required() bool { return true }
func (g *group) Leaf() bool { return false }
func (g *group) Fields() []parquet.Field { return g.fields }
func (g *group) Encoding() encoding.Encoding { return nil }
func (g *group) Compression() compress.Codec { return nil }
func (g *group) GoType() reflect.Type { return reflect.TypeOf(map[string]any(nil)) }

func (g *group) String() string {
	var b strings.Builder
	_ = parquet.PrintSchema(&b, "", g)
	return b.String()
}

type groupField struct {
	parquet.Node
	name string
}

func (f *groupField) Name() string { return f.name }

// Value looks the field up in a map row. A missing member yields the zero
// Value, which parquet-go writes as null.
func (f *groupField) Value(base reflect.Value) reflect.Value {
	if base.Kind() == reflect.Interface {
		if base.IsNil() {
			return reflect.Value{}
		}
		base = base.Elem()
	}
	if base.Kind() != reflect.Map {
		return reflect.Value{}
	}
	return base.MapIndex(reflect.ValueOf(f.name))
}

// DecodeRecord parses one JSON record. Numbers are kept as json.Number so
// integers survive without float rounding.
func DecodeRecord(line []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON record: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid JSON record: trailing data")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: record is %s, not an object", ErrMismatch, jsonKind(v))
	}
	return obj, nil
}

// Materialize converts a decoded record into a row, checking types and
// nullability on the way. Unknown members are ignored. A null or missing
// nullable field is left out of the row and written as null.
func (rt *RowType) Materialize(obj map[string]any) (map[string]any, error) {
	return rowOf(obj, rt.schema.Fields, "")
}

func rowOf(obj map[string]any, fields []Field, prefix string) (map[string]any, error) {
	row := make(map[string]any, len(fields))
	for i := range fields {
		f := &fields[i]
		path := prefix + f.Name
		raw := obj[f.Name]
		if raw == nil {
			if !f.Nullable {
				return nil, notNullable(path)
			}
			continue
		}
		v, err := valueOf(raw, &f.Type, path)
		if err != nil {
			return nil, err
		}
		row[f.Name] = v
	}
	return row, nil
}

func valueOf(raw any, t *DataType, path string) (any, error) {
	switch t.Kind {
	case Bool:
		b, ok := raw.(bool)
		if !ok {
			return nil, mismatch(path, t.Kind, raw)
		}
		return b, nil

	case Nat:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, mismatch(path, t.Kind, raw)
		}
		u, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %s is not an unsigned 64-bit integer", ErrMismatch, path, n)
		}
		return u, nil

	case Int:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, mismatch(path, t.Kind, raw)
		}
		v, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %s is not a 64-bit integer", ErrMismatch, path, n)
		}
		return v, nil

	case Float:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, mismatch(path, t.Kind, raw)
		}
		v, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %s is not a float", ErrMismatch, path, n)
		}
		return v, nil

	case String:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch(path, t.Kind, raw)
		}
		return s, nil

	case List:
		items, ok := raw.([]any)
		if !ok {
			return nil, mismatch(path, t.Kind, raw)
		}
		out := make([]any, len(items))
		for i, item := range items {
			p := fmt.Sprintf("%s[%d]", path, i)
			if item == nil {
				return nil, notNullable(p)
			}
			v, err := valueOf(item, t.Item, p)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case Struct:
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, mismatch(path, t.Kind, raw)
		}
		return rowOf(obj, t.Children, path+".")
	}
	return nil, fmt.Errorf("%w: field %s has unknown datatype %q", ErrMismatch, path, t.Kind)
}

func notNullable(path string) error {
	return fmt.Errorf("%w: field %s is not nullable but is null or missing", ErrMismatch, path)
}

func mismatch(path string, want Kind, got any) error {
	return fmt.Errorf("%w: field %s: expected %s, got %s", ErrMismatch, path, want, jsonKind(got))
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
