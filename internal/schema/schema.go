// Package schema describes the shape of the records an extractor emits and
// converts it to and from the JSON form exchanged with worker processes.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind is a primitive or nested column type.
type Kind string

const (
	Bool   Kind = "bool"
	Nat    Kind = "nat" // unsigned 64-bit integer
	Int    Kind = "int"
	Float  Kind = "float"
	String Kind = "string"
	List   Kind = "list"
	Struct Kind = "struct"
)

// DataType is a column type. Item is set for lists, Children for structs.
type DataType struct {
	Kind     Kind
	Item     *DataType
	Children []Field
}

// Field is a named, possibly nullable column.
type Field struct {
	Name     string
	Type     DataType
	Nullable bool
}

// Schema is the field list of one extractor plus its shard key.
type Schema struct {
	Fields []Field
	Key    string
}

// ErrInvalidSchema is returned for schema documents that cannot be used.
var ErrInvalidSchema = errors.New("invalid schema")

// Field returns the top-level field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks names, nested types and the shard key.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	if err := validateFields(s.Fields, ""); err != nil {
		return err
	}
	if s.Key != "" {
		if _, ok := s.Field(s.Key); !ok {
			return fmt.Errorf("%w: key field %q is not a top-level field", ErrInvalidSchema, s.Key)
		}
	}
	return nil
}

func validateFields(fields []Field, prefix string) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		path := prefix + f.Name
		if f.Name == "" {
			return fmt.Errorf("%w: empty field name under %q", ErrInvalidSchema, prefix)
		}
		if strings.ContainsAny(f.Name, ",\"`") {
			return fmt.Errorf("%w: field name %q contains a reserved character", ErrInvalidSchema, path)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, path)
		}
		seen[f.Name] = true
		if err := validateType(&f.Type, path); err != nil {
			return err
		}
	}
	return nil
}

func validateType(t *DataType, path string) error {
	switch t.Kind {
	case Bool, Nat, Int, Float, String:
		return nil
	case List:
		if t.Item == nil {
			return fmt.Errorf("%w: list %q has no item type", ErrInvalidSchema, path)
		}
		return validateType(t.Item, path+"[]")
	case Struct:
		if len(t.Children) == 0 {
			return fmt.Errorf("%w: struct %q has no children", ErrInvalidSchema, path)
		}
		return validateFields(t.Children, path+".")
	default:
		return fmt.Errorf("%w: unknown datatype %q for %q", ErrInvalidSchema, t.Kind, path)
	}
}

// Wire form, shared with the worker processes.

type schemaJSON struct {
	Fields []fieldJSON `json:"fields"`
	Key    string      `json:"key,omitempty"`
}

type fieldJSON struct {
	Name     string   `json:"name"`
	Nullable *bool    `json:"nullable,omitempty"`
	Type     typeJSON `json:"type"`
}

type typeJSON struct {
	Datatype string      `json:"datatype"`
	Item     *typeJSON   `json:"item,omitempty"`
	Children []fieldJSON `json:"children,omitempty"`
}

// MarshalJSON encodes the schema in its wire form.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(schemaJSON{
		Fields: fieldsToJSON(s.Fields),
		Key:    s.Key,
	})
}

// UnmarshalJSON decodes the wire form. A missing "nullable" means nullable.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var sj schemaJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	fields, err := fieldsFromJSON(sj.Fields)
	if err != nil {
		return err
	}
	s.Fields = fields
	s.Key = sj.Key
	return nil
}

func fieldsToJSON(fields []Field) []fieldJSON {
	out := make([]fieldJSON, len(fields))
	for i, f := range fields {
		nullable := f.Nullable
		out[i] = fieldJSON{
			Name:     f.Name,
			Nullable: &nullable,
			Type:     typeToJSON(f.Type),
		}
	}
	return out
}

func typeToJSON(t DataType) typeJSON {
	tj := typeJSON{Datatype: string(t.Kind)}
	if t.Item != nil {
		item := typeToJSON(*t.Item)
		tj.Item = &item
	}
	if len(t.Children) > 0 {
		tj.Children = fieldsToJSON(t.Children)
	}
	return tj
}

func fieldsFromJSON(in []fieldJSON) ([]Field, error) {
	out := make([]Field, 0, len(in))
	for _, fj := range in {
		t, err := typeFromJSON(fj.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fj.Name, err)
		}
		nullable := true
		if fj.Nullable != nil {
			nullable = *fj.Nullable
		}
		out = append(out, Field{Name: fj.Name, Type: t, Nullable: nullable})
	}
	return out, nil
}

func typeFromJSON(tj typeJSON) (DataType, error) {
	t := DataType{Kind: Kind(tj.Datatype)}
	switch t.Kind {
	case Bool, Nat, Int, Float, String:
	case List:
		if tj.Item == nil {
			return t, fmt.Errorf("%w: list type without item", ErrInvalidSchema)
		}
		item, err := typeFromJSON(*tj.Item)
		if err != nil {
			return t, err
		}
		t.Item = &item
	case Struct:
		children, err := fieldsFromJSON(tj.Children)
		if err != nil {
			return t, err
		}
		t.Children = children
	default:
		return t, fmt.Errorf("%w: unknown datatype %q", ErrInvalidSchema, tj.Datatype)
	}
	return t, nil
}

// Parse decodes and validates a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a schema from an inline JSON string, or from a file when the
// string is empty.
func Load(inline, path string) (*Schema, error) {
	switch {
	case inline != "":
		return Parse([]byte(inline))
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema file: %w", err)
		}
		return Parse(data)
	default:
		return nil, errors.New("either a schema or a schema file must be provided")
	}
}

// Fingerprint returns a stable digest of the wire form.
func (s *Schema) Fingerprint() string {
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
