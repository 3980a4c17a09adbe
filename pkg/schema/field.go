package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// FieldType is the storage type of a scalar field.
type FieldType int

// Scalar field types.
const (
	TypeString FieldType = iota + 1
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeBytes
)

var fieldTypeNames = map[FieldType]string{
	TypeString: "string",
	TypeInt:    "int",
	TypeFloat:  "float",
	TypeBool:   "bool",
	TypeTime:   "time",
	TypeBytes:  "bytes",
}

func (t FieldType) String() string {
	if n, ok := fieldTypeNames[t]; ok {
		return n
	}
	return "invalid"
}

// Field describes one scalar column of an entity.
type Field struct {
	Name       string
	Column     string // defaults to Name
	Type       FieldType
	Nullable   bool
	PrimaryKey bool
	// Generated keys are assigned on persist (string keys, UUID v7) or by the
	// backing store on insert (integer keys).
	Generated bool
}

// ColumnName returns the storage column for the field.
func (f Field) ColumnName() string {
	if f.Column != "" {
		return f.Column
	}
	return f.Name
}

// Decode converts a value read back from a store into the canonical
// representation. It accepts the encodings drivers and JSON decoders use on
// top of what Coerce takes: []byte for text, integers for booleans and
// json.Number for numbers.
func (f Field) Decode(v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		if f.Type == TypeString || f.Type == TypeTime {
			v = string(x)
		}
	case int64:
		if f.Type == TypeBool {
			v = x != 0
		}
	case json.Number:
		if f.Type == TypeFloat {
			n, err := x.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", types.ErrTypeMismatch, f.Name, err)
			}
			v = n
		} else {
			n, err := x.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", types.ErrTypeMismatch, f.Name, err)
			}
			v = n
		}
	}
	return f.Coerce(v)
}

// Coerce checks v against the field type and returns the canonical Go
// representation: int64 for TypeInt, float64 for TypeFloat, time.Time for
// TypeTime. A nil value is accepted only for nullable fields.
func (f Field) Coerce(v any) (any, error) {
	if v == nil {
		if f.Nullable || (f.PrimaryKey && f.Generated) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s is not nullable", types.ErrInvalidValue, f.Name)
	}
	switch f.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := types.NormalizeID(v).(type) {
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeTime:
		switch tv := v.(type) {
		case time.Time:
			return tv, nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, tv)
			if err == nil {
				return parsed, nil
			}
		}
	case TypeBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	}
	return nil, fmt.Errorf("%w: %s expects %s, got %T", types.ErrTypeMismatch, f.Name, f.Type, v)
}
