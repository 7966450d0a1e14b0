package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
)

// Well-known metadata keys used by hierarchy queries.
const (
	MetaDivisionID   = "division_id"
	MetaDepartmentID = "department_id"
)

// ValueKind identifies which variant a Value holds.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a metadata variant: string, integer, float, bool or a list of strings.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	b    bool
	list []string
}

func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func List(items ...string) Value { return Value{kind: KindList, list: slices.Clone(items)} }

// Kind returns the held variant.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string form when v holds a string.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Int64 returns the integer when v holds an int.
func (v Value) Int64() (int64, bool) { return v.i, v.kind == KindInt }

// Float64 returns the number when v holds an int or a float.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// Boolean returns the bool when v holds a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Strings returns a copy of the list when v holds a list.
func (v Value) Strings() ([]string, bool) { return slices.Clone(v.list), v.kind == KindList }

// Text renders any variant as plain text, used for indexing and display.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		var buf bytes.Buffer
		for i, s := range v.list {
			if i > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(s)
		}
		return buf.String()
	}
	return ""
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindList:
		return slices.Equal(v.list, o.list)
	}
	return true
}

// ValueOf converts a decoded YAML/TOML/JSON scalar or list into a Value.
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case int32:
		return Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: integer %d overflows", ErrInvalidArgument, x)
		}
		return Int(int64(x)), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return Int(int64(x)), nil
		}
		return Float(x), nil
	case float32:
		return ValueOf(float64(x))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: bad number %q", ErrInvalidArgument, x)
		}
		return Float(f), nil
	case []string:
		return List(x...), nil
	case []any:
		items := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("%w: list metadata values must be strings, got %T", ErrInvalidArgument, item)
			}
			items = append(items, s)
		}
		return List(items...), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported metadata value type %T", ErrInvalidArgument, raw)
}

// MarshalJSON encodes the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes any JSON scalar or string array.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// Metadata is the open key/value bag attached to an entity.
type Metadata map[string]Value

// MetadataFrom converts a decoded map into Metadata.
func MetadataFrom(raw map[string]any) (Metadata, error) {
	if len(raw) == 0 {
		return Metadata{}, nil
	}
	md := make(Metadata, len(raw))
	for k, r := range raw {
		v, err := ValueOf(r)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		md[k] = v
	}
	return md, nil
}

// Get returns the value stored under key.
func (m Metadata) Get(key string) (Value, bool) {
	v, ok := m[key]
	return v, ok
}

// GetString returns the text of a string value, or "" when absent.
func (m Metadata) GetString(key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.Str(); ok {
			return s
		}
	}
	return ""
}

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if v.kind == KindList {
			v.list = slices.Clone(v.list)
		}
		out[k] = v
	}
	return out
}

// Merge applies patch on top of m. A null value in patch removes the key.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	for k, v := range patch {
		if v.kind == KindNull {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Equal compares two metadata maps.
func (m Metadata) Equal(o Metadata) bool {
	return maps.EqualFunc(m, o, Value.Equal)
}
