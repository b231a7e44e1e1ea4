package schema

import (
	"slices"
	"strconv"
	"strings"
)

// FieldType is the declared type of a field.
type FieldType int

// Field types. Lists model multi-valued directory attributes.
const (
	TypeString FieldType = iota + 1
	TypeInt
	TypeBool
	TypeList
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is a typed field value. Only the payload matching Type is
// meaningful; construct values with the typed helpers below.
type Value struct {
	Type FieldType

	str  string
	num  int64
	flag bool
	list []string
}

// StringValue returns a string-typed value.
func StringValue(s string) Value { return Value{Type: TypeString, str: s} }

// IntValue returns an int-typed value.
func IntValue(n int64) Value { return Value{Type: TypeInt, num: n} }

// BoolValue returns a bool-typed value.
func BoolValue(b bool) Value { return Value{Type: TypeBool, flag: b} }

// ListValue returns a list-typed value holding a copy of items.
func ListValue(items ...string) Value {
	return Value{Type: TypeList, list: slices.Clone(items)}
}

// IsZero reports whether v was never assigned.
func (v Value) IsZero() bool { return v.Type == 0 }

// Str returns the string payload.
func (v Value) Str() string { return v.str }

// Int returns the int payload.
func (v Value) Int() int64 { return v.num }

// Bool returns the bool payload.
func (v Value) Bool() bool { return v.flag }

// List returns a copy of the list payload.
func (v Value) List() []string { return slices.Clone(v.list) }

// Equal compares two values. Lists compare as sets because directory
// attribute values are unordered.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}

	switch v.Type {
	case TypeString:
		return v.str == o.str
	case TypeInt:
		return v.num == o.num
	case TypeBool:
		return v.flag == o.flag
	case TypeList:
		a := slices.Clone(v.list)
		b := slices.Clone(o.list)
		slices.Sort(a)
		slices.Sort(b)

		return slices.Equal(slices.Compact(a), slices.Compact(b))
	default:
		return true
	}
}

// String renders the value the way it would be written into a directory
// attribute: lists are comma separated.
func (v Value) String() string {
	switch v.Type {
	case TypeString:
		return v.str
	case TypeInt:
		return strconv.FormatInt(v.num, 10)
	case TypeBool:
		return strconv.FormatBool(v.flag)
	case TypeList:
		return strings.Join(v.list, ",")
	default:
		return ""
	}
}

// Interface returns the value as a plain Go value suitable for JSON or YAML
// encoding.
func (v Value) Interface() any {
	switch v.Type {
	case TypeString:
		return v.str
	case TypeInt:
		return v.num
	case TypeBool:
		return v.flag
	case TypeList:
		out := make([]string, len(v.list))
		copy(out, v.list)

		return out
	default:
		return nil
	}
}

// CloneFields returns a shallow copy of a field map. Values are immutable
// once built so a shallow copy is sufficient.
func CloneFields(fields map[string]Value) map[string]Value {
	out := make(map[string]Value, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	return out
}
