package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindText
	KindNumber
	KindBool
)

// Value is a loosely-typed attribute value: null, text, number, or boolean.
// The zero Value is null.
type Value struct {
	Kind ValueKind
	Text string
	Num  float64
	Bool bool
}

func Null() Value            { return Value{} }
func Text(s string) Value    { return Value{Kind: KindText, Text: s} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func Boolean(b bool) Value   { return Value{Kind: KindBool, Bool: b} }

// FromAny converts a decoded JSON value into a Value. Unsupported shapes
// (objects, arrays) degrade to their JSON text rather than failing, so one
// malformed attribute never aborts a pass.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case string:
		return Text(t)
	case float64:
		return Number(t)
	case bool:
		return Boolean(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Text(t.String())
		}
		return Number(n)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Null()
		}
		return Text(string(b))
	}
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsNullish reports whether the value is null-equivalent for validation:
// null itself, or text that is empty or whitespace-only. Zero numbers and
// false booleans are real values.
func (v Value) IsNullish() bool {
	if v.Kind == KindNull {
		return true
	}
	return v.Kind == KindText && strings.TrimSpace(v.Text) == ""
}

// Key returns a type-tagged comparison key. Values of different kinds never
// collide: the number 1 and the text "1" have distinct keys.
func (v Value) Key() string {
	switch v.Kind {
	case KindText:
		return "t:" + v.Text
	case KindNumber:
		return "n:" + strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return "b:" + strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// String renders the value for reports. Null renders as the empty string.
func (v Value) String() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// MarshalJSON emits the native JSON form of the value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindText:
		return json.Marshal(v.Text)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts any scalar JSON value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}
