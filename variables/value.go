// Package variables holds workflow variables and captured values and expands
// ${...} placeholders against them.
package variables

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/forge/internal/xjson"
)

// Kind tags the type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
	// KindJSON is an unparsed JSON document; it is decoded on navigation.
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindJSON:
		return "json"
	default:
		return "null"
	}
}

// Value is a captured value. The zero Value is null. Internally the payload is
// one of nil, string, float64, bool, []any, map[string]any or xjson.RawMessage.
type Value struct {
	v any
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{v: s} }
func Number(f float64) Value { return Value{v: f} }
func Bool(b bool) Value { return Value{v: b} }
func JSON(raw []byte) Value { return Value{v: xjson.RawMessage(bytes.Clone(raw))} }
func Array(items ...any) Value { return FromAny(items) }
func Object(m map[string]any) Value { return FromAny(m) }

// FromAny normalizes a Go value into the JSON data model. Integers become
// float64, typed slices become []any and typed maps become map[string]any.
func FromAny(x any) Value {
	return Value{v: normalize(x)}
}

func normalize(x any) any {
	switch t := x.(type) {
	case nil:
		return nil
	case Value:
		return t.v
	case string, bool, float64:
		return t
	case xjson.RawMessage:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = normalize(iter.Value().Interface())
			}
			return out
		}
	case reflect.Int, reflect.Int8, reflect.Int16:
		return float64(rv.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return float64(rv.Uint())
	}
	// Fall back to a JSON round trip for structs.
	data, err := xjson.Marshal(x)
	if err != nil {
		return fmt.Sprint(x)
	}
	var out any
	if err := xjson.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

// Kind reports the type of the value.
func (v Value) Kind() Kind {
	switch v.v.(type) {
	case string:
		return KindString
	case float64:
		return KindNumber
	case bool:
		return KindBool
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	case xjson.RawMessage:
		return KindJSON
	default:
		return KindNull
	}
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.v == nil
}

// Any returns the payload with JSON blobs decoded.
func (v Value) Any() any {
	return decoded(v.v)
}

func decoded(x any) any {
	if raw, ok := x.(xjson.RawMessage); ok {
		var out any
		if err := xjson.Unmarshal(raw, &out); err != nil {
			return string(raw)
		}
		return out
	}
	return x
}

// Render converts the value to its default textual form: strings verbatim,
// integral numbers without a fraction, arrays space-joined, objects as JSON.
func (v Value) Render() string {
	return render(v.v)
}

func (v Value) String() string {
	return v.Render()
}

func render(x any) string {
	switch t := x.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return FormatNumber(t)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		return strings.Join(renderItems(t), " ")
	case xjson.RawMessage:
		return strings.TrimSpace(string(t))
	default:
		data, err := xjson.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func renderItems(items []any) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = render(item)
	}
	return out
}

// FormatNumber renders integral floats without a decimal point.
func FormatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Strings returns the value as a list of strings: arrays element-wise, null
// as empty, anything else as a single rendered element.
func (v Value) Strings() []string {
	switch t := decoded(v.v).(type) {
	case nil:
		return nil
	case []any:
		return renderItems(t)
	default:
		return []string{render(t)}
	}
}

// MarshalJSON encodes the payload. JSON blobs are emitted verbatim and decode
// back as structured values.
func (v Value) MarshalJSON() ([]byte, error) {
	if raw, ok := v.v.(xjson.RawMessage); ok && xjson.Valid(raw) {
		return raw, nil
	}
	return xjson.Marshal(v.v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := xjson.Unmarshal(data, &x); err != nil {
		return err
	}
	v.v = x
	return nil
}

// Equal reports deep equality of the decoded payloads.
func (v Value) Equal(other Value) bool {
	return reflect.DeepEqual(v.Any(), other.Any())
}

// ParseValue infers a Value from command output text: JSON documents decode
// to their structure, numbers and booleans to scalars, anything else to a string.
func ParseValue(text string) Value {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return String(text)
	}
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && xjson.Valid([]byte(trimmed)) {
		var out any
		if err := xjson.Unmarshal([]byte(trimmed), &out); err == nil {
			return Value{v: out}
		}
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return Number(f)
	}
	if b, err := strconv.ParseBool(trimmed); err == nil && (trimmed == "true" || trimmed == "false") {
		return Bool(b)
	}
	return String(text)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
