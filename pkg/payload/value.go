package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a decoded, schema-less device payload.
// The zero Value is a JSON null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
	// keys keeps object members in document order so re-encoding is stable.
	keys []string
}

// NullValue returns a null Value.
func NullValue() Value { return Value{} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

// NumberValue wraps a float64.
func NumberValue(n float64) Value { return Value{kind: Number, n: n} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: String, s: s} }

// ArrayValue wraps a list of values.
func ArrayValue(items ...Value) Value {
	return Value{kind: Array, arr: append([]Value(nil), items...)}
}

// Member is a key/value pair used to build objects in a fixed order.
type Member struct {
	Key   string
	Value Value
}

// ObjectValue builds an object from members. Later duplicates replace earlier ones.
func ObjectValue(members ...Member) Value {
	v := Value{kind: Object, obj: make(map[string]Value, len(members))}
	for _, m := range members {
		v.set(m.Key, m.Value)
	}
	return v
}

func (v *Value) set(key string, val Value) {
	if _, exists := v.obj[key]; !exists {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = val
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == Null }
func (v Value) IsObject() bool { return v.kind == Object }

// Bool returns the boolean and whether v is a Bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == Bool }

// Number returns the number and whether v is a Number.
func (v Value) Number() (float64, bool) { return v.n, v.kind == Number }

// Str returns the string and whether v is a String.
func (v Value) Str() (string, bool) { return v.s, v.kind == String }

// Items returns array elements, or nil for non-arrays.
func (v Value) Items() []Value { return v.arr }

// Keys returns object keys in document order.
func (v Value) Keys() []string { return v.keys }

// Field returns the named member of an object.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Has reports whether an object member exists and is not null.
func (v Value) Has(name string) bool {
	f, ok := v.Field(name)
	return ok && !f.IsNull()
}

// Truthy reports whether a value counts as set for a marker field: true,
// a non-zero number, a non-empty string, or a non-empty array or object.
func (v Value) Truthy() bool {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return v.n != 0 && !math.IsNaN(v.n)
	case String:
		return v.s != ""
	case Array:
		return len(v.arr) > 0
	case Object:
		return len(v.keys) > 0
	}
	return false
}

// FieldString returns the named member when it is a string.
func (v Value) FieldString(name string) (string, bool) {
	f, ok := v.Field(name)
	if !ok {
		return "", false
	}
	return f.Str()
}

// Text renders scalars the way they appear in a payload, for identifiers and notes.
func (v Value) Text() string {
	switch v.kind {
	case String:
		return v.s
	case Number:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case Bool:
		return strconv.FormatBool(v.b)
	case Null:
		return "null"
	}
	raw, _ := v.MarshalJSON()
	return string(raw)
}

// Interface converts v to plain Go values (map[string]any, []any, float64, ...).
func (v Value) Interface() any {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return v.n
	case String:
		return v.s
	case Array:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}

// ErrEmptyDocument is returned when there is nothing to decode.
var ErrEmptyDocument = errors.New("empty payload document")

// Decode parses a JSON document into a Value. Trailing data after the first
// document is rejected.
func Decode(data []byte) (Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Value{}, ErrEmptyDocument
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errors.New("unexpected data after JSON document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		n, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return NumberValue(n), nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '[':
			arr := Value{kind: Array, arr: []Value{}}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr.arr = append(arr.arr, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return arr, nil
		case '{':
			obj := Value{kind: Object, obj: map[string]Value{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is %T, not string", keyTok)
				}
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj.set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return obj, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// MarshalJSON implements json.Marshaler. Object members keep document order;
// members added without order information are sorted.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(strconv.FormatFloat(v.n, 'f', -1, 64))
	case String:
		raw, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(raw)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		keys := v.keys
		if len(keys) != len(v.obj) {
			keys = make([]string, 0, len(v.obj))
			for k := range v.obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
		}
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			raw, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(raw)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}
