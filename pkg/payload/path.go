package payload

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// ErrPathNotFound is returned when a dot-path does not resolve to a value.
	ErrPathNotFound = errors.New("path not found")
	// ErrNotNumeric is returned when a value cannot be coerced to a number.
	ErrNotNumeric = errors.New("value is not numeric")
)

// Lookup walks a dot-separated path such as "batt.v" through nested objects.
// Numeric segments index into arrays ("readings.0.value"). A null leaf counts
// as not found.
func (v Value) Lookup(path string) (Value, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Value{}, false
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case Object:
			next, ok := cur.obj[seg]
			if !ok {
				return Value{}, false
			}
			cur = next
		case Array:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.arr) {
				return Value{}, false
			}
			cur = cur.arr[idx]
		default:
			return Value{}, false
		}
	}
	if cur.IsNull() {
		return Value{}, false
	}
	return cur, true
}

// ToNumber coerces a scalar to float64: finite numbers pass through, numeric
// strings are parsed and booleans map to 1 and 0.
func ToNumber(v Value) (float64, error) {
	switch v.kind {
	case Number:
		if math.IsNaN(v.n) {
			return 0, fmt.Errorf("%w: NaN", ErrNotNumeric)
		}
		return v.n, nil
	case String:
		s := strings.TrimSpace(v.s)
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(n) {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, v.s)
		}
		return n, nil
	case Bool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNotNumeric, v.kind)
}

// NonJSONEnvelope wraps bytes that failed to decode so they can still be stored.
func NonJSONEnvelope(raw []byte) Value {
	text := string(raw)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return ObjectValue(
		Member{Key: "raw", Value: StringValue(text)},
		Member{Key: "type", Value: StringValue("non-json")},
	)
}

// DecodeOrWrap decodes JSON and falls back to NonJSONEnvelope. The boolean
// reports whether the bytes were valid JSON.
func DecodeOrWrap(raw []byte) (Value, bool) {
	v, err := Decode(raw)
	if err != nil {
		return NonJSONEnvelope(raw), false
	}
	return v, true
}
