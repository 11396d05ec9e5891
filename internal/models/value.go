// Package models defines the core data structures for SurveyPipe.
//
// It includes the event/session value types recorded by the host, the declarative
// survey rule set, and the persisted gating and scheduling records shared across modules.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind identifies which variant an EventValue holds.
type ValueKind string

const (
	ValueKindString ValueKind = "string"
	ValueKindInt    ValueKind = "int"
	ValueKindDouble ValueKind = "double"
	ValueKindBool   ValueKind = "bool"
)

// EventValue is an immutable tagged union over string, integer, double and boolean.
// The zero value is the empty string.
type EventValue struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	b    bool
}

// StringValue returns a string EventValue.
func StringValue(s string) EventValue { return EventValue{kind: ValueKindString, s: s} }

// IntValue returns an integer EventValue.
func IntValue(i int64) EventValue { return EventValue{kind: ValueKindInt, i: i} }

// DoubleValue returns a double EventValue.
func DoubleValue(f float64) EventValue { return EventValue{kind: ValueKindDouble, f: f} }

// BoolValue returns a boolean EventValue.
func BoolValue(b bool) EventValue { return EventValue{kind: ValueKindBool, b: b} }

// Kind reports the variant held by v.
func (v EventValue) Kind() ValueKind {
	if v.kind == "" {
		return ValueKindString
	}
	return v.kind
}

// AsString returns the string payload and whether v is a string.
func (v EventValue) AsString() (string, bool) {
	return v.s, v.Kind() == ValueKindString
}

// AsInt returns the integer payload and whether v is an integer.
func (v EventValue) AsInt() (int64, bool) {
	return v.i, v.kind == ValueKindInt
}

// AsDouble returns the double payload and whether v is a double.
func (v EventValue) AsDouble() (float64, bool) {
	return v.f, v.kind == ValueKindDouble
}

// AsBool returns the boolean payload and whether v is a boolean.
func (v EventValue) AsBool() (bool, bool) {
	return v.b, v.kind == ValueKindBool
}

// Number coerces integer and double values to float64.
// ok is false for strings and booleans.
func (v EventValue) Number() (float64, bool) {
	switch v.kind {
	case ValueKindInt:
		return float64(v.i), true
	case ValueKindDouble:
		return v.f, true
	default:
		return 0, false
	}
}

// IsNumeric reports whether v is an integer or a double.
func (v EventValue) IsNumeric() bool {
	_, ok := v.Number()
	return ok
}

// Equal reports structural equality: same variant and same payload.
func (v EventValue) Equal(o EventValue) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case ValueKindInt:
		return v.i == o.i
	case ValueKindDouble:
		return v.f == o.f
	case ValueKindBool:
		return v.b == o.b
	default:
		return v.s == o.s
	}
}

// NumericEqual compares like Equal but treats integers and doubles as numbers,
// so IntValue(3) and DoubleValue(3.0) are equal.
func (v EventValue) NumericEqual(o EventValue) bool {
	a, aok := v.Number()
	b, bok := o.Number()
	if aok && bok {
		return a == b
	}
	return v.Equal(o)
}

// GoString renders the value for logs and test failures.
func (v EventValue) GoString() string {
	switch v.Kind() {
	case ValueKindInt:
		return "int(" + strconv.FormatInt(v.i, 10) + ")"
	case ValueKindDouble:
		return "double(" + strconv.FormatFloat(v.f, 'g', -1, 64) + ")"
	case ValueKindBool:
		return "bool(" + strconv.FormatBool(v.b) + ")"
	default:
		return "string(" + strconv.Quote(v.s) + ")"
	}
}

// MarshalJSON writes the value as a bare JSON scalar. Integral doubles keep a
// trailing ".0" so they decode back as doubles.
func (v EventValue) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case ValueKindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case ValueKindDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("event value: unsupported double %v", v.f)
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case ValueKindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	default:
		return json.Marshal(v.s)
	}
}

// taggedValue is the explicit {"type": ..., "value": ...} input form.
type taggedValue struct {
	Type  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// UnmarshalJSON accepts a bare JSON scalar or the tagged object form.
func (v *EventValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("event value: empty input")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("event value: %w", err)
		}
		*v = StringValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("event value: %w", err)
		}
		*v = BoolValue(b)
		return nil
	case '{':
		return v.unmarshalTagged(data)
	case 'n':
		return fmt.Errorf("event value: null is not a valid value")
	}
	parsed, err := parseNumber(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v *EventValue) unmarshalTagged(data []byte) error {
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return fmt.Errorf("event value: %w", err)
	}
	var inner EventValue
	if err := inner.UnmarshalJSON(tv.Value); err != nil {
		return err
	}
	switch tv.Type {
	case ValueKindString, ValueKindBool:
		if inner.Kind() != tv.Type {
			return fmt.Errorf("event value: %s payload does not match type %q", inner.Kind(), tv.Type)
		}
	case ValueKindInt:
		if inner.Kind() == ValueKindInt {
			break
		}
		// -2^63 is exact as a float64, 2^63 is the first value out of range.
		n, ok := inner.AsDouble()
		if !ok || n != math.Trunc(n) || n < math.MinInt64 || n >= 1<<63 {
			return fmt.Errorf("event value: payload is not an int64 integer")
		}
		inner = IntValue(int64(n))
	case ValueKindDouble:
		n, ok := inner.Number()
		if !ok {
			return fmt.Errorf("event value: payload is not a number")
		}
		inner = DoubleValue(n)
	default:
		return fmt.Errorf("event value: unknown type %q", tv.Type)
	}
	*v = inner
	return nil
}

func parseNumber(s string) (EventValue, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return IntValue(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return EventValue{}, fmt.Errorf("event value: invalid number %q", s)
	}
	return DoubleValue(f), nil
}

// Properties is a property bag attached to events and sessions.
type Properties map[string]EventValue

// Clone returns a copy of p so callers cannot mutate a recorded bag.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
