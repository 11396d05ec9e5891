package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MatcherOp is the operator of a PropertyMatcher as written in configuration.
type MatcherOp string

const (
	OpEquals             MatcherOp = "eq"
	OpNotEquals          MatcherOp = "ne"
	OpGreaterThan        MatcherOp = "gt"
	OpGreaterThanOrEqual MatcherOp = "gte"
	OpLessThan           MatcherOp = "lt"
	OpLessThanOrEqual    MatcherOp = "lte"
	OpContains           MatcherOp = "contains"
	OpNotContains        MatcherOp = "notContains"
	OpExists             MatcherOp = "exists"
	OpNotExists          MatcherOp = "notExists"
)

// PropertyMatcher is a single condition against one event property.
// For OpExists, Exists carries the expected presence and Value is unused;
// OpNotExists is normalised to OpExists with Exists=false at decode time.
type PropertyMatcher struct {
	Op     MatcherOp
	Value  EventValue
	Exists bool
}

// Equals builds an equality matcher.
func Equals(v EventValue) PropertyMatcher { return PropertyMatcher{Op: OpEquals, Value: v} }

// Compare builds a matcher for any value-carrying operator.
func Compare(op MatcherOp, v EventValue) PropertyMatcher { return PropertyMatcher{Op: op, Value: v} }

// Exists builds a presence matcher.
func Exists(present bool) PropertyMatcher { return PropertyMatcher{Op: OpExists, Exists: present} }

// Matches evaluates the matcher against a property bag for key.
// Type mismatches are a non-match, never an error. Every operator except
// exists requires the key to be present.
func (m PropertyMatcher) Matches(props Properties, key string) bool {
	actual, present := props[key]
	if m.Op == OpExists {
		return present == m.Exists
	}
	if !present {
		return false
	}
	switch m.Op {
	case OpEquals:
		return actual.NumericEqual(m.Value)
	case OpNotEquals:
		return !actual.NumericEqual(m.Value)
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return compareOrdered(m.Op, actual, m.Value)
	case OpContains, OpNotContains:
		got, ok := actual.AsString()
		if !ok {
			return false
		}
		want, ok := m.Value.AsString()
		if !ok {
			return false
		}
		if m.Op == OpContains {
			return strings.Contains(got, want)
		}
		return !strings.Contains(got, want)
	default:
		return false
	}
}

func compareOrdered(op MatcherOp, actual, expected EventValue) bool {
	a, ok := actual.Number()
	if !ok {
		return false
	}
	b, ok := expected.Number()
	if !ok {
		return false
	}
	switch op {
	case OpGreaterThan:
		return a > b
	case OpGreaterThanOrEqual:
		return a >= b
	case OpLessThan:
		return a < b
	case OpLessThanOrEqual:
		return a <= b
	}
	return false
}

type matcherJSON struct {
	Op    MatcherOp       `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON always writes the explicit {op, value} form.
func (m PropertyMatcher) MarshalJSON() ([]byte, error) {
	if m.Op == OpExists {
		if m.Exists {
			return json.Marshal(matcherJSON{Op: OpExists})
		}
		return json.Marshal(matcherJSON{Op: OpNotExists})
	}
	raw, err := json.Marshal(m.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(matcherJSON{Op: m.Op, Value: raw})
}

// UnmarshalJSON accepts a bare value (shorthand for eq) or {"op": ..., "value": ...}.
func (m *PropertyMatcher) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || isTaggedValue(trimmed) {
		var v EventValue
		if err := v.UnmarshalJSON(trimmed); err != nil {
			return fmt.Errorf("property matcher: %w", err)
		}
		*m = Equals(v)
		return nil
	}

	var raw matcherJSON
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("property matcher: %w", err)
	}
	switch raw.Op {
	case OpExists, OpNotExists:
		present := raw.Op == OpExists
		if len(raw.Value) > 0 {
			var b bool
			if err := json.Unmarshal(raw.Value, &b); err != nil {
				return fmt.Errorf("property matcher: %s value must be a boolean", raw.Op)
			}
			if !b {
				present = !present
			}
		}
		*m = Exists(present)
		return nil
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual, OpContains, OpNotContains:
		if len(raw.Value) == 0 {
			return fmt.Errorf("property matcher: op %q requires a value", raw.Op)
		}
		var v EventValue
		if err := v.UnmarshalJSON(raw.Value); err != nil {
			return fmt.Errorf("property matcher: %w", err)
		}
		*m = Compare(raw.Op, v)
		return nil
	case "":
		return fmt.Errorf("property matcher: %w: missing op", ErrUnknownMatcherOp)
	default:
		return fmt.Errorf("property matcher: %w: %q", ErrUnknownMatcherOp, raw.Op)
	}
}

// isTaggedValue distinguishes the tagged EventValue object form from a matcher object.
func isTaggedValue(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, hasType := probe["type"]
	_, hasOp := probe["op"]
	return hasType && !hasOp
}
