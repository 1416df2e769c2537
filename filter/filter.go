// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filter implements subscription filter predicates evaluated against
// message attributes on the dispatch path. Evaluation is a pure function of
// (filter, message) and runs once per subscriber per message, so conditions
// are limited to cheap field-level checks: exact match, value-list membership
// and numeric {min,max} ranges.
package filter

import "encoding/json"

// Filter maps a message field name to a condition. A nil or empty filter
// matches every message.
//
// Condition values follow the JSON shapes clients send at subscribe time:
//
//	{"commodity": "oil"}                 exact match
//	{"region": ["eu", "us"]}             membership
//	{"price": {"min": 10, "max": 100}}   numeric range (either bound optional)
type Filter map[string]any

// Parse decodes a filter from its JSON representation.
func Parse(raw json.RawMessage) (Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Matches reports whether every condition in the filter holds for the given
// message attributes. A field named by the filter but absent from the message
// fails the match.
func (f Filter) Matches(attrs map[string]any) bool {
	if len(f) == 0 {
		return true
	}
	for field, cond := range f {
		val, ok := attrs[field]
		if !ok {
			return false
		}
		if !matchCondition(cond, val) {
			return false
		}
	}
	return true
}

func matchCondition(cond, val any) bool {
	switch c := cond.(type) {
	case map[string]any:
		return matchRange(c, val)
	case []any:
		for _, candidate := range c {
			if equal(candidate, val) {
				return true
			}
		}
		return false
	default:
		return equal(cond, val)
	}
}

func matchRange(bounds map[string]any, val any) bool {
	num, ok := toFloat(val)
	if !ok {
		return false
	}
	if min, present := bounds["min"]; present {
		m, ok := toFloat(min)
		if !ok || num < m {
			return false
		}
	}
	if max, present := bounds["max"]; present {
		m, ok := toFloat(max)
		if !ok || num > m {
			return false
		}
	}
	return true
}

// equal compares scalars, treating all numeric representations as float64
// since decoded JSON numbers arrive that way.
func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
