package fhir

import (
	"strconv"
	"strings"
	"time"
)

// Path walks nested objects of a decoded resource. Array elements are
// addressed by their decimal index ("entry", "0", "resource").
func Path(m map[string]interface{}, keys ...string) (interface{}, bool) {
	var cur interface{} = m
	for _, k := range keys {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[k]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path, or "".
func String(m map[string]interface{}, keys ...string) string {
	v, ok := Path(m, keys...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Float returns the number at path. JSON numbers and numeric strings are
// accepted.
func Float(m map[string]interface{}, keys ...string) (float64, bool) {
	v, ok := Path(m, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Objects returns the array at path filtered to its object elements.
func Objects(m map[string]interface{}, keys ...string) []map[string]interface{} {
	v, ok := Path(m, keys...)
	if !ok {
		return nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		if one, isObj := v.(map[string]interface{}); isObj {
			return []map[string]interface{}{one}
		}
		return nil
	}
	out := make([]map[string]interface{}, 0, len(arr))
	for _, e := range arr {
		if o, ok := e.(map[string]interface{}); ok {
			out = append(out, o)
		}
	}
	return out
}

// Strings returns the array at path filtered to its string elements.
func Strings(m map[string]interface{}, keys ...string) []string {
	v, ok := Path(m, keys...)
	if !ok {
		return nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// LastUpdated returns meta.lastUpdated, falling back to the given dateTime
// fields in order. The zero time is returned when none parse.
func LastUpdated(m map[string]interface{}, fallbacks ...string) time.Time {
	candidates := []string{String(m, "meta", "lastUpdated")}
	for _, f := range fallbacks {
		candidates = append(candidates, String(m, f))
	}
	for _, c := range candidates {
		if t, ok := ParseDateTime(c); ok {
			return t
		}
	}
	return time.Time{}
}

// ParseDateTime accepts the FHIR instant/dateTime/date forms.
func ParseDateTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
