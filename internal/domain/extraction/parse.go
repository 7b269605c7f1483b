package extraction

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/goes/intake/internal/platform/textnorm"
)

// ParsedItem is one item reported by the completion model.
type ParsedItem struct {
	Name       string
	Value      string
	Confidence *float64
}

// ParseOutcome is the result of reading a model reply. Failed is set when
// no JSON document could be recovered at all; Items may be empty without
// failure.
type ParseOutcome struct {
	Items  []ParsedItem
	Failed bool
	Reason string
}

// ParseItems decodes {"items":[...]} or a bare list of
// {"item"|"criterio", "value", "confidence"} objects. When the reply is not
// JSON, the substring between the first '[' and the last ']' is tried.
// Objects without a name or a value are skipped.
func ParseItems(raw string) ParseOutcome {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ParseOutcome{Failed: true, Reason: "empty reply"}
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		start, end := strings.Index(raw, "["), strings.LastIndex(raw, "]")
		if start < 0 || end <= start {
			return ParseOutcome{Failed: true, Reason: "no json document"}
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &doc); err != nil {
			return ParseOutcome{Failed: true, Reason: "invalid json list: " + err.Error()}
		}
	}

	var list []interface{}
	switch d := doc.(type) {
	case []interface{}:
		list = d
	case map[string]interface{}:
		items, ok := d["items"].([]interface{})
		if !ok {
			return ParseOutcome{Failed: true, Reason: "object without items list"}
		}
		list = items
	default:
		return ParseOutcome{Failed: true, Reason: "unexpected json shape"}
	}

	out := ParseOutcome{Items: []ParsedItem{}}
	for _, e := range list {
		obj, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		var name string
		for _, key := range []string{"item", "criterio", "name"} {
			if name = scalar(obj[key]); name != "" {
				break
			}
		}
		value := scalar(obj["value"])
		if name == "" || value == "" {
			continue
		}
		out.Items = append(out.Items, ParsedItem{
			Name:       name,
			Value:      value,
			Confidence: confidence(obj["confidence"]),
		})
	}
	return out
}

// Accept keeps the items whose confidence is absent or at least threshold
// and whose name is one of pending. Names are matched ignoring case and
// accents and rewritten to the pending spelling; the first hit per name
// wins.
func Accept(items []ParsedItem, pending []string, threshold float64) []ParsedItem {
	canon := make(map[string]string, len(pending))
	for _, p := range pending {
		canon[textnorm.Fold(p)] = p
	}
	seen := make(map[string]bool)
	var out []ParsedItem
	for _, it := range items {
		if it.Confidence != nil && *it.Confidence < threshold {
			continue
		}
		name, ok := canon[textnorm.Fold(it.Name)]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		it.Name = name
		out = append(out, it)
	}
	return out
}

func scalar(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// confidence returns nil when the value is missing or not numeric.
func confidence(v interface{}) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return &f
		}
	}
	return nil
}
