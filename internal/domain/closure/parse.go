package closure

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Parser locates the visible and structured blocks of a closing reply.
type Parser struct {
	visible *regexp.Regexp
	payload *regexp.Regexp
}

// NewParser builds a parser for the two sentinels. Each sentinel must
// appear twice, around its block; matching ignores case.
func NewParser(visibleDelim, jsonDelim string) *Parser {
	return &Parser{
		visible: blockPattern(visibleDelim),
		payload: blockPattern(jsonDelim),
	}
}

func blockPattern(delim string) *regexp.Regexp {
	d := regexp.QuoteMeta(delim)
	return regexp.MustCompile(`(?is)` + d + `\s*(.*?)\s*` + d)
}

var (
	leadingFence  = regexp.MustCompile("^```[a-zA-Z]*")
	trailingFence = regexp.MustCompile("```$")
)

// Parse never fails: missing or undecodable blocks are left nil.
func (p *Parser) Parse(text string) ParseResult {
	var res ParseResult
	if strings.TrimSpace(text) == "" {
		return res
	}
	if m := p.visible.FindStringSubmatch(text); m != nil {
		v := strings.TrimSpace(m[1])
		res.Visible = &v
	}
	if m := p.payload.FindStringSubmatch(text); m != nil {
		raw := strings.TrimSpace(m[1])
		raw = strings.TrimSpace(leadingFence.ReplaceAllString(raw, ""))
		raw = strings.TrimSpace(trailingFence.ReplaceAllString(raw, ""))
		res.Payload = decodePayload(raw)
	}
	return res
}

// decodePayload accepts {"clinical_impression": {...}} and, leniently, a
// bare plan object.
func decodePayload(raw string) *Payload {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	inner, ok := doc["clinical_impression"]
	if !ok {
		inner = json.RawMessage(raw)
	}

	pl := &Payload{}
	if err := json.Unmarshal(inner, &pl.Inner); err != nil || pl.Inner == nil {
		// "clinical_impression" present but not an object.
		return pl
	}
	var plan Plan
	if err := json.Unmarshal(inner, &plan); err == nil {
		pl.Plan = &plan
	}
	return pl
}
