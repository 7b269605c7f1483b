package closure

import (
	"regexp"
	"strings"
)

// DefaultDenylist holds tool-syntax fragments generators leak into text.
var DefaultDenylist = []string{
	"print(",
	"default_api",
	"<execute_tool_code",
	"<tools.",
	"<create_clinical_impression",
	"<update_encounter_status",
}

// Sanitizer cleans text before it is shown to the patient.
type Sanitizer struct {
	tokens []string
}

// NewSanitizer appends extra to DefaultDenylist. Empty tokens are ignored.
func NewSanitizer(extra ...string) *Sanitizer {
	tokens := append([]string(nil), DefaultDenylist...)
	for _, t := range extra {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return &Sanitizer{tokens: tokens}
}

var (
	reFenced     = regexp.MustCompile("(?s)```.*?```")
	reInlineCode = regexp.MustCompile("`[^`]*`")
	reScript     = regexp.MustCompile(`(?is)<script.*?</script>`)
	reStyle      = regexp.MustCompile(`(?is)<style.*?</style>`)
	reTag        = regexp.MustCompile(`<[^>]+>`)
	reBlankLines = regexp.MustCompile(`\n{3,}`)
	reSpaceRun   = regexp.MustCompile(`[ \t]+`)
)

// Sanitize strips code fences, inline code and HTML, drops every line that
// still carries a denylisted token, and collapses whitespace.
func (s *Sanitizer) Sanitize(md string) string {
	if md == "" {
		return ""
	}
	t := strings.ReplaceAll(md, "\r\n", "\n")
	t = reFenced.ReplaceAllString(t, "")
	t = reInlineCode.ReplaceAllString(t, "")
	t = reScript.ReplaceAllString(t, "")
	t = reStyle.ReplaceAllString(t, "")
	t = reTag.ReplaceAllString(t, "")

	lines := strings.Split(t, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if s.denied(ln) {
			continue
		}
		ln = reSpaceRun.ReplaceAllString(ln, " ")
		kept = append(kept, strings.TrimRight(ln, " "))
	}
	t = strings.Join(kept, "\n")
	t = reBlankLines.ReplaceAllString(t, "\n\n")
	return strings.TrimSpace(t)
}

func (s *Sanitizer) denied(line string) bool {
	for _, tok := range s.tokens {
		if strings.Contains(line, tok) {
			return true
		}
	}
	return false
}

const toolNames = `(?:tools\.)?(?:create_clinical_impression|update_encounter_status)`

var (
	reExecBlock  = regexp.MustCompile(`(?i)<\s*execute_tool_code\s*>[\s\S]*?<\s*/\s*execute_tool_code\s*>`)
	reToolPaired = map[string]*regexp.Regexp{
		"create_clinical_impression": regexp.MustCompile(`(?i)<\s*(?:tools\.)?create_clinical_impression\b[^>]*>[\s\S]*?<\s*/\s*(?:tools\.)?create_clinical_impression\s*>`),
		"update_encounter_status":    regexp.MustCompile(`(?i)<\s*(?:tools\.)?update_encounter_status\b[^>]*>[\s\S]*?<\s*/\s*(?:tools\.)?update_encounter_status\s*>`),
	}
	reToolSelfClosing = regexp.MustCompile(`(?i)<\s*` + toolNames + `\b[^>]*/\s*>`)
	reYAMLHeader      = regexp.MustCompile(`(?i)^\s*` + toolNames + `\s*:\s*$`)
	reIndented        = regexp.MustCompile(`^\s+\S`)
	reToolJSON        = regexp.MustCompile(`(?i)\{[^{}]*"?tool_code"?\s*:\s*"` + toolNames + `"[^{}]*\}`)
	reBacktickCall    = regexp.MustCompile("(?i)`\\s*" + toolNames + "\\s*\\([^`]*\\)`")
	reFuncCall        = regexp.MustCompile(`(?i)` + toolNames + `\s*\([^)]*\)`)
	reEmptyFence      = regexp.MustCompile("(^|\n)>?\\s*``\\s*(\n|$)")
)

// StripToolCalls removes tool invocations a generator wrote as text
// instead of calling them.
func StripToolCalls(text string) string {
	if text == "" {
		return ""
	}
	t := reExecBlock.ReplaceAllString(text, "")
	for _, re := range reToolPaired {
		t = re.ReplaceAllString(t, "")
	}
	t = reToolSelfClosing.ReplaceAllString(t, "")
	t = stripYAMLCalls(t)
	t = reToolJSON.ReplaceAllString(t, "")
	t = reBacktickCall.ReplaceAllString(t, "")
	t = reFuncCall.ReplaceAllString(t, "")
	t = reEmptyFence.ReplaceAllString(t, "\n")
	t = reBlankLines.ReplaceAllString(t, "\n\n")
	return strings.TrimSpace(t)
}

// stripYAMLCalls drops "create_clinical_impression:" headers together with
// their indented body.
func stripYAMLCalls(t string) string {
	lines := strings.Split(t, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if !reYAMLHeader.MatchString(lines[i]) {
			out = append(out, lines[i])
			continue
		}
		for i+1 < len(lines) && (strings.TrimSpace(lines[i+1]) == "" || reIndented.MatchString(lines[i+1])) {
			i++
		}
	}
	return strings.Join(out, "\n")
}
