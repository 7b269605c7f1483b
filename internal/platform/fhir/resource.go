package fhir

import (
	"encoding/json"
	"strings"
	"time"
)

// Resource carries the fields every FHIR resource shares. Embed it in a
// typed body and pass the result through Normalize before storing it.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Ref points at resourceType/id.
func Ref(resourceType, id string) *Reference {
	return &Reference{Reference: FormatReference(resourceType, id)}
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// Display prefers the text form and falls back to given names then family.
func (n HumanName) Display() string {
	if t := strings.TrimSpace(n.Text); t != "" {
		return t
	}
	parts := append(append([]string{}, n.Given...), n.Family)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Names decodes the name list of a Patient, Practitioner or RelatedPerson.
// Entries that do not decode are skipped.
func Names(resource map[string]interface{}) []HumanName {
	var out []HumanName
	for _, raw := range Objects(resource, "name") {
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var n HumanName
		if json.Unmarshal(data, &n) == nil {
			out = append(out, n)
		}
	}
	return out
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Extension struct {
	URL           string `json:"url"`
	ValueString   string `json:"valueString,omitempty"`
	ValueCode     string `json:"valueCode,omitempty"`
	ValueDateTime string `json:"valueDateTime,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// FormatDateTime renders t as a FHIR dateTime in UTC.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
