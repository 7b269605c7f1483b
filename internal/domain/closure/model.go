// Package closure turns a closing generator reply into a persisted
// clinical note and a finished encounter, at most once per plan.
package closure

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol identifiers written on the clinical note.
const (
	AnamnesisProtocol = "http://goes.gob.sv/fhir/protocols/anamnesis-agent/anamnesis"
	RiskProtocol      = "http://goes.gob.sv/fhir/protocols/risk-agent/risk-assessment"
)

// SessionIdentifierSystem tags the Encounter created for a session.
const SessionIdentifierSystem = "http://goes.gob.sv/fhir/identifiers/session"

// TextList accepts a string, a list of strings, or a list of objects
// carrying text, display or description.
type TextList []string

func (l *TextList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = appendText(nil, one)
		return nil
	}
	var many []json.RawMessage
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("text list: %w", err)
	}
	var out TextList
	for _, raw := range many {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = appendText(out, s)
			continue
		}
		var obj struct {
			Text        string `json:"text"`
			Display     string `json:"display"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		for _, s := range []string{obj.Text, obj.Display, obj.Description} {
			if strings.TrimSpace(s) != "" {
				out = appendText(out, s)
				break
			}
		}
	}
	*l = out
	return nil
}

func appendText(l TextList, s string) TextList {
	if s = strings.TrimSpace(s); s != "" {
		l = append(l, s)
	}
	return l
}

// Plan is the structured part of a closing reply.
type Plan struct {
	Status          string   `json:"status"`
	SubjectRef      string   `json:"subject_ref"`
	EncounterRef    string   `json:"encounter_ref"`
	Summary         string   `json:"summary"`
	Description     *string  `json:"description_md,omitempty"`
	Problems        TextList `json:"problems,omitempty"`
	Findings        TextList `json:"findings,omitempty"`
	Prognosis       *string  `json:"prognosis,omitempty"`
	Protocols       TextList `json:"protocols"`
	Recommendations TextList `json:"recommendations,omitempty"`
}

// Payload is the decoded structured block. Inner keeps the plan object as
// sent so the plan hash covers every field the generator emitted.
type Payload struct {
	Plan  *Plan
	Inner map[string]interface{}
}

// ParseResult holds whichever blocks were found. A nil field means the
// block was missing or could not be decoded.
type ParseResult struct {
	Visible *string
	Payload *Payload
}

// Closing reports whether both blocks are present.
func (r ParseResult) Closing() bool {
	return r.Visible != nil && r.Payload != nil
}

// Status is the outcome of one closure attempt.
type Status string

const (
	StatusNone           Status = "none"
	StatusInvalid        Status = "invalid"
	StatusCommitted      Status = "committed"
	StatusAlreadyApplied Status = "already_applied"
	StatusFailed         Status = "failed"
)

// Outcome reports what a closure attempt did. Err is set for StatusInvalid
// and StatusFailed; it is informational and never fails a turn.
type Outcome struct {
	Status          Status `json:"status"`
	NoteID          string `json:"note_id,omitempty"`
	EncounterID     string `json:"encounter_id,omitempty"`
	PlanHash        string `json:"plan_hash,omitempty"`
	EncounterClosed bool   `json:"encounter_closed"`
	Err             error  `json:"-"`
}

// Closed reports whether the plan is persisted, now or earlier.
func (o Outcome) Closed() bool {
	return o.Status == StatusCommitted || o.Status == StatusAlreadyApplied
}

// ValidationError lists the plan fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid closure plan: " + strings.Join(e.Fields, ", ")
}
