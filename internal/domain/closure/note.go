package closure

import (
	"time"

	"github.com/goes/intake/internal/platform/fhir"
)

var noteStatuses = map[string]bool{
	"in-progress":      true,
	"completed":        true,
	"entered-in-error": true,
}

// NoteBody renders a plan as a ClinicalImpression. Plan statuses outside
// the ClinicalImpression value set are written as "completed".
func NoteBody(plan *Plan, patientID, encounterID string, now time.Time) map[string]interface{} {
	status := plan.Status
	if !noteStatuses[status] {
		status = "completed"
	}
	protocols := make([]interface{}, 0, len(plan.Protocols))
	for _, p := range plan.Protocols {
		protocols = append(protocols, p)
	}
	body := map[string]interface{}{
		"resourceType": "ClinicalImpression",
		"status":       status,
		"subject":      map[string]interface{}{"reference": fhir.FormatReference("Patient", patientID)},
		"date":         fhir.FormatDateTime(now),
		"summary":      plan.Summary,
		"protocol":     protocols,
	}
	if encounterID != "" {
		body["encounter"] = map[string]interface{}{"reference": fhir.FormatReference("Encounter", encounterID)}
	}
	if plan.Description != nil && *plan.Description != "" {
		body["description"] = *plan.Description
	}
	if len(plan.Problems) > 0 {
		var problems []interface{}
		for _, p := range plan.Problems {
			problems = append(problems, map[string]interface{}{"display": p})
		}
		body["problem"] = problems
	}
	if len(plan.Findings) > 0 {
		var findings []interface{}
		for _, f := range plan.Findings {
			findings = append(findings, map[string]interface{}{
				"itemCodeableConcept": map[string]interface{}{"text": f},
			})
		}
		body["finding"] = findings
	}
	if plan.Prognosis != nil && *plan.Prognosis != "" {
		body["prognosisCodeableConcept"] = []interface{}{
			map[string]interface{}{"text": *plan.Prognosis},
		}
	}
	if len(plan.Recommendations) > 0 {
		var notes []interface{}
		for _, r := range plan.Recommendations {
			notes = append(notes, map[string]interface{}{"text": r})
		}
		body["note"] = notes
	}
	return body
}
