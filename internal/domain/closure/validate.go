package closure

import (
	"strings"

	"github.com/goes/intake/internal/platform/fhir"
)

// Validate checks the fields a clinical note cannot be written without.
func Validate(p *Payload) error {
	if p == nil || p.Plan == nil {
		return &ValidationError{Fields: []string{"clinical_impression"}}
	}
	plan := p.Plan
	var bad []string
	if strings.TrimSpace(plan.Status) == "" {
		bad = append(bad, "status")
	}
	if strings.TrimSpace(plan.Summary) == "" {
		bad = append(bad, "summary")
	}
	if len(plan.Protocols) == 0 {
		bad = append(bad, "protocols")
	}
	if _, ok := fhir.ParseReference(plan.SubjectRef, "Patient"); !ok {
		bad = append(bad, "subject_ref")
	}
	if _, ok := fhir.ParseReference(plan.EncounterRef, "Encounter"); !ok {
		bad = append(bad, "encounter_ref")
	}
	if len(bad) > 0 {
		return &ValidationError{Fields: bad}
	}
	return nil
}

// placeholder reports template text left in an id ("<encounter_id>").
func placeholder(id string) bool {
	return strings.ContainsAny(id, "<>{}")
}

// ResolveIDs picks the patient and encounter a plan applies to. The
// session's own mapping wins; the plan's encounter is adopted only when the
// session has none and it is not a template placeholder.
func ResolveIDs(plan *Plan, sessionPatient, sessionEncounter string) (patientID, encounterID string) {
	patientID, encounterID = sessionPatient, sessionEncounter
	if plan == nil {
		return patientID, encounterID
	}
	if patientID == "" {
		if id, ok := fhir.ParseReference(plan.SubjectRef, "Patient"); ok && !placeholder(id) {
			patientID = id
		}
	}
	if encounterID == "" {
		if id, ok := fhir.ParseReference(plan.EncounterRef, "Encounter"); ok && !placeholder(id) {
			encounterID = id
		}
	}
	return patientID, encounterID
}
