package intake

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goes/intake/internal/platform/fhir"
)

// Triage vocabulary written by the triage application.
const (
	AffectedAreasProtocol    = "http://goes.gob.sv/fhir/protocols/triage/affected-areas"
	TriageCreatedExtension   = "http://goes.gob.sv/fhir/extensions/triage/created-datetime"
	SymptomListQuestionnaire = "http://goes.gob.sv/fhir/questionnaire/symptom-list"
	SymptomOrderExtension    = "http://goes.gob.sv/fhir/extensions/symptom/order"
)

// triageWindow bounds how many recent resources are inspected.
const triageWindow = 5

// AffectedAreas returns the areas of the newest affected-areas impression
// among the patient's last few ClinicalImpressions. The findings are
// preferred; the comma-separated summary is the fallback.
func AffectedAreas(ctx context.Context, store fhir.Store, patientID string) ([]string, error) {
	q := url.Values{}
	q.Set("patient", patientID)
	q.Set("_sort", "-date")
	q.Set("_count", strconv.Itoa(triageWindow))
	found, err := store.Search(ctx, "ClinicalImpression", q)
	if err != nil {
		return nil, fmt.Errorf("search clinical impressions: %w", err)
	}

	var (
		newest map[string]interface{}
		at     time.Time
	)
	for _, ci := range found {
		if !hasProtocol(ci, AffectedAreasProtocol) {
			continue
		}
		t, ok := fhir.ParseDateTime(fhir.String(ci, "date"))
		if !ok {
			t = fhir.LastUpdated(ci)
		}
		if newest == nil || t.After(at) {
			newest, at = ci, t
		}
	}
	if newest == nil {
		return nil, nil
	}

	var areas []string
	for _, f := range fhir.Objects(newest, "finding") {
		if t := strings.TrimSpace(fhir.String(f, "itemCodeableConcept", "text")); t != "" {
			areas = append(areas, t)
		}
	}
	if len(areas) > 0 {
		return areas, nil
	}
	for _, part := range strings.Split(fhir.String(newest, "summary"), ",") {
		if p := strings.TrimSpace(part); p != "" {
			areas = append(areas, p)
		}
	}
	return areas, nil
}

func hasProtocol(ci map[string]interface{}, protocol string) bool {
	for _, p := range fhir.Strings(ci, "protocol") {
		if strings.Contains(p, protocol) {
			return true
		}
	}
	return false
}

type motivo struct {
	name  string
	order *int
}

// ReasonsForVisit returns the symptoms checked in the symptom-list
// questionnaire of the patient's latest triage encounter, ordered by their
// triage priority. Prioritized entries render as "<symptom>, orden <n>".
func ReasonsForVisit(ctx context.Context, store fhir.Store, patientID string) ([]string, error) {
	q := url.Values{}
	q.Set("patient", patientID)
	q.Set("_sort", "-date")
	q.Set("_count", strconv.Itoa(triageWindow))
	encounters, err := store.Search(ctx, "Encounter", q)
	if err != nil {
		return nil, fmt.Errorf("search encounters: %w", err)
	}

	var (
		encID string
		at    time.Time
	)
	for _, enc := range encounters {
		created, ok := triageCreated(enc)
		if !ok {
			continue
		}
		if encID == "" || created.After(at) {
			encID, at = fhir.String(enc, "id"), created
		}
	}
	if encID == "" {
		return nil, nil
	}

	q = url.Values{}
	q.Set("encounter", fhir.FormatReference("Encounter", encID))
	responses, err := store.Search(ctx, "QuestionnaireResponse", q)
	if err != nil {
		return nil, fmt.Errorf("search questionnaire responses: %w", err)
	}

	var motivos []motivo
	for _, qr := range responses {
		if st := fhir.String(qr, "status"); st != "" && st != "completed" {
			continue
		}
		if fhir.String(qr, "questionnaire") != SymptomListQuestionnaire {
			continue
		}
		for _, it := range fhir.Objects(qr, "item") {
			if !affirmative(it) {
				continue
			}
			motivos = append(motivos, motivo{name: fhir.String(it, "linkId"), order: symptomOrder(it)})
		}
	}
	sort.SliceStable(motivos, func(i, j int) bool {
		a, b := motivos[i].order, motivos[j].order
		if a == nil || b == nil {
			return a != nil
		}
		return *a < *b
	})

	out := make([]string, 0, len(motivos))
	for _, m := range motivos {
		if m.order != nil {
			out = append(out, m.name+", orden "+strconv.Itoa(*m.order))
		} else {
			out = append(out, m.name)
		}
	}
	return out, nil
}

func triageCreated(enc map[string]interface{}) (time.Time, bool) {
	for _, ext := range fhir.Objects(enc, "extension") {
		if fhir.String(ext, "url") != TriageCreatedExtension {
			continue
		}
		v := fhir.String(ext, "valueDateTime")
		if v == "" {
			return time.Time{}, false
		}
		if t, ok := fhir.ParseDateTime(v); ok {
			return t, true
		}
		if t, ok := fhir.ParseDateTime(fhir.String(enc, "period", "start")); ok {
			return t, true
		}
		t := fhir.LastUpdated(enc)
		return t, !t.IsZero()
	}
	return time.Time{}, false
}

// affirmative reports whether the first answer value of a questionnaire
// item reads as checked.
func affirmative(item map[string]interface{}) bool {
	answers := fhir.Objects(item, "answer")
	if len(answers) == 0 {
		return false
	}
	for k, v := range answers[0] {
		if !strings.HasPrefix(k, "value") {
			continue
		}
		switch strings.ToLower(fmt.Sprint(v)) {
		case "true", "1", "yes", "si":
			return true
		}
		return false
	}
	return false
}

func symptomOrder(item map[string]interface{}) *int {
	for _, ext := range fhir.Objects(item, "extension") {
		if fhir.String(ext, "url") != SymptomOrderExtension {
			continue
		}
		if f, ok := fhir.Float(ext, "valueInteger"); ok {
			n := int(f)
			return &n
		}
	}
	return nil
}
