package risk

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goes/intake/internal/platform/fhir"
)

const (
	MethodSystem  = "http://goes.gob.sv/fhir/codeable-concept/risk-assessment-method"
	MethodCode    = "early-warning"
	OutcomeSystem = "http://goes.gob.sv/fhir/codeable-concept/risk-assessment-outcome"
)

// Assessment is a scored patient.
type Assessment struct {
	PatientID string   `json:"patient_id"`
	Result    Result   `json:"result"`
	Gathered  Gathered `json:"sources"`
}

// Assess gathers store observations, overlays the answered checklist
// values and scores the result. answers may be nil.
func (g *Gatherer) Assess(ctx context.Context, patientID string, answers map[string]string) (Assessment, error) {
	gathered, err := g.Gather(ctx, patientID)
	if err != nil {
		return Assessment{}, err
	}
	obs := gathered.Observations
	Overlay(&obs, answers)
	gathered.Observations = obs
	return Assessment{
		PatientID: gathered.Patient.ID,
		Result:    Score(obs, g.tables),
		Gathered:  gathered,
	}, nil
}

// OutcomeCode is the RiskAssessment outcome; an unscored result is "low".
func (a Assessment) OutcomeCode() Category {
	if c := a.Result.Aggregate.Category; c != nil {
		return *c
	}
	return CategoryLow
}

// Rationale summarizes the scored factors in Spanish prose.
func (a Assessment) Rationale() string {
	var parts []string
	for _, f := range a.Result.Factors {
		if p := f.describe(a.Result.Glucose); p != "" {
			parts = append(parts, p)
		}
	}
	code := a.OutcomeCode()
	if len(parts) == 0 {
		return fmt.Sprintf("Resultado de riesgo %s.", code)
	}
	return fmt.Sprintf("Resultado de riesgo %s basado en: %s", code, strings.Join(parts, ", "))
}

func (f FactorScore) scoreText() string {
	if f.Score == nil {
		return "score NA"
	}
	return "score " + strconv.Itoa(*f.Score)
}

func (f FactorScore) describe(panel GlucosePanel) string {
	num := func(v *float64) string { return strconv.FormatFloat(*v, 'f', -1, 64) }
	switch f.Name {
	case FactorBMI:
		if f.Value != nil {
			return fmt.Sprintf("IMC %s (%s)", num(f.Value), f.scoreText())
		}
	case FactorAge:
		if f.Value != nil {
			return fmt.Sprintf("edad %s (%s)", num(f.Value), f.scoreText())
		}
	case FactorWaist:
		if f.Value != nil {
			return fmt.Sprintf("cintura %s cm (%s)", num(f.Value), f.scoreText())
		}
	case FactorSmoking:
		if f.Label != "" {
			return fmt.Sprintf("tabaquismo: %s (%s)", f.Label, f.scoreText())
		}
	case FactorGlucose:
		var tags []string
		if panel.FPG != nil && panel.FPGCategory != "" {
			tags = append(tags, fmt.Sprintf("glucosa %s mg/dL (%s)", num(panel.FPG), panel.FPGCategory))
		}
		if panel.HbA1c != nil && panel.HbA1cCategory != "" {
			tags = append(tags, fmt.Sprintf("HbA1c %s%% (%s)", num(panel.HbA1c), panel.HbA1cCategory))
		}
		return strings.Join(tags, ", ")
	case FactorTriglycerides:
		if f.Value != nil {
			return fmt.Sprintf("triglicéridos %s mg/dL (%s)", num(f.Value), f.scoreText())
		}
	case FactorHDL:
		if f.Value != nil {
			return fmt.Sprintf("HDL %s mg/dL (%s)", num(f.Value), f.scoreText())
		}
	case FactorFamily:
		if f.Score != nil {
			return fmt.Sprintf("antecedentes familiares (%s)", f.scoreText())
		}
	}
	return ""
}

// ContextLines renders the score for the agent's hidden context.
func (a Assessment) ContextLines() []string {
	var lines []string
	for _, f := range a.Result.Factors {
		if f.Value == nil && f.Label == "" {
			continue
		}
		val := f.Label
		if f.Value != nil {
			val = strconv.FormatFloat(*f.Value, 'f', -1, 64)
		}
		lines = append(lines, fmt.Sprintf("%s: %s (%s)", f.Name, val, f.scoreText()))
	}
	agg := a.Result.Aggregate
	if agg.Percentage != nil && agg.Category != nil {
		lines = append(lines, fmt.Sprintf("riesgo_global: %s (%s%% de %d puntos)",
			agg.Category.Display(), strconv.FormatFloat(*agg.Percentage, 'f', -1, 64), agg.Max))
	}
	if n := len(a.Gathered.FamilyMatches); n > 0 {
		lines = append(lines, fmt.Sprintf("antecedentes_familiares: %d coincidencias de primer grado", n))
	}
	return lines
}

// Basis lists references to the evidence resources.
func (a Assessment) Basis() []interface{} {
	var refs []interface{}
	if id := a.Gathered.Evidence.QuestionnaireResponse; id != "" {
		refs = append(refs, map[string]interface{}{"reference": fhir.FormatReference("QuestionnaireResponse", id)})
	}
	for _, kind := range []string{"imc", "fpg", "hba1c", "trigliceridos", "hdl"} {
		if id := a.Gathered.Evidence.Observations[kind]; id != "" {
			refs = append(refs, map[string]interface{}{"reference": fhir.FormatReference("Observation", id)})
		}
	}
	return refs
}

// Body builds the RiskAssessment resource. encounterID may be empty.
func (a Assessment) Body(encounterID string, now time.Time) map[string]interface{} {
	code := a.OutcomeCode()
	prediction := map[string]interface{}{
		"outcome": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": OutcomeSystem, "code": string(code), "display": code.Display()},
			},
		},
		"rationale": a.Rationale(),
	}
	if pct := a.Result.Aggregate.Percentage; pct != nil {
		prediction["probabilityDecimal"] = math.Round(*pct*100) / 10000
	}

	body := map[string]interface{}{
		"resourceType":       "RiskAssessment",
		"status":             "final",
		"subject":            map[string]interface{}{"reference": fhir.FormatReference("Patient", a.PatientID)},
		"occurrenceDateTime": fhir.FormatDateTime(now),
		"method": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": MethodSystem, "code": MethodCode},
			},
		},
		"prediction": []interface{}{prediction},
		"note": []interface{}{
			map[string]interface{}{"text": a.Rationale()},
		},
	}
	if encounterID != "" {
		body["encounter"] = map[string]interface{}{"reference": fhir.FormatReference("Encounter", encounterID)}
	}
	if basis := a.Basis(); len(basis) > 0 {
		body["basis"] = basis
	}
	return body
}
