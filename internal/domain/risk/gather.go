package risk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goes/intake/internal/domain/checklist"
	"github.com/goes/intake/internal/platform/fhir"
	"github.com/goes/intake/internal/platform/textnorm"
)

// TCASystem marks the screening questionnaire whose answers carry waist
// and smoking data.
const TCASystem = "https://www.tca.com"

// QuestionnaireResponse linkIds of the screening questionnaire.
const (
	linkSection     = "10001"
	linkSmoking     = "10012"
	linkCigsPerYear = "10013"
	linkYearsSmoked = "10104"
	linkWaist       = "10009"
)

// Evidence lists the resources a score was derived from, keyed by factor.
type Evidence struct {
	QuestionnaireResponse string            `json:"questionnaire_response_id,omitempty"`
	Observations          map[string]string `json:"observations,omitempty"`
}

type FamilyMatch struct {
	Relationship string `json:"relacion"`
	Condition    string `json:"condicion"`
}

type PatientInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Gender    string `json:"gender,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
}

// Gathered is everything read from the store for one patient. Failed names
// the sources whose read failed; their observations are simply absent.
type Gathered struct {
	Patient       PatientInfo   `json:"patient"`
	Observations  Observations  `json:"-"`
	FamilyMatches []FamilyMatch `json:"family_matches,omitempty"`
	YearsSmoking  *int          `json:"years_smoking,omitempty"`
	CigsPerYear   string        `json:"cigarettes_per_year,omitempty"`
	Evidence      Evidence      `json:"evidence"`
	Failed        []string      `json:"failed,omitempty"`
}

// Gatherer reads risk observations from the clinical store.
type Gatherer struct {
	store  fhir.Store
	tables *Tables
	logger zerolog.Logger
	now    func() time.Time
}

func NewGatherer(store fhir.Store, tables *Tables, logger zerolog.Logger) *Gatherer {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Gatherer{store: store, tables: tables, logger: logger, now: time.Now}
}

// Gather collects Patient demographics, the newest matching Observations,
// screening questionnaire answers and family history. Individual source
// failures are logged and recorded in Gathered.Failed.
func (g *Gatherer) Gather(ctx context.Context, patientID string) (Gathered, error) {
	patientID = strings.TrimPrefix(strings.TrimSpace(patientID), "Patient/")
	if patientID == "" {
		return Gathered{}, errors.New("risk: patient id is required")
	}
	out := Gathered{
		Patient:  PatientInfo{ID: patientID},
		Evidence: Evidence{Observations: map[string]string{}},
	}
	fail := func(source string, err error) {
		g.logger.Warn().Err(err).Str("patient_id", patientID).Str("source", source).Msg("risk source unavailable")
		out.Failed = append(out.Failed, source)
	}

	if err := g.patient(ctx, &out); err != nil && !errors.Is(err, fhir.ErrNotFound) {
		fail("Patient", err)
	}
	if err := g.observations(ctx, &out); err != nil {
		fail("Observation", err)
	}
	if err := g.questionnaire(ctx, &out); err != nil {
		fail("QuestionnaireResponse", err)
	}
	if err := g.family(ctx, &out); err != nil {
		fail("FamilyMemberHistory", err)
	}
	return out, nil
}

func (g *Gatherer) patient(ctx context.Context, out *Gathered) error {
	p, err := g.store.Read(ctx, "Patient", out.Patient.ID)
	if err != nil {
		return err
	}
	out.Patient.Name = PatientName(p)
	out.Patient.Gender = fhir.String(p, "gender")
	out.Patient.BirthDate = fhir.String(p, "birthDate")

	out.Observations.Sex = ParseSex(out.Patient.Gender)
	if born, ok := fhir.ParseDateTime(out.Patient.BirthDate); ok {
		age := float64(AgeAt(born, g.now()))
		out.Observations.Age = &age
	}
	return nil
}

// PatientName renders the first HumanName as "given family", or its text.
func PatientName(p map[string]interface{}) string {
	names := fhir.Names(p)
	if len(names) == 0 {
		return ""
	}
	return names[0].Display()
}

// AgeAt returns completed years between born and now.
func AgeAt(born, now time.Time) int {
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	return years
}

// ParseSex maps FHIR gender codes and Spanish answers onto Sex.
func ParseSex(s string) Sex {
	switch textnorm.Fold(s) {
	case "female", "f", "mujer", "femenino", "femenina":
		return SexFemale
	case "male", "m", "hombre", "masculino", "masculina":
		return SexMale
	}
	return ""
}

// observation kinds matched on folded code text, checked in order.
var observationKinds = []struct {
	factor string
	terms  []string
}{
	{"hba1c", []string{"hemoglobina glicosilada", "hb a1c", "hba1c", "4548-4"}},
	{"fpg", []string{"glucosa", "fpg", "1558-6"}},
	{"trigliceridos", []string{"triglic", "2571-8"}},
	{"hdl", []string{"hdl", "alta densidad", "2085-9"}},
	{"imc", []string{"imc", "body mass", "39156-5"}},
}

func (g *Gatherer) observations(ctx context.Context, out *Gathered) error {
	q := url.Values{}
	q.Set("subject", fhir.FormatReference("Patient", out.Patient.ID))
	found, err := g.store.Search(ctx, "Observation", q)
	if err != nil {
		q = url.Values{}
		q.Set("patient", out.Patient.ID)
		if found, err = g.store.Search(ctx, "Observation", q); err != nil {
			return fmt.Errorf("search observations: %w", err)
		}
	}

	newest := map[string]map[string]interface{}{}
	for _, obs := range found {
		kind := classifyObservation(obs)
		if kind == "" {
			continue
		}
		if _, ok := ObservationValue(obs); !ok {
			continue
		}
		if cur, ok := newest[kind]; !ok || observedAt(obs).After(observedAt(cur)) {
			newest[kind] = obs
		}
	}

	set := func(kind string, dst **float64, round bool) {
		obs, ok := newest[kind]
		if !ok {
			return
		}
		v, _ := ObservationValue(obs)
		if round {
			v = round2(v)
		}
		*dst = &v
		if id := fhir.String(obs, "id"); id != "" {
			out.Evidence.Observations[kind] = id
		}
	}
	set("imc", &out.Observations.BMI, true)
	set("fpg", &out.Observations.FastingGlucose, false)
	set("hba1c", &out.Observations.HbA1c, false)
	set("trigliceridos", &out.Observations.Triglycerides, false)
	set("hdl", &out.Observations.HDL, false)
	return nil
}

func classifyObservation(obs map[string]interface{}) string {
	texts := []string{fhir.String(obs, "code", "text")}
	for _, c := range fhir.Objects(obs, "code", "coding") {
		texts = append(texts, fhir.String(c, "display"), fhir.String(c, "code"))
	}
	joined := strings.Join(texts, " ")
	for _, k := range observationKinds {
		if textnorm.ContainsAny(joined, k.terms...) {
			return k.factor
		}
	}
	return ""
}

func observedAt(obs map[string]interface{}) time.Time {
	return fhir.LastUpdated(obs, "effectiveDateTime")
}

var leadingNumber = regexp.MustCompile(`^\s*(-?\d+(?:[.,]\d+)?)`)

// ObservationValue reads valueQuantity.value, then the first component
// valueQuantity, then the leading number of a component valueString
// ("25.17 kg/m2").
func ObservationValue(obs map[string]interface{}) (float64, bool) {
	if v, ok := fhir.Float(obs, "valueQuantity", "value"); ok {
		return v, true
	}
	comps := fhir.Objects(obs, "component")
	for _, c := range comps {
		if v, ok := fhir.Float(c, "valueQuantity", "value"); ok {
			return v, true
		}
	}
	for _, c := range comps {
		if v, ok := parseLeading(fhir.String(c, "valueString")); ok {
			return v, true
		}
	}
	return 0, false
}

func parseLeading(s string) (float64, bool) {
	m := leadingNumber.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	return v, err == nil
}

// questionnaire scans screening QuestionnaireResponses, TCA-tagged ones
// first and newest first within each group, and takes smoking and waist
// from the first response that carries either.
func (g *Gatherer) questionnaire(ctx context.Context, out *Gathered) error {
	q := url.Values{}
	q.Set("subject", fhir.FormatReference("Patient", out.Patient.ID))
	found, err := g.store.Search(ctx, "QuestionnaireResponse", q)
	if err != nil {
		return fmt.Errorf("search questionnaire responses: %w", err)
	}
	sort.SliceStable(found, func(i, j int) bool {
		ti, tj := hasSystem(found[i], TCASystem), hasSystem(found[j], TCASystem)
		if ti != tj {
			return ti
		}
		return fhir.LastUpdated(found[i], "authored").After(fhir.LastUpdated(found[j], "authored"))
	})

	for _, qr := range found {
		if g.readScreening(qr, out) {
			out.Evidence.QuestionnaireResponse = fhir.String(qr, "id")
			return nil
		}
	}
	return nil
}

func hasSystem(r map[string]interface{}, system string) bool {
	for _, id := range fhir.Objects(r, "identifier") {
		if fhir.String(id, "system") == system {
			return true
		}
	}
	return false
}

func (g *Gatherer) readScreening(qr map[string]interface{}, out *Gathered) bool {
	found := false
	for _, section := range fhir.Objects(qr, "item") {
		if fhir.String(section, "linkId") != linkSection {
			continue
		}
		for _, question := range fhir.Objects(section, "item") {
			switch fhir.String(question, "linkId") {
			case linkSmoking:
				if readSmoking(question, out) {
					found = true
				}
			case linkWaist:
				if v, ok := fhir.Float(question, "answer", "0", "valueInteger"); ok {
					out.Observations.WaistCM = &v
					found = true
				}
			}
		}
	}
	return found
}

func readSmoking(question map[string]interface{}, out *Gathered) bool {
	if v, ok := fhir.Path(question, "answer", "0", "valueBoolean"); ok {
		if b, isBool := v.(bool); isBool {
			out.Observations.Smoking = &b
			return true
		}
	}
	found := false
	present := map[string]bool{}
	for _, sub := range fhir.Objects(question, "item") {
		link := fhir.String(sub, "linkId")
		present[link] = true
		for _, a := range fhir.Objects(sub, "answer") {
			switch link {
			case linkCigsPerYear:
				if s := fhir.String(a, "valueString"); s != "" {
					out.CigsPerYear, found = s, true
				}
				if n, ok := fhir.Float(a, "valueInteger"); ok {
					out.CigsPerYear, found = strconv.Itoa(int(n)), true
				}
			case linkYearsSmoked:
				if n, ok := fhir.Float(a, "valueInteger"); ok {
					years := int(n)
					out.YearsSmoking, found = &years, true
				}
			}
		}
	}
	if present[linkCigsPerYear] && present[linkYearsSmoked] {
		smoking := true
		out.Observations.Smoking = &smoking
		found = true
	}
	return found
}

// family marks a match when a completed FamilyMemberHistory of a configured
// relationship lists a condition containing a configured risk term. A
// successful search without matches scores as "no history".
func (g *Gatherer) family(ctx context.Context, out *Gathered) error {
	q := url.Values{}
	q.Set("patient", out.Patient.ID)
	found, err := g.store.Search(ctx, "FamilyMemberHistory", q)
	if err != nil {
		return fmt.Errorf("search family history: %w", err)
	}

	rules := g.tables.Family
	for _, fmh := range found {
		if fhir.String(fmh, "status") != "completed" {
			continue
		}
		rel := fhir.String(fmh, "relationship", "text")
		if rel == "" {
			rel = fhir.String(fmh, "relationship", "coding", "0", "display")
		}
		if !matchesAny(rel, rules.Relationships, true) {
			continue
		}
		for _, cond := range fhir.Objects(fmh, "condition") {
			disp := fhir.String(cond, "code", "coding", "0", "display")
			if disp == "" {
				disp = fhir.String(cond, "code", "coding", "0", "code")
			}
			if disp == "" {
				disp = fhir.String(cond, "code", "text")
			}
			if matchesAny(disp, rules.RiskConditions, false) {
				out.FamilyMatches = append(out.FamilyMatches, FamilyMatch{Relationship: rel, Condition: disp})
			}
		}
	}
	match := len(out.FamilyMatches) > 0
	out.Observations.FamilyHistory = &match
	return nil
}

func matchesAny(s string, terms []string, exact bool) bool {
	f := textnorm.Fold(s)
	for _, t := range terms {
		t = textnorm.Fold(t)
		if t == "" {
			continue
		}
		if (exact && f == t) || (!exact && strings.Contains(f, t)) {
			return true
		}
	}
	return false
}

var (
	reBMIValue = regexp.MustCompile(`imc\s*=\s*(\d+(?:[.,]\d+)?)`)
	reNumber   = regexp.MustCompile(`(\d+(?:[.,]\d+)?)`)
)

// Overlay replaces observations with the answered risk checklist values.
// Values that cannot be read leave the store observation in place.
func Overlay(obs *Observations, answers map[string]string) {
	if v, ok := answers[checklist.ItemBMI]; ok {
		if m := reBMIValue.FindStringSubmatch(textnorm.Fold(v)); m != nil {
			if f, ok := parseLeading(m[1]); ok {
				obs.BMI = &f
			}
		}
	}
	if v, ok := answers[checklist.ItemWaist]; ok {
		if f, ok := firstNumber(v); ok {
			obs.WaistCM = &f
		}
	}
	if v, ok := answers[checklist.ItemAge]; ok {
		if f, ok := firstNumber(v); ok {
			obs.Age = &f
		}
	}
	if v, ok := answers[checklist.ItemSex]; ok {
		if s := ParseSex(v); s != "" {
			obs.Sex = s
		}
	}
	if v, ok := answers[checklist.ItemSmoking]; ok {
		if b, ok := yesNo(v, "actual"); ok {
			obs.Smoking = &b
		}
	}
	if v, ok := answers[checklist.ItemFamilyHistory]; ok {
		if b, ok := yesNo(v); ok {
			obs.FamilyHistory = &b
		}
	}
}

func firstNumber(s string) (float64, bool) {
	m := reNumber.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return parseLeading(m[1])
}

// yesNo reads an affirmative or negative answer; extra lists further
// affirmative words. Negatives are checked first.
func yesNo(s string, extra ...string) (bool, bool) {
	f := textnorm.Fold(s)
	switch {
	case f == "no" || f == "false" || strings.HasPrefix(f, "no ") || strings.HasPrefix(f, "ex"):
		return false, true
	case f == "si" || f == "yes" || f == "true" || strings.HasPrefix(f, "si "):
		return true, true
	}
	for _, e := range extra {
		if f == e {
			return true, true
		}
	}
	return false, false
}
