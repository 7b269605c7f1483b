// Package risk scores type 2 diabetes risk factors against configurable
// range tables and records the result as a FHIR RiskAssessment.
package risk

import "math"

type Sex string

const (
	SexFemale Sex = "female"
	SexMale   Sex = "male"
)

type GlucoseCategory string

const (
	GlucoseNormal      GlucoseCategory = "normal"
	GlucosePrediabetes GlucoseCategory = "prediabetes"
	GlucoseDiabetes    GlucoseCategory = "diabetes"
)

type Category string

const (
	CategoryLow    Category = "low"
	CategoryMedium Category = "medium"
	CategoryHigh   Category = "high"
)

// Display is the Spanish label of a category.
func (c Category) Display() string {
	switch c {
	case CategoryLow:
		return "bajo"
	case CategoryMedium:
		return "medio"
	case CategoryHigh:
		return "alto"
	}
	return ""
}

// Factor names, in report order.
const (
	FactorBMI           = "imc"
	FactorAge           = "edad"
	FactorSex           = "sexo"
	FactorWaist         = "cintura_cm"
	FactorSmoking       = "fumar"
	FactorFamily        = "antecedentes_familiares"
	FactorGlucose       = "analitos"
	FactorTriglycerides = "trigliceridos"
	FactorHDL           = "hdl"
)

// Observations is the input bag. Nil fields and an empty Sex are absent.
type Observations struct {
	BMI            *float64
	Age            *float64
	Sex            Sex
	WaistCM        *float64
	Smoking        *bool
	FamilyHistory  *bool
	FastingGlucose *float64
	HbA1c          *float64
	Triglycerides  *float64
	HDL            *float64
}

// FactorScore is the contribution of one factor. Score is nil when the
// observation is absent or cannot be scored; Max only counts towards the
// aggregate when Score is set.
type FactorScore struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value,omitempty"`
	Label string   `json:"label,omitempty"`
	Score *int     `json:"score"`
	Max   int      `json:"max"`
}

type GlucosePanel struct {
	FPG           *float64        `json:"fpg,omitempty"`
	FPGCategory   GlucoseCategory `json:"fpg_category,omitempty"`
	HbA1c         *float64        `json:"hba1c,omitempty"`
	HbA1cCategory GlucoseCategory `json:"hba1c_category,omitempty"`
}

// Aggregate sums the scored factors. Percentage and Category are nil when
// no factor could be scored.
type Aggregate struct {
	Obtained   int       `json:"obtained"`
	Max        int       `json:"max"`
	Percentage *float64  `json:"percentage"`
	Category   *Category `json:"category"`
}

type Result struct {
	Factors   []FactorScore `json:"factors"`
	Glucose   GlucosePanel  `json:"glucose"`
	Aggregate Aggregate     `json:"aggregate"`
}

// Factor looks a factor up by name.
func (r Result) Factor(name string) (FactorScore, bool) {
	for _, f := range r.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return FactorScore{}, false
}

// Score maps obs onto per-factor scores and the aggregate. It does no I/O.
func Score(obs Observations, t *Tables) Result {
	var res Result

	res.Factors = append(res.Factors,
		tableFactor(FactorBMI, obs.BMI, t.BMI, true),
		tableFactor(FactorAge, obs.Age, t.Age, true),
		sexFactor(obs.Sex, t.Sex),
		bySexFactor(FactorWaist, obs.WaistCM, obs.Sex, t.Waist),
		smokingFactor(obs.Smoking, t.Smoking),
		familyFactor(obs.FamilyHistory, t.Family),
	)

	panel, glucose := glucoseFactor(obs.FastingGlucose, obs.HbA1c, t.Analytes)
	res.Glucose = panel
	res.Factors = append(res.Factors,
		glucose,
		tableFactor(FactorTriglycerides, obs.Triglycerides, t.Triglycerides, true),
		bySexFactor(FactorHDL, obs.HDL, obs.Sex, t.HDL),
	)

	for _, f := range res.Factors {
		if f.Score == nil {
			continue
		}
		res.Aggregate.Obtained += *f.Score
		res.Aggregate.Max += f.Max
	}
	if res.Aggregate.Max > 0 {
		pct := round2(float64(res.Aggregate.Obtained) / float64(res.Aggregate.Max) * 100)
		cat := Categorize(pct, t.Categories)
		res.Aggregate.Percentage = &pct
		res.Aggregate.Category = &cat
	}
	return res
}

// Categorize buckets an aggregate percentage.
func Categorize(pct float64, c Categories) Category {
	switch {
	case pct < c.MediumMin:
		return CategoryLow
	case pct < c.HighMin:
		return CategoryMedium
	}
	return CategoryHigh
}

func tableFactor(name string, v *float64, tbl Table, present bool) FactorScore {
	f := FactorScore{Name: name, Value: v, Max: tbl.Max()}
	if v == nil || !present {
		return f
	}
	if s, ok := tbl.Score(*v); ok {
		f.Score = &s
	}
	return f
}

func bySexFactor(name string, v *float64, sex Sex, tables BySex) FactorScore {
	tbl, ok := tables.For(sex)
	f := tableFactor(name, v, tbl, ok)
	if !ok {
		f.Max = max(tables.Male.Max(), tables.Female.Max())
	}
	return f
}

func sexFactor(sex Sex, s SexScores) FactorScore {
	f := FactorScore{Name: FactorSex, Max: max(s.Female, s.Male)}
	switch sex {
	case SexFemale:
		f.Label, f.Score = "mujer", intPtr(s.Female)
	case SexMale:
		f.Label, f.Score = "hombre", intPtr(s.Male)
	}
	return f
}

func smokingFactor(smoking *bool, s SmokingScores) FactorScore {
	f := FactorScore{Name: FactorSmoking, Max: max(s.Current, s.None)}
	if smoking == nil {
		return f
	}
	if *smoking {
		f.Label, f.Score = "actual", intPtr(s.Current)
	} else {
		f.Label, f.Score = "no", intPtr(s.None)
	}
	return f
}

func familyFactor(match *bool, rules FamilyRules) FactorScore {
	f := FactorScore{Name: FactorFamily, Max: max(rules.ScoreIfAny, rules.ScoreIfNone)}
	if match == nil {
		return f
	}
	if *match {
		f.Label, f.Score = "si", intPtr(rules.ScoreIfAny)
	} else {
		f.Label, f.Score = "no", intPtr(rules.ScoreIfNone)
	}
	return f
}

// glucoseFactor combines fasting glucose and HbA1c: diabetes range in
// either scores GlucoseMax, prediabetes in either 3, and 0 when at least one
// is normal and the other is normal or absent.
func glucoseFactor(fpg, a1c *float64, a Analytes) (GlucosePanel, FactorScore) {
	panel := GlucosePanel{FPG: fpg, HbA1c: a1c}
	if fpg != nil {
		panel.FPGCategory = a.FPG.Classify(*fpg)
	}
	if a1c != nil {
		panel.HbA1cCategory = a.HbA1c.Classify(*a1c)
	}
	f := FactorScore{Name: FactorGlucose, Max: GlucoseMax}

	cats := []GlucoseCategory{panel.FPGCategory, panel.HbA1cCategory}
	has := func(c GlucoseCategory) bool { return cats[0] == c || cats[1] == c }
	normalOrAbsent := func(v *float64, c GlucoseCategory) bool { return v == nil || c == GlucoseNormal }

	switch {
	case has(GlucoseDiabetes):
		f.Label, f.Score = string(GlucoseDiabetes), intPtr(GlucoseMax)
	case has(GlucosePrediabetes):
		f.Label, f.Score = string(GlucosePrediabetes), intPtr(3)
	case has(GlucoseNormal) && normalOrAbsent(fpg, panel.FPGCategory) && normalOrAbsent(a1c, panel.HbA1cCategory):
		f.Label, f.Score = string(GlucoseNormal), intPtr(0)
	}
	return panel, f
}

func intPtr(v int) *int { return &v }

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
