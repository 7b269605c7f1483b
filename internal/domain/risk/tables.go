package risk

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var embeddedTables []byte

// GlucoseMax is the attainable maximum of the combined glucose panel.
const GlucoseMax = 5

// BySex holds one table per biological sex.
type BySex struct {
	Male   Table `yaml:"male" json:"male"`
	Female Table `yaml:"female" json:"female"`
}

// For returns the table for sex; ok is false for an unknown sex.
func (b BySex) For(sex Sex) (Table, bool) {
	switch sex {
	case SexMale:
		return b.Male, !b.Male.empty()
	case SexFemale:
		return b.Female, !b.Female.empty()
	}
	return Table{}, false
}

// Analyte holds the diagnostic cut-offs of one glucose-panel test.
type Analyte struct {
	DiabetesMin    float64 `yaml:"diabetes_min" json:"diabetes_min"`
	PrediabetesMin float64 `yaml:"prediabetes_min" json:"prediabetes_min"`
	PrediabetesMax float64 `yaml:"prediabetes_max" json:"prediabetes_max"`
	NormalMax      float64 `yaml:"normal_max" json:"normal_max"`
}

// Classify maps a measurement onto a glucose category. Values in a gap
// between the configured cut-offs return "".
func (a Analyte) Classify(v float64) GlucoseCategory {
	switch {
	case v >= a.DiabetesMin:
		return GlucoseDiabetes
	case v >= a.PrediabetesMin && v <= a.PrediabetesMax:
		return GlucosePrediabetes
	case v <= a.NormalMax:
		return GlucoseNormal
	}
	return ""
}

type SmokingScores struct {
	Current int `yaml:"current" json:"current"`
	None    int `yaml:"none" json:"none"`
}

type SexScores struct {
	Female int `yaml:"female" json:"female"`
	Male   int `yaml:"male" json:"male"`
}

// FamilyRules decide which FamilyMemberHistory entries count as first
// degree history of a target condition.
type FamilyRules struct {
	Relationships  []string `yaml:"relationships" json:"relationships"`
	RiskConditions []string `yaml:"risk_conditions" json:"risk_conditions"`
	ScoreIfAny     int      `yaml:"score_if_any" json:"score_if_any"`
	ScoreIfNone    int      `yaml:"score_if_none" json:"score_if_none"`
}

type Analytes struct {
	FPG   Analyte `yaml:"fpg_mg_dl" json:"fpg_mg_dl"`
	HbA1c Analyte `yaml:"hba1c_pct" json:"hba1c_pct"`
}

// Categories are the aggregate percentage cut-offs: below MediumMin is low,
// below HighMin is medium, anything else high.
type Categories struct {
	MediumMin float64 `yaml:"medium_min_pct" json:"medium_min_pct"`
	HighMin   float64 `yaml:"high_min_pct" json:"high_min_pct"`
}

// Tables is the complete scoring configuration.
type Tables struct {
	BMI           Table         `yaml:"imc" json:"imc"`
	Age           Table         `yaml:"edad" json:"edad"`
	Waist         BySex         `yaml:"cintura_cm" json:"cintura_cm"`
	Smoking       SmokingScores `yaml:"fumar" json:"fumar"`
	Sex           SexScores     `yaml:"sexo" json:"sexo"`
	Family        FamilyRules   `yaml:"antecedentes_familiares" json:"antecedentes_familiares"`
	Analytes      Analytes      `yaml:"analitos" json:"analitos"`
	Triglycerides Table         `yaml:"trigliceridos_mg_dl" json:"trigliceridos_mg_dl"`
	HDL           BySex         `yaml:"hdl_mg_dl" json:"hdl_mg_dl"`
	Categories    Categories    `yaml:"riesgo_global" json:"riesgo_global"`
}

// LoadTables decodes a YAML table set. Keys absent from the document keep
// their embedded default.
func LoadTables(r io.Reader) (*Tables, error) {
	t, err := decodeTables(bytes.NewReader(embeddedTables), &Tables{})
	if err != nil {
		return nil, fmt.Errorf("embedded risk tables: %w", err)
	}
	if _, err := decodeTables(r, t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func decodeTables(r io.Reader, into *Tables) (*Tables, error) {
	if err := yaml.NewDecoder(r).Decode(into); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode risk tables: %w", err)
	}
	return into, nil
}

// LoadTablesFile reads an override file.
func LoadTablesFile(path string) (*Tables, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open risk tables: %w", err)
	}
	defer f.Close()
	return LoadTables(f)
}

var (
	defaultOnce   sync.Once
	defaultTables *Tables
)

// DefaultTables returns the embedded tables.
func DefaultTables() *Tables {
	defaultOnce.Do(func() {
		t, err := LoadTables(bytes.NewReader(nil))
		if err != nil {
			panic(fmt.Sprintf("embedded risk tables: %v", err))
		}
		defaultTables = t
	})
	return defaultTables
}

// Validate checks the cut-offs are ordered and every table can score.
func (t *Tables) Validate() error {
	for name, tbl := range map[string]Table{
		"imc":                 t.BMI,
		"edad":                t.Age,
		"cintura_cm.male":     t.Waist.Male,
		"cintura_cm.female":   t.Waist.Female,
		"trigliceridos_mg_dl": t.Triglycerides,
		"hdl_mg_dl.male":      t.HDL.Male,
		"hdl_mg_dl.female":    t.HDL.Female,
	} {
		if tbl.empty() {
			return fmt.Errorf("risk table %s has no ranges", name)
		}
		for i, r := range tbl.Ranges {
			if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
				return fmt.Errorf("risk table %s range %d: min %v above max %v", name, i, *r.Min, *r.Max)
			}
		}
	}
	c := t.Categories
	if c.MediumMin <= 0 || c.HighMin <= c.MediumMin || c.HighMin > 100 {
		return fmt.Errorf("riesgo_global cut-offs must satisfy 0 < medium (%v) < high (%v) <= 100", c.MediumMin, c.HighMin)
	}
	if len(t.Family.Relationships) == 0 || len(t.Family.RiskConditions) == 0 {
		return fmt.Errorf("antecedentes_familiares needs relationships and risk_conditions")
	}
	return nil
}
