package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func score(t *testing.T, r Result, name string) *int {
	t.Helper()
	f, ok := r.Factor(name)
	require.True(t, ok, "factor %s", name)
	return f.Score
}

func TestScore_Empty(t *testing.T) {
	r := Score(Observations{}, DefaultTables())
	assert.Equal(t, 0, r.Aggregate.Obtained)
	assert.Equal(t, 0, r.Aggregate.Max)
	assert.Nil(t, r.Aggregate.Percentage)
	assert.Nil(t, r.Aggregate.Category)
	for _, f := range r.Factors {
		assert.Nil(t, f.Score, f.Name)
	}
}

func TestScore_AllFactors(t *testing.T) {
	obs := Observations{
		BMI:            f64(31.2),
		Age:            f64(58),
		Sex:            SexMale,
		WaistCM:        f64(100),
		Smoking:        boolPtr(true),
		FamilyHistory:  boolPtr(true),
		FastingGlucose: f64(110),
		HbA1c:          f64(5.5),
		Triglycerides:  f64(160),
		HDL:            f64(35),
	}
	r := Score(obs, DefaultTables())

	assert.Equal(t, 3, *score(t, r, FactorBMI))
	assert.Equal(t, 3, *score(t, r, FactorAge))
	assert.Equal(t, 1, *score(t, r, FactorSex))
	assert.Equal(t, 3, *score(t, r, FactorWaist))
	assert.Equal(t, 3, *score(t, r, FactorSmoking))
	assert.Equal(t, 2, *score(t, r, FactorFamily))
	assert.Equal(t, 3, *score(t, r, FactorGlucose))
	assert.Equal(t, 1, *score(t, r, FactorTriglycerides))
	assert.Equal(t, 2, *score(t, r, FactorHDL))

	// 3+4+1+4+3+2+5+2+2
	assert.Equal(t, 26, r.Aggregate.Max)
	assert.Equal(t, 21, r.Aggregate.Obtained)
	require.NotNil(t, r.Aggregate.Percentage)
	assert.Equal(t, 80.77, *r.Aggregate.Percentage)
	assert.Equal(t, CategoryHigh, *r.Aggregate.Category)
	assert.Equal(t, GlucosePrediabetes, r.Glucose.FPGCategory)
	assert.Equal(t, GlucoseNormal, r.Glucose.HbA1cCategory)
}

func TestScore_PercentageDefinition(t *testing.T) {
	obs := Observations{BMI: f64(27), Age: f64(40), Sex: SexFemale}
	r := Score(obs, DefaultTables())
	// imc 1/3, edad 0/4, sexo 0/1
	assert.Equal(t, 1, r.Aggregate.Obtained)
	assert.Equal(t, 8, r.Aggregate.Max)
	assert.Equal(t, 12.5, *r.Aggregate.Percentage)
	assert.Equal(t, CategoryLow, *r.Aggregate.Category)
}

func TestScore_SexDependentFactorsNeedSex(t *testing.T) {
	r := Score(Observations{WaistCM: f64(100), HDL: f64(30)}, DefaultTables())
	assert.Nil(t, score(t, r, FactorWaist))
	assert.Nil(t, score(t, r, FactorHDL))
	assert.Nil(t, r.Aggregate.Percentage)

	r = Score(Observations{Sex: SexFemale, WaistCM: f64(85), HDL: f64(55)}, DefaultTables())
	assert.Equal(t, 3, *score(t, r, FactorWaist))
	assert.Equal(t, 0, *score(t, r, FactorHDL))
}

func TestScore_GlucosePanel(t *testing.T) {
	tests := []struct {
		name string
		fpg  *float64
		a1c  *float64
		want *int
	}{
		{"both absent", nil, nil, nil},
		{"fpg diabetes", f64(130), nil, intPtr(5)},
		{"a1c diabetes overrides normal fpg", f64(90), f64(6.8), intPtr(5)},
		{"a1c prediabetes", nil, f64(6), intPtr(3)},
		{"fpg normal only", f64(85), nil, intPtr(0)},
		{"both normal", f64(85), f64(5.2), intPtr(0)},
		{"normal with gap value", f64(85), f64(5.695), nil},
		{"gap only", f64(99.95), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Score(Observations{FastingGlucose: tt.fpg, HbA1c: tt.a1c}, DefaultTables())
			assert.Equal(t, tt.want, score(t, r, FactorGlucose))
		})
	}
}

func TestCategorize_Boundaries(t *testing.T) {
	c := DefaultTables().Categories
	tests := []struct {
		pct  float64
		want Category
	}{
		{0, CategoryLow},
		{19.99, CategoryLow},
		{20, CategoryMedium},
		{29.99, CategoryMedium},
		{30, CategoryHigh},
		{100, CategoryHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Categorize(tt.pct, c), "pct %v", tt.pct)
	}
	assert.Equal(t, "medio", CategoryMedium.Display())
}

func TestScore_NegativeSmokingAndFamily(t *testing.T) {
	r := Score(Observations{Smoking: boolPtr(false), FamilyHistory: boolPtr(false)}, DefaultTables())
	assert.Equal(t, 0, *score(t, r, FactorSmoking))
	assert.Equal(t, 0, *score(t, r, FactorFamily))
	assert.Equal(t, 5, r.Aggregate.Max)
	assert.Equal(t, 0.0, *r.Aggregate.Percentage)
}
