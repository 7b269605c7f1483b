package risk

import (
	"strconv"

	"github.com/goes/intake/internal/domain/checklist"
)

// Answers renders the observations as risk checklist values, in the same
// vocabulary the pattern extractor produces, so Overlay reads them back
// unchanged. Absent observations are left out, and so is a negative family
// history: no matching record is not a reported absence.
func (o Observations) Answers() map[string]string {
	out := make(map[string]string, 6)
	if o.BMI != nil {
		out[checklist.ItemBMI] = "imc=" + formatNumber(*o.BMI)
	}
	if o.WaistCM != nil {
		out[checklist.ItemWaist] = formatNumber(*o.WaistCM)
	}
	if o.Smoking != nil {
		out[checklist.ItemSmoking] = "no"
		if *o.Smoking {
			out[checklist.ItemSmoking] = "actual"
		}
	}
	if o.FamilyHistory != nil && *o.FamilyHistory {
		out[checklist.ItemFamilyHistory] = "si"
	}
	switch o.Sex {
	case SexFemale:
		out[checklist.ItemSex] = "mujer"
	case SexMale:
		out[checklist.ItemSex] = "hombre"
	}
	if o.Age != nil {
		out[checklist.ItemAge] = formatNumber(*o.Age)
	}
	return out
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(round2(v), 'f', -1, 64)
}
