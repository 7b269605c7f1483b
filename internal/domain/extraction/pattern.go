// Package extraction turns free-text patient utterances into checklist
// answers, first with deterministic rules and then with a completion model.
package extraction

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/goes/intake/internal/domain/checklist"
	"github.com/goes/intake/internal/platform/textnorm"
)

// lbToKg is the exact avoirdupois pound.
const lbToKg = 0.45359237

// Candidate is one extracted (item, normalized value) pair.
type Candidate struct {
	Name  string
	Value string
}

// Patterns run against folded text (lowercase, no accents), so every
// literal below is written without diacritics.
var (
	reHeightM   = regexp.MustCompile(`(\d+[.,]?\d*)\s*(?:m|metros?)\b`)
	reHeightCM  = regexp.MustCompile(`(\d+)\s*cm\b`)
	reWeightKG  = regexp.MustCompile(`(\d+[.,]?\d*)\s*kg\b`)
	reWeightLB  = regexp.MustCompile(`(\d+[.,]?\d*)\s*(?:lbs?|libras?)\b`)
	reWaistTag  = regexp.MustCompile(`cintura[^\d]{0,12}(\d{2,3})\s*cm\b`)
	reWaistBare = regexp.MustCompile(`(\d{2,3})\s*cm\b`)
	reHeightCue = regexp.MustCompile(`\b(mido|mide|estatura|altura|talla)\b`)

	reSmokes    = regexp.MustCompile(`\b(fumo|fumar|fumando|soy\s+fumador|fumadora)\b`)
	reSmokesNeg = regexp.MustCompile(`\b(no\s+fumo|no\s+fuma|no\s+soy\s+fumador|no\s+soy\s+fumadora|deje\s+de\s+fumar|ex\s*-?fumador|ex\s*-?fumadora)\b`)

	reParent    = regexp.MustCompile(`\b(madre|padre|mama|papa)\b`)
	reCondition = regexp.MustCompile(`\b(diabetes(\s+tipo\s*2)?|hta|hipertension)\b`)
	reFamilyNeg = regexp.MustCompile(`\b(ninguno|ninguna|no\s+tengo|sin)\b.*\b(antecedentes|familia|madre|padre|papa|mama|hipertension|diabetes)\b`)

	reFemale = regexp.MustCompile(`\b(mujer|femenin[oa])\b`)
	reMale   = regexp.MustCompile(`\b(hombre|masculin[oa])\b`)

	reAgeYears = regexp.MustCompile(`\b(\d{1,3})\s*anos\b`)
	reAgeTengo = regexp.MustCompile(`\btengo\s+(\d{1,3})\b(\s*(kg|kilos|lb|lbs|libras|cm|m|metros)\b)?`)
)

// ExtractRisk applies the risk-factor rules for the pending items only and
// returns one candidate per resolved item, in pending order.
func ExtractRisk(text string, pending []string) []Candidate {
	t := textnorm.Fold(text)
	if t == "" {
		return nil
	}
	var out []Candidate
	for _, name := range pending {
		var (
			value string
			ok    bool
		)
		switch name {
		case checklist.ItemBMI:
			var a Anthropometry
			if a, ok = HeightWeight(t); ok {
				value = a.Summary()
			}
		case checklist.ItemWaist:
			var cm int
			if cm, ok = WaistCM(t); ok {
				value = strconv.Itoa(cm)
			}
		case checklist.ItemSmoking:
			value, ok = Smoking(t)
		case checklist.ItemFamilyHistory:
			value, ok = FamilyHistory(t)
		case checklist.ItemSex:
			value, ok = Sex(t)
		case checklist.ItemAge:
			var age int
			if age, ok = Age(t); ok {
				value = strconv.Itoa(age)
			}
		}
		if ok {
			out = append(out, Candidate{Name: name, Value: value})
		}
	}
	return out
}

// Anthropometry is a height/weight pair with the derived body-mass index.
type Anthropometry struct {
	HeightM  float64
	WeightKg float64
	BMI      float64
}

// Summary renders the checklist value, e.g. "altura=180cm peso=80kg imc=24.69".
func (a Anthropometry) Summary() string {
	return "altura=" + strconv.Itoa(int(math.Round(a.HeightM*100))) + "cm" +
		" peso=" + strconv.FormatFloat(a.WeightKg, 'f', -1, 64) + "kg" +
		" imc=" + strconv.FormatFloat(a.BMI, 'f', -1, 64)
}

// HeightWeight finds a plausible height (m or cm) and weight (kg or lb) in
// folded text. Both must be present.
func HeightWeight(t string) (Anthropometry, bool) {
	h, okH := height(t)
	w, okW := weight(t)
	if !okH || !okW {
		return Anthropometry{}, false
	}
	return Anthropometry{HeightM: h, WeightKg: w, BMI: round2(w / (h * h))}, true
}

func height(t string) (float64, bool) {
	if v, ok := firstFloat(reHeightM, t); ok && v > 0.5 && v < 2.5 {
		return v, true
	}
	if v, ok := firstFloat(reHeightCM, t); ok && v > 50 && v < 260 {
		return v / 100, true
	}
	return 0, false
}

func weight(t string) (float64, bool) {
	if v, ok := firstFloat(reWeightKG, t); ok && v > 20 && v < 400 {
		return v, true
	}
	if v, ok := firstFloat(reWeightLB, t); ok && v > 40 && v < 900 {
		return round2(v * lbToKg), true
	}
	return 0, false
}

// WaistCM reads a waist circumference in whole centimetres. A bare "NN cm"
// without the word "cintura" is ignored when the utterance talks about
// height, since that number is the height.
func WaistCM(t string) (int, bool) {
	if m := reWaistTag.FindStringSubmatch(t); m != nil {
		return plausibleWaist(m[1])
	}
	if heightContext(t) {
		return 0, false
	}
	if m := reWaistBare.FindStringSubmatch(t); m != nil {
		return plausibleWaist(m[1])
	}
	return 0, false
}

func heightContext(t string) bool {
	if reHeightCue.MatchString(t) {
		return true
	}
	_, metres := firstFloat(reHeightM, t)
	return metres
}

func plausibleWaist(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 40 || v > 200 {
		return 0, false
	}
	return v, true
}

// Smoking returns "actual" or "no". An explicit negation or former-smoker
// phrase wins over an affirmative keyword in the same utterance.
func Smoking(t string) (string, bool) {
	if reSmokesNeg.MatchString(t) {
		return "no", true
	}
	if reSmokes.MatchString(t) {
		return "actual", true
	}
	return "", false
}

// FamilyHistory returns "si" when a parent keyword and a target condition
// co-occur and "no" on an explicit negation.
func FamilyHistory(t string) (string, bool) {
	if reFamilyNeg.MatchString(t) {
		return "no", true
	}
	if reParent.MatchString(t) && reCondition.MatchString(t) {
		return "si", true
	}
	return "", false
}

func Sex(t string) (string, bool) {
	if reFemale.MatchString(t) {
		return "mujer", true
	}
	if reMale.MatchString(t) {
		return "hombre", true
	}
	return "", false
}

// Age reads "<N> años" or "tengo <N>"; the latter is rejected when a unit
// follows the number ("tengo 80 kilos").
func Age(t string) (int, bool) {
	if m := reAgeYears.FindStringSubmatch(t); m != nil {
		return plausibleAge(m[1])
	}
	if m := reAgeTengo.FindStringSubmatch(t); m != nil && m[2] == "" {
		return plausibleAge(m[1])
	}
	return 0, false
}

func plausibleAge(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 || v >= 120 {
		return 0, false
	}
	return v, true
}

func firstFloat(re *regexp.Regexp, t string) (float64, bool) {
	m := re.FindStringSubmatch(t)
	if m == nil {
		return 0, false
	}
	return parseDecimal(m[1])
}

// parseDecimal accepts a comma as decimal separator.
func parseDecimal(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	return v, err == nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
