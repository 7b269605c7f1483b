package risk

// Range is one scoring interval. Present bounds are inclusive; a missing
// bound is open-ended. A range without either bound never matches.
type Range struct {
	Min   *float64 `yaml:"min" json:"min,omitempty"`
	Max   *float64 `yaml:"max" json:"max,omitempty"`
	Score int      `yaml:"score" json:"score"`
}

func (r Range) contains(v float64) bool {
	switch {
	case r.Min != nil && r.Max != nil:
		return v >= *r.Min && v <= *r.Max
	case r.Min != nil:
		return v >= *r.Min
	case r.Max != nil:
		return v <= *r.Max
	}
	return false
}

// Table is an ordered list of ranges.
type Table struct {
	Ranges []Range `yaml:"ranges" json:"ranges"`
}

// Score returns the score of the first range containing v. ok is false when
// v falls in a gap of the table.
func (t Table) Score(v float64) (score int, ok bool) {
	for _, r := range t.Ranges {
		if r.contains(v) {
			return r.Score, true
		}
	}
	return 0, false
}

// Max is the highest attainable score.
func (t Table) Max() int {
	m := 0
	for i, r := range t.Ranges {
		if i == 0 || r.Score > m {
			m = r.Score
		}
	}
	return m
}

func (t Table) empty() bool { return len(t.Ranges) == 0 }
