package fhir

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SearchParams is the subset of FHIR search understood by the local store
// backends. Unknown parameters are ignored.
type SearchParams struct {
	IdentifierSystem string
	IdentifierValue  string
	// Subject is a full reference ("Patient/123"); it matches either the
	// subject or the patient element.
	Subject string
	// Encounter is a full reference matched against encounter.reference.
	Encounter string
	Code      string
	Status    string
	// SortDate orders by date (falling back to meta.lastUpdated); Desc
	// reverses the order.
	SortDate bool
	Desc     bool
	Count    int
}

// ParseSearchParams maps query values onto SearchParams.
func ParseSearchParams(q url.Values) SearchParams {
	var p SearchParams
	if ident := q.Get("identifier"); ident != "" {
		if sys, val, ok := strings.Cut(ident, "|"); ok {
			p.IdentifierSystem, p.IdentifierValue = sys, val
		} else {
			p.IdentifierValue = ident
		}
	}
	if s := q.Get("subject"); s != "" {
		p.Subject = s
	}
	if pt := q.Get("patient"); pt != "" && p.Subject == "" {
		if strings.Contains(pt, "/") {
			p.Subject = pt
		} else {
			p.Subject = FormatReference("Patient", pt)
		}
	}
	if enc := q.Get("encounter"); enc != "" {
		if strings.Contains(enc, "/") {
			p.Encounter = enc
		} else {
			p.Encounter = FormatReference("Encounter", enc)
		}
	}
	p.Code = q.Get("code")
	p.Status = q.Get("status")
	switch q.Get("_sort") {
	case "date":
		p.SortDate = true
	case "-date":
		p.SortDate, p.Desc = true, true
	}
	if c, err := strconv.Atoi(q.Get("_count")); err == nil && c > 0 {
		p.Count = c
	}
	return p
}

// Matches reports whether a decoded resource satisfies the filter part of p.
func (p SearchParams) Matches(r map[string]interface{}) bool {
	if p.IdentifierValue != "" && !hasIdentifier(r, p.IdentifierSystem, p.IdentifierValue) {
		return false
	}
	if p.Subject != "" {
		subj := String(r, "subject", "reference")
		pat := String(r, "patient", "reference")
		if subj != p.Subject && pat != p.Subject {
			return false
		}
	}
	if p.Encounter != "" && String(r, "encounter", "reference") != p.Encounter {
		return false
	}
	if p.Status != "" && String(r, "status") != p.Status {
		return false
	}
	if p.Code != "" && !hasCode(r, p.Code) {
		return false
	}
	return true
}

// Apply filters, sorts and truncates resources according to p.
func (p SearchParams) Apply(resources []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(resources))
	for _, r := range resources {
		if p.Matches(r) {
			out = append(out, r)
		}
	}
	if p.SortDate {
		sort.SliceStable(out, func(i, j int) bool {
			ti, tj := sortTime(out[i]), sortTime(out[j])
			if p.Desc {
				return ti.After(tj)
			}
			return ti.Before(tj)
		})
	}
	if p.Count > 0 && len(out) > p.Count {
		out = out[:p.Count]
	}
	return out
}

func sortTime(r map[string]interface{}) time.Time {
	if t, ok := ParseDateTime(String(r, "date")); ok {
		return t
	}
	return LastUpdated(r)
}

func hasIdentifier(r map[string]interface{}, system, value string) bool {
	for _, id := range Objects(r, "identifier") {
		if String(id, "value") != value {
			continue
		}
		if system == "" || String(id, "system") == system {
			return true
		}
	}
	return false
}

func hasCode(r map[string]interface{}, code string) bool {
	if strings.EqualFold(String(r, "code", "text"), code) {
		return true
	}
	for _, c := range Objects(r, "code", "coding") {
		if strings.EqualFold(String(c, "code"), code) || strings.EqualFold(String(c, "display"), code) {
			return true
		}
	}
	return false
}
