package fhir

import (
	"net/url"
	"testing"
)

func TestParseSearchParams(t *testing.T) {
	q := url.Values{}
	q.Set("identifier", "http://example.org/ids|abc")
	q.Set("patient", "p1")
	q.Set("code", "HDL")
	q.Set("_sort", "-date")
	q.Set("_count", "5")

	p := ParseSearchParams(q)

	if p.IdentifierSystem != "http://example.org/ids" || p.IdentifierValue != "abc" {
		t.Errorf("unexpected identifier: %q|%q", p.IdentifierSystem, p.IdentifierValue)
	}
	if p.Subject != "Patient/p1" {
		t.Errorf("expected Patient/p1, got %q", p.Subject)
	}
	if !p.SortDate || !p.Desc {
		t.Error("expected descending date sort")
	}
	if p.Count != 5 {
		t.Errorf("expected count 5, got %d", p.Count)
	}
}

func TestParseSearchParams_SubjectWins(t *testing.T) {
	q := url.Values{}
	q.Set("subject", "Patient/a")
	q.Set("patient", "b")
	if p := ParseSearchParams(q); p.Subject != "Patient/a" {
		t.Errorf("expected subject to take precedence, got %q", p.Subject)
	}
}

func TestSearchParams_Matches(t *testing.T) {
	obs := map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"code": "2085-9", "display": "HDL Cholesterol"},
			},
		},
	}

	tests := []struct {
		name string
		p    SearchParams
		want bool
	}{
		{"empty", SearchParams{}, true},
		{"subject", SearchParams{Subject: "Patient/p1"}, true},
		{"other subject", SearchParams{Subject: "Patient/p2"}, false},
		{"status", SearchParams{Status: "final"}, true},
		{"wrong status", SearchParams{Status: "amended"}, false},
		{"code", SearchParams{Code: "2085-9"}, true},
		{"display case-insensitive", SearchParams{Code: "hdl cholesterol"}, true},
		{"identifier missing", SearchParams{IdentifierValue: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Matches(obs); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSearchParams_MatchesPatientElement(t *testing.T) {
	ci := map[string]interface{}{"patient": map[string]interface{}{"reference": "Patient/p1"}}
	if !(SearchParams{Subject: "Patient/p1"}).Matches(ci) {
		t.Error("expected patient element to satisfy subject filter")
	}
}

func TestSearchParams_ApplySortAndCount(t *testing.T) {
	resources := []map[string]interface{}{
		{"id": "a", "date": "2024-01-01T10:00:00Z"},
		{"id": "b", "date": "2024-03-01T10:00:00Z"},
		{"id": "c", "meta": map[string]interface{}{"lastUpdated": "2024-02-01T10:00:00Z"}},
	}

	got := SearchParams{SortDate: true, Desc: true, Count: 2}.Apply(resources)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0]["id"] != "b" || got[1]["id"] != "c" {
		t.Errorf("unexpected order: %v, %v", got[0]["id"], got[1]["id"])
	}

	asc := SearchParams{SortDate: true}.Apply(resources)
	if asc[0]["id"] != "a" {
		t.Errorf("expected a first in ascending order, got %v", asc[0]["id"])
	}
}

func TestSearchParams_Encounter(t *testing.T) {
	q := url.Values{}
	q.Set("encounter", "e1")
	p := ParseSearchParams(q)
	if p.Encounter != "Encounter/e1" {
		t.Fatalf("expected Encounter/e1, got %q", p.Encounter)
	}
	if !p.Matches(map[string]interface{}{"encounter": map[string]interface{}{"reference": "Encounter/e1"}}) {
		t.Error("expected match on encounter reference")
	}
	if p.Matches(map[string]interface{}{"encounter": map[string]interface{}{"reference": "Encounter/e2"}}) {
		t.Error("expected no match for another encounter")
	}
}
