package fhir

import (
	"strings"
	"testing"
)

func TestNewPGStore_Table(t *testing.T) {
	if got := NewPGStore(nil, "").table; got != `"fhir_resources"` {
		t.Errorf("unexpected table %s", got)
	}
	if got := NewPGStore(nil, "intake").table; got != `"intake"."fhir_resources"` {
		t.Errorf("unexpected table %s", got)
	}
}

func TestBuildSearchSQL_Minimal(t *testing.T) {
	sql, args := buildSearchSQL(`"fhir_resources"`, "Encounter", SearchParams{})
	want := `SELECT body FROM "fhir_resources" WHERE resource_type = $1 ORDER BY created_at`
	if sql != want {
		t.Errorf("got  %s\nwant %s", sql, want)
	}
	if len(args) != 1 || args[0] != "Encounter" {
		t.Errorf("unexpected args %v", args)
	}
}

func TestBuildSearchSQL_AllFilters(t *testing.T) {
	p := SearchParams{
		IdentifierSystem: "sys",
		IdentifierValue:  "s1",
		Subject:          "Patient/p1",
		Status:           "final",
		Code:             "HDL",
		SortDate:         true,
		Desc:             true,
		Count:            5,
	}
	sql, args := buildSearchSQL("t", "Observation", p)

	for _, frag := range []string{
		"body->'identifier' @> $2::jsonb",
		"body->'subject'->>'reference' = $3 OR body->'patient'->>'reference' = $3",
		"body->>'status' = $4",
		"lower(body->'code'->>'text') = $5",
		"ORDER BY COALESCE(body->>'date', body->'meta'->>'lastUpdated') DESC",
		"LIMIT $6",
	} {
		if !strings.Contains(sql, frag) {
			t.Errorf("expected SQL to contain %q\n%s", frag, sql)
		}
	}
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %d", len(args))
	}
	if args[1] != `[{"system":"sys","value":"s1"}]` {
		t.Errorf("unexpected identifier arg %v", args[1])
	}
	if args[4] != "hdl" {
		t.Errorf("expected lower-cased code, got %v", args[4])
	}
	if args[5] != 5 {
		t.Errorf("expected count 5, got %v", args[5])
	}
}

func TestBuildSearchSQL_IdentifierWithoutSystem(t *testing.T) {
	_, args := buildSearchSQL("t", "Encounter", SearchParams{IdentifierValue: "v"})
	if args[1] != `[{"value":"v"}]` {
		t.Errorf("unexpected identifier arg %v", args[1])
	}
}

func TestBuildSearchSQL_Encounter(t *testing.T) {
	sql, args := buildSearchSQL("t", "QuestionnaireResponse", SearchParams{Encounter: "Encounter/e1"})
	if !strings.Contains(sql, "body->'encounter'->>'reference' = $2") {
		t.Errorf("expected encounter predicate\n%s", sql)
	}
	if len(args) != 2 || args[1] != "Encounter/e1" {
		t.Errorf("unexpected args %v", args)
	}
}
