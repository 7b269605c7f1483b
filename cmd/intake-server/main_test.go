package main

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/goes/intake/internal/config"
	"github.com/goes/intake/internal/platform/db"
	"github.com/goes/intake/internal/platform/fhir"
	"github.com/goes/intake/internal/platform/llm"
	"github.com/goes/intake/internal/platform/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                  "test",
		StoreBackend:         config.BackendMemory,
		VisibleDelim:         "===VISIBLE_MARKDOWN===",
		JSONDelim:            "===STRUCTURED_JSON===",
		EncounterCloseStatus: "finished",
		ExtractConfThresh:    0.6,
		UseFHIRFallback:      true,
		CollaboratorTimeout:  10 * time.Second,
		RequestTimeout:       5 * time.Second,
	}
}

func newTestServer(t *testing.T) (http.Handler, *fhir.MemStore) {
	t.Helper()
	cfg := testConfig()
	store := fhir.NewMemStore()
	m := metrics.New(prometheus.NewRegistry())
	svc, err := newService(cfg, store, llm.Disabled{}, m, zerolog.Nop())
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	return newEcho(cfg, svc, m, nil, zerolog.Nop()), store
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"backend":"memory"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestServer_BootstrapThenMetrics(t *testing.T) {
	srv, store := newTestServer(t)
	pid, err := store.Create(context.Background(), "Patient", map[string]interface{}{"gender": "male"})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bootstrap", strings.NewReader(`{"patient_id":"`+pid+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["session_id"] == "" || resp["encounter_id"] == "" {
		t.Errorf("expected session and encounter ids, got %v", resp)
	}
	if store.Len("Encounter") != 1 {
		t.Errorf("expected one encounter, got %d", store.Len("Encounter"))
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "intake_store_calls_total") {
		t.Error("expected store call metrics to be exposed")
	}
}

func TestServer_UnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"session_id":"nope","message":"hola"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestNewService_BadTablesFile(t *testing.T) {
	cfg := testConfig()
	cfg.RiskTablesFile = "/nonexistent/tables.yaml"
	if _, err := newService(cfg, fhir.NewMemStore(), llm.Disabled{}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing risk tables file")
	}
}

func TestMigrationSource(t *testing.T) {
	names, err := fs.Glob(migrationSource(""), "*.sql")
	if err != nil || len(names) == 0 {
		t.Fatalf("expected embedded migrations, got %v (%v)", names, err)
	}
	dir := t.TempDir()
	names, _ = fs.Glob(migrationSource(dir), "*.sql")
	if len(names) != 0 {
		t.Errorf("expected override dir to be used, got %v", names)
	}
}

func TestPoolConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "postgres://intake@localhost:5432/intake"
	cfg.DBMaxConns, cfg.DBMinConns = 8, 1
	cfg.DBSchema = "intake"

	want := db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 8, MinConns: 1, Schema: "intake"}
	if got := poolConfig(cfg); got != want {
		t.Errorf("poolConfig = %+v, want %+v", got, want)
	}
}

func TestStatusLine(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   db.MigrationStatus
		want string
	}{
		{db.MigrationStatus{Version: 1, Name: "001_a.sql"}, "pending"},
		{db.MigrationStatus{Version: 1, Name: "001_a.sql", Applied: true, AppliedAt: &at}, "applied    2024-05-01T12:00:00Z"},
		{db.MigrationStatus{Version: 1, Name: "001_a.sql", Applied: true, Drifted: true}, "drifted"},
	}
	for _, tt := range tests {
		if got := statusLine(tt.in); !strings.Contains(got, tt.want) {
			t.Errorf("statusLine(%+v) = %q, want it to contain %q", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "DEBUG"
	if got := newLogger(cfg).GetLevel(); got != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %s", got)
	}
	cfg.LogLevel = "bogus"
	if got := newLogger(cfg).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", got)
	}
}
