package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendFHIR     = "fhir"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend    string `mapstructure:"STORE_BACKEND"`
	FHIRBaseURL     string `mapstructure:"FHIR_BASE_URL"`
	FHIRBearerToken string `mapstructure:"FHIR_BEARER_TOKEN"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema        string `mapstructure:"DB_SCHEMA"`
	DBAutoMigrate   bool   `mapstructure:"DB_AUTO_MIGRATE"`

	OpenAIAPIKey         string  `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL        string  `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel          string  `mapstructure:"OPENAI_MODEL"`
	OpenAIExtractorModel string  `mapstructure:"OPENAI_EXTRACTOR_MODEL"`
	LLMRateLimitRPS      float64 `mapstructure:"LLM_RATE_LIMIT_RPS"`
	LLMRateLimitBurst    int     `mapstructure:"LLM_RATE_LIMIT_BURST"`

	VisibleDelim         string        `mapstructure:"VISIBLE_DELIM"`
	JSONDelim            string        `mapstructure:"JSON_DELIM"`
	EncounterCloseStatus string        `mapstructure:"ENCOUNTER_CLOSE_STATUS"`
	ExtractConfThresh    float64       `mapstructure:"EXTRACT_CONF_THRESH"`
	UseLegacyClose       bool          `mapstructure:"USE_LEGACY_CLOSE"`
	UseFHIRFallback      bool          `mapstructure:"USE_FHIR_FALLBACK"`
	SanitizeTokens       []string      `mapstructure:"SANITIZE_TOKENS"`
	CollaboratorTimeout  time.Duration `mapstructure:"COLLABORATOR_TIMEOUT"`
	CommitBackoff        time.Duration `mapstructure:"COMMIT_BACKOFF"`
	RiskTablesFile       string        `mapstructure:"RISK_TABLES_FILE"`
	CriteriaFile         string        `mapstructure:"CRITERIA_FILE"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var defaults = map[string]interface{}{
	"PORT":                   "8000",
	"ENV":                    "development",
	"LOG_LEVEL":              "info",
	"DB_MAX_CONNS":           10,
	"DB_MIN_CONNS":           2,
	"DB_SCHEMA":              "public",
	"DB_AUTO_MIGRATE":        false,
	"OPENAI_MODEL":           "gpt-4o-mini",
	"LLM_RATE_LIMIT_RPS":     5,
	"LLM_RATE_LIMIT_BURST":   10,
	"VISIBLE_DELIM":          "===VISIBLE_MARKDOWN===",
	"JSON_DELIM":             "===STRUCTURED_JSON===",
	"ENCOUNTER_CLOSE_STATUS": "finished",
	"EXTRACT_CONF_THRESH":    0.6,
	"USE_LEGACY_CLOSE":       false,
	"USE_FHIR_FALLBACK":      true,
	"COLLABORATOR_TIMEOUT":   "20s",
	"COMMIT_BACKOFF":         "500ms",
	"CORS_ORIGINS":           "http://localhost:3000",
	"RATE_LIMIT_RPS":         20,
	"RATE_LIMIT_BURST":       40,
	"REQUEST_TIMEOUT":        "60s",
}

// keys without a default still need binding so Unmarshal sees them.
var unset = []string{
	"STORE_BACKEND", "FHIR_BASE_URL", "FHIR_BEARER_TOKEN", "DATABASE_URL",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_EXTRACTOR_MODEL",
	"SANITIZE_TOKENS", "RISK_TABLES_FILE", "CRITERIA_FILE",
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
		_ = v.BindEnv(k)
	}
	for _, k := range unset {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.SanitizeTokens = splitList(cfg.SanitizeTokens)
	if cfg.StoreBackend == "" {
		if cfg.IsDev() {
			cfg.StoreBackend = BackendMemory
		} else {
			cfg.StoreBackend = BackendFHIR
		}
	}
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	if cfg.OpenAIExtractorModel == "" {
		cfg.OpenAIExtractorModel = cfg.OpenAIModel
	}

	return cfg, nil
}

// splitList trims entries and drops empty ones; a single comma separated
// element is expanded.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate refuses configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ExtractConfThresh < 0 || c.ExtractConfThresh > 1 {
		return fmt.Errorf("EXTRACT_CONF_THRESH must be within [0, 1], got %v", c.ExtractConfThresh)
	}
	if c.CollaboratorTimeout < 10*time.Second || c.CollaboratorTimeout > 30*time.Second {
		return fmt.Errorf("COLLABORATOR_TIMEOUT must be within [10s, 30s], got %s", c.CollaboratorTimeout)
	}
	if c.VisibleDelim == "" || c.JSONDelim == "" {
		return fmt.Errorf("VISIBLE_DELIM and JSON_DELIM must not be empty")
	}
	if c.VisibleDelim == c.JSONDelim {
		return fmt.Errorf("VISIBLE_DELIM and JSON_DELIM must differ, both are %q", c.VisibleDelim)
	}
	if c.EncounterCloseStatus == "" {
		return fmt.Errorf("ENCOUNTER_CLOSE_STATUS must not be empty")
	}
	if c.CommitBackoff < 0 {
		return fmt.Errorf("COMMIT_BACKOFF must not be negative, got %s", c.CommitBackoff)
	}

	switch c.StoreBackend {
	case BackendFHIR:
		if c.FHIRBaseURL == "" {
			return fmt.Errorf("FHIR_BASE_URL is required when STORE_BACKEND is %q", BackendFHIR)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q, or %q, got %q", BackendFHIR, BackendPostgres, BackendMemory, c.StoreBackend)
	}
	return nil
}
