package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goes/intake/internal/config"
	"github.com/goes/intake/internal/domain/checklist"
	"github.com/goes/intake/internal/domain/closure"
	"github.com/goes/intake/internal/domain/extraction"
	"github.com/goes/intake/internal/domain/intake"
	"github.com/goes/intake/internal/domain/risk"
	"github.com/goes/intake/internal/domain/session"
	"github.com/goes/intake/internal/platform/db"
	"github.com/goes/intake/internal/platform/fhir"
	"github.com/goes/intake/internal/platform/llm"
	"github.com/goes/intake/internal/platform/metrics"
	"github.com/goes/intake/internal/platform/middleware"
	"github.com/goes/intake/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Clinical intake conversation engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scoreCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && l != zerolog.NoLevel {
			level = l
		}
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// backend is the resource store plus the pool behind it, if any.
type backend struct {
	store fhir.Store
	pool  *pgxpool.Pool
}

func (b *backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		return &backend{store: fhir.NewMemStore()}, nil
	case config.BackendFHIR:
		client, err := fhir.NewClient(fhir.ClientConfig{
			BaseURL:     cfg.FHIRBaseURL,
			BearerToken: cfg.FHIRBearerToken,
			Timeout:     cfg.CollaboratorTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &backend{store: client}, nil
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		if cfg.DBAutoMigrate {
			n, err := db.NewMigrator(pool, migrations.FS).Up(ctx, cfg.DBSchema)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
			logger.Info().Int("applied", n).Str("schema", cfg.DBSchema).Msg("migrations applied")
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		return &backend{store: fhir.NewPGStore(pool, cfg.DBSchema), pool: pool}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	}
}

func newGenerator(cfg *config.Config, logger zerolog.Logger) llm.Client {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn().Msg("OPENAI_API_KEY not set, generator disabled")
		return llm.Disabled{}
	}
	client, err := llm.NewOpenAIClient(llm.Config{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.OpenAIBaseURL,
		ChatModel:         cfg.OpenAIModel,
		CompleteModel:     cfg.OpenAIExtractorModel,
		RequestsPerSecond: cfg.LLMRateLimitRPS,
		Burst:             cfg.LLMRateLimitBurst,
		Timeout:           cfg.CollaboratorTimeout,
	})
	if err != nil {
		logger.Error().Err(err).Msg("generator disabled")
		return llm.Disabled{}
	}
	return client
}

func loadTables(cfg *config.Config) (*risk.Tables, error) {
	if cfg.RiskTablesFile == "" {
		return risk.DefaultTables(), nil
	}
	return risk.LoadTablesFile(cfg.RiskTablesFile)
}

func loadCatalog(cfg *config.Config) (*checklist.Catalog, error) {
	if cfg.CriteriaFile == "" {
		return checklist.DefaultCatalog(), nil
	}
	return checklist.LoadCatalogFile(cfg.CriteriaFile)
}

// newService wires the intake engine on top of store.
func newService(cfg *config.Config, store fhir.Store, gen llm.Client, m *metrics.Metrics, logger zerolog.Logger) (*intake.Service, error) {
	tables, err := loadTables(cfg)
	if err != nil {
		return nil, fmt.Errorf("load risk tables: %w", err)
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("load criteria catalog: %w", err)
	}

	committer := closure.NewCommitter(store, closure.CommitterConfig{
		CloseStatus: cfg.EncounterCloseStatus,
		Fallback:    cfg.UseFHIRFallback,
		Timeout:     cfg.CollaboratorTimeout,
		Backoff:     cfg.CommitBackoff,
	}, logger, m)
	protocol := closure.NewProtocol(
		closure.NewParser(cfg.VisibleDelim, cfg.JSONDelim),
		closure.NewSanitizer(cfg.SanitizeTokens...),
		committer, logger, m,
	)

	return intake.NewService(intake.Deps{
		Store:      store,
		Sessions:   session.NewRegistry(),
		Checklists: checklist.NewStore(catalog),
		Extractor:  extraction.NewProbabilistic(gen, cfg.ExtractConfThresh, cfg.CollaboratorTimeout, logger),
		Gatherer:   risk.NewGatherer(store, tables, logger),
		Protocol:   protocol,
		Generator:  gen,
		Logger:     logger,
		Metrics:    m,
	}, intake.Config{
		VisibleDelim:   cfg.VisibleDelim,
		JSONDelim:      cfg.JSONDelim,
		UseLegacyClose: cfg.UseLegacyClose,
		Timeout:        cfg.CollaboratorTimeout,
	}), nil
}

func newEcho(cfg *config.Config, svc *intake.Service, m *metrics.Metrics, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"backend":  cfg.StoreBackend,
			"sessions": svc.Sessions.Len(),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", m.Handler())

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	intake.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer be.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc, err := newService(cfg, be.store, newGenerator(cfg, logger), m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build intake service")
	}
	e := newEcho(cfg, svc, m, be.pool, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// migrationSource returns the embedded migrations unless dir overrides them.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres store",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			pool, closePool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrationSource(dir)).Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (default: embedded)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			pool, closePool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				fmt.Println(statusLine(s))
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema")
	statusCmd.Flags().String("dir", "", "Migrations directory (default: embedded)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func statusLine(s db.MigrationStatus) string {
	status, at := "pending", ""
	if s.Applied {
		status = "applied"
		if s.Drifted {
			status = "drifted"
		}
		if s.AppliedAt != nil {
			at = s.AppliedAt.Format(time.RFC3339)
		}
	}
	return fmt.Sprintf("%-10d %-40s %-10s %s", s.Version, s.Name, status, at)
}

// connect opens a pool from DATABASE_URL without requiring the postgres
// backend to be selected.
func connect(ctx context.Context) (*pgxpool.Pool, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Print the risk assessment of a patient from stored observations",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			if strings.TrimSpace(patient) == "" {
				return fmt.Errorf("--patient is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			be, err := openBackend(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer be.Close()
			tables, err := loadTables(cfg)
			if err != nil {
				return err
			}

			a, err := risk.NewGatherer(be.store, tables, logger).Assess(cmd.Context(), strings.TrimPrefix(patient, "Patient/"), nil)
			if err != nil {
				return fmt.Errorf("assess patient %s: %w", patient, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a)
		},
	}
	cmd.Flags().String("patient", "", "Patient id")
	return cmd
}
