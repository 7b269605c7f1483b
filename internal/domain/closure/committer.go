package closure

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/goes/intake/internal/platform/fhir"
	"github.com/goes/intake/internal/platform/metrics"
)

// MaxAttempts bounds note creation.
const MaxAttempts = 3

// Ledger is the applied-plan record of one session. LockClosure serializes
// the closures of that session, making the Applied check and the
// MarkApplied insert one critical section.
type Ledger interface {
	LockClosure() (unlock func())
	Applied(scope, hash string) bool
	MarkApplied(scope, hash string)
}

type CommitterConfig struct {
	// CloseStatus is written to Encounter.status; default "finished".
	CloseStatus string
	// Fallback enables the read-modify-write retry that also stamps
	// period.end when the status update fails.
	Fallback bool
	// Timeout bounds every store call; zero means no per-call bound.
	Timeout time.Duration
	// Backoff is the retry base; attempt n waits n*Backoff.
	Backoff time.Duration
}

// Committer persists closure resources and closes encounters.
type Committer struct {
	store   fhir.Store
	cfg     CommitterConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewCommitter(store fhir.Store, cfg CommitterConfig, logger zerolog.Logger, m *metrics.Metrics) *Committer {
	if cfg.CloseStatus == "" {
		cfg.CloseStatus = "finished"
	}
	return &Committer{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Committer) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Commit is one resource to persist at most once per (Scope, Hash).
type Commit struct {
	SessionID   string
	EncounterID string
	// Scope keys the applied set; empty means EncounterID, then SessionID.
	Scope        string
	Hash         string
	ResourceType string
	Body         map[string]interface{}
}

func (in Commit) scope() string {
	switch {
	case in.Scope != "":
		return in.Scope
	case in.EncounterID != "":
		return in.EncounterID
	}
	return in.SessionID
}

// Commit creates the resource unless the ledger already holds its hash, and
// then makes sure the encounter carries the close status. A plan seen
// before is not created again but still closes the encounter.
func (c *Committer) Commit(ctx context.Context, ledger Ledger, in Commit) Outcome {
	log := c.logger.With().
		Str("session_id", in.SessionID).
		Str("encounter_id", in.EncounterID).
		Str("plan_hash", ShortHash(in.Hash)).
		Logger()
	out := Outcome{EncounterID: in.EncounterID, PlanHash: in.Hash}
	scope := in.scope()

	unlock := ledger.LockClosure()
	defer unlock()

	if ledger.Applied(scope, in.Hash) {
		log.Info().Msg("plan already applied")
		out.Status = StatusAlreadyApplied
		out.EncounterClosed = c.CloseEncounter(ctx, in.EncounterID)
		return out
	}

	id, err := c.create(ctx, log, in.ResourceType, in.Body)
	if err != nil {
		log.Warn().Err(err).Str("resource_type", in.ResourceType).Msg("closure not persisted")
		out.Status, out.Err = StatusFailed, err
		return out
	}
	ledger.MarkApplied(scope, in.Hash)
	out.Status, out.NoteID = StatusCommitted, id
	log.Info().Str("resource_type", in.ResourceType).Str("note_id", id).Msg("closure committed")

	out.EncounterClosed = c.CloseEncounter(ctx, in.EncounterID)
	return out
}

func (c *Committer) create(ctx context.Context, log zerolog.Logger, resourceType string, body map[string]interface{}) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		cctx, cancel := c.callCtx(ctx)
		id, err := c.store.Create(cctx, resourceType, body)
		cancel()
		c.metrics.StoreCall("create", err)
		if err == nil {
			return id, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("resource_type", resourceType).Msg("create failed")
		if attempt == MaxAttempts {
			break
		}
		if err := c.sleep(ctx, time.Duration(attempt)*c.cfg.Backoff); err != nil {
			return "", fmt.Errorf("create %s: %w", resourceType, err)
		}
	}
	return "", fmt.Errorf("create %s after %d attempts: %w", resourceType, MaxAttempts, lastErr)
}

// ResolveEncounter returns encounterID, or looks the session's Encounter up
// by its session identifier. An empty result means none was found.
func (c *Committer) ResolveEncounter(ctx context.Context, sessionID, encounterID string) string {
	if encounterID != "" || sessionID == "" {
		return encounterID
	}
	q := url.Values{}
	q.Set("identifier", SessionIdentifierSystem+"|"+sessionID)
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	found, err := c.store.Search(cctx, "Encounter", q)
	c.metrics.StoreCall("search", err)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("encounter lookup failed")
		return ""
	}
	if len(found) == 0 {
		return ""
	}
	return fhir.String(found[0], "id")
}

// CloseEncounter sets the close status and reports whether the encounter
// ends up closed. Failures are logged only.
func (c *Committer) CloseEncounter(ctx context.Context, encounterID string) bool {
	log := c.logger.With().Str("encounter_id", encounterID).Logger()
	if encounterID == "" {
		log.Warn().Msg("no encounter to close")
		return false
	}
	err := c.setStatus(ctx, encounterID, false)
	if err == nil {
		return true
	}
	log.Warn().Err(err).Msg("encounter close failed")
	if !c.cfg.Fallback {
		return false
	}
	if err := c.setStatus(ctx, encounterID, true); err != nil {
		log.Warn().Err(err).Msg("encounter close fallback failed")
		return false
	}
	log.Info().Msg("encounter closed by fallback")
	return true
}

// setStatus is a read-modify-write of the encounter. withEnd also stamps
// period.end. An encounter already in the close status is left alone.
func (c *Committer) setStatus(ctx context.Context, id string, withEnd bool) error {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	enc, err := c.store.Read(cctx, "Encounter", id)
	c.metrics.StoreCall("read", err)
	if err != nil {
		return fmt.Errorf("read encounter %s: %w", id, err)
	}
	if fhir.String(enc, "status") == c.cfg.CloseStatus && (!withEnd || fhir.String(enc, "period", "end") != "") {
		return nil
	}

	enc["status"] = c.cfg.CloseStatus
	if withEnd {
		period, _ := enc["period"].(map[string]interface{})
		if period == nil {
			period = map[string]interface{}{}
		}
		period["end"] = fhir.FormatDateTime(c.now())
		enc["period"] = period
	}
	err = c.store.Update(cctx, "Encounter", id, enc)
	c.metrics.StoreCall("update", err)
	if err != nil {
		return fmt.Errorf("update encounter %s: %w", id, err)
	}
	return nil
}
