package intake

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/goes/intake/internal/domain/checklist"
	"github.com/goes/intake/internal/domain/closure"
	"github.com/goes/intake/internal/domain/session"
	"github.com/goes/intake/internal/platform/fhir"
)

// RiskScope keys the applied set of risk closures; a session is risk-closed
// at most once.
const RiskScope = "risk"

// riskClose records the RiskAssessment once the risk checklist has no
// pending item, then closes the encounter. It returns nil when nothing was
// attempted.
func (s *Service) riskClose(ctx context.Context, log zerolog.Logger, sess *session.Session) *ClosureInfo {
	snap := s.Checklists.Snapshot(sess.ID, checklist.KindRisk)
	if !snap.Exists || snap.Counts.Pending > 0 || sess.AnyApplied(RiskScope) {
		return nil
	}

	cctx, cancel := s.callCtx(ctx)
	a, err := s.Gatherer.Assess(cctx, sess.PatientID, snap.AnsweredValues())
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("risk assessment not computed")
		s.Metrics.Closure(string(closure.StatusFailed))
		return newClosureInfo(PathRisk, closure.Outcome{Status: closure.StatusFailed, Err: err})
	}

	committer := s.Protocol.Committer()
	encounterID := committer.ResolveEncounter(ctx, sess.ID, sess.EncounterID())
	out := closure.Outcome{Status: closure.StatusFailed, EncounterID: encounterID}

	hashed, err := fhir.Normalize(map[string]interface{}{"patient": a.PatientID, "result": a.Result})
	if err == nil {
		var hash string
		if hash, err = closure.PlanHash(hashed); err == nil {
			out = committer.Commit(ctx, sess, closure.Commit{
				SessionID:    sess.ID,
				EncounterID:  encounterID,
				Scope:        RiskScope,
				Hash:         hash,
				ResourceType: "RiskAssessment",
				Body:         a.Body(encounterID, s.now()),
			})
		}
	}
	if err != nil {
		out.Err = err
	}
	s.Metrics.Closure(string(out.Status))
	log.Info().
		Str("status", string(out.Status)).
		Str("outcome", string(a.OutcomeCode())).
		Bool("encounter_closed", out.EncounterClosed).
		Msg("risk closure")
	return newClosureInfo(PathRisk, out)
}
