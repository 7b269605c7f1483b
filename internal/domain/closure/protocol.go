package closure

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/goes/intake/internal/platform/fhir"
	"github.com/goes/intake/internal/platform/metrics"
)

// Target is the session a reply belongs to.
type Target struct {
	SessionID   string
	PatientID   string
	EncounterID string
	Ledger      Ledger
}

// Result is the handled reply: the sanitized visible block and what the
// commit did.
type Result struct {
	Visible string
	Outcome Outcome
}

// Protocol runs the closing-reply state machine: parse, validate, resolve
// identifiers, commit once, sanitize.
type Protocol struct {
	parser    *Parser
	sanitizer *Sanitizer
	committer *Committer
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewProtocol(parser *Parser, sanitizer *Sanitizer, committer *Committer, logger zerolog.Logger, m *metrics.Metrics) *Protocol {
	return &Protocol{
		parser:    parser,
		sanitizer: sanitizer,
		committer: committer,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

func (p *Protocol) Sanitizer() *Sanitizer { return p.sanitizer }
func (p *Protocol) Committer() *Committer { return p.committer }

// Handle reports false when reply does not carry both blocks; the caller
// then treats it as an ordinary reply. Otherwise the visible block is
// returned sanitized whatever the commit outcome.
func (p *Protocol) Handle(ctx context.Context, t Target, reply string) (Result, bool) {
	parsed := p.parser.Parse(reply)
	if !parsed.Closing() {
		return Result{Outcome: Outcome{Status: StatusNone}}, false
	}
	res := Result{Visible: p.sanitizer.Sanitize(*parsed.Visible)}

	if err := Validate(parsed.Payload); err != nil {
		p.logger.Warn().Err(err).Str("session_id", t.SessionID).Msg("closure plan rejected")
		p.metrics.Closure(string(StatusInvalid))
		res.Outcome = Outcome{Status: StatusInvalid, Err: err}
		return res, true
	}
	res.Outcome = p.Apply(ctx, t, parsed.Payload)
	return res, true
}

// Apply commits a payload that has already been validated or built by the
// caller.
func (p *Protocol) Apply(ctx context.Context, t Target, payload *Payload) Outcome {
	out := p.apply(ctx, t, payload)
	p.metrics.Closure(string(out.Status))
	return out
}

func (p *Protocol) apply(ctx context.Context, t Target, payload *Payload) Outcome {
	if payload == nil || payload.Plan == nil {
		return Outcome{Status: StatusInvalid, Err: &ValidationError{Fields: []string{"clinical_impression"}}}
	}
	patientID, encounterID := ResolveIDs(payload.Plan, t.PatientID, t.EncounterID)
	if patientID == "" {
		return Outcome{Status: StatusInvalid, Err: &ValidationError{Fields: []string{"subject_ref"}}}
	}
	encounterID = p.committer.ResolveEncounter(ctx, t.SessionID, encounterID)

	hash, err := PlanHash(payload.Inner)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	return p.committer.Commit(ctx, t.Ledger, Commit{
		SessionID:    t.SessionID,
		EncounterID:  encounterID,
		Hash:         hash,
		ResourceType: "ClinicalImpression",
		Body:         NoteBody(payload.Plan, patientID, encounterID, p.now()),
	})
}

// NewPayload wraps a plan built in code, such as the legacy close summary.
func NewPayload(plan Plan) (*Payload, error) {
	inner, err := fhir.Normalize(plan)
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return nil, errors.New("closure: empty plan")
	}
	return &Payload{Plan: &plan, Inner: inner}, nil
}
