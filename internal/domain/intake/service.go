package intake

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goes/intake/internal/domain/checklist"
	"github.com/goes/intake/internal/domain/closure"
	"github.com/goes/intake/internal/domain/extraction"
	"github.com/goes/intake/internal/domain/risk"
	"github.com/goes/intake/internal/domain/session"
	"github.com/goes/intake/internal/platform/fhir"
	"github.com/goes/intake/internal/platform/llm"
	"github.com/goes/intake/internal/platform/metrics"
)

const (
	// EncounterCreatedExtension stamps the Encounters opened by the agent.
	EncounterCreatedExtension = "http://goes.gob.sv/fhir/extensions/anamnesis-agent/created-datetime"
	ActCodeSystem             = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
)

const (
	transcriptWindow = 40
	summaryWindow    = 100
	anchorPending    = 4
)

const (
	anamnesisKickoff = "Inicia la consulta con saludo empático, menciona nombre, motivos y áreas afectadas disponibles, " +
		"y formula la primera pregunta abierta para caracterizar el problema principal."
	riskKickoff = "Saluda brevemente, explica que completarás algunos datos de salud y pregunta por el primer ítem pendiente."
)

type Config struct {
	VisibleDelim string
	JSONDelim    string
	// UseLegacyClose enables the keyword and confirmation close of
	// anamnesis sessions whose replies carry no closing blocks.
	UseLegacyClose bool
	// Timeout bounds each generator and store call; zero leaves the
	// deadline to the request context.
	Timeout time.Duration
}

// Deps are the collaborators of the Service.
type Deps struct {
	Store      fhir.Store
	Sessions   *session.Registry
	Checklists *checklist.Store
	Extractor  *extraction.Probabilistic
	Gatherer   *risk.Gatherer
	Protocol   *closure.Protocol
	Generator  llm.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Service runs intake sessions. Turns of one session are serialized;
// distinct sessions proceed in parallel.
type Service struct {
	Deps
	cfg Config
	now func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	return &Service{Deps: d, cfg: cfg, now: time.Now}
}

func (s *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Bootstrap opens a session, its Encounter and checklist, and returns the
// agent's first reply. Store and generator failures degrade the response
// instead of failing it.
func (s *Service) Bootstrap(ctx context.Context, req BootstrapRequest) (*BootstrapResponse, error) {
	patientID := strings.TrimPrefix(strings.TrimSpace(req.PatientID), "Patient/")
	if patientID == "" {
		return nil, ErrPatientRequired
	}
	kind, err := session.ParseKind(req.AgentKind)
	if err != nil {
		return nil, err
	}

	sess := s.Sessions.Create(patientID, kind)
	log := s.Logger.With().
		Str("session_id", sess.ID).
		Str("patient_id", patientID).
		Str("agent_kind", string(kind)).
		Logger()

	if id, err := s.openEncounter(ctx, sess); err != nil {
		log.Warn().Err(err).Msg("encounter not created")
	} else {
		sess.SetEncounterID(id)
	}

	resp := &BootstrapResponse{
		SessionID:   sess.ID,
		EncounterID: sess.EncounterID(),
		AgentKind:   kind,
		Prefetch:    Prefetch{Motivos: []string{}, Areas: []string{}},
	}
	var lines []string
	if kind == session.KindRisk {
		lines = s.prepareRisk(ctx, log, sess, &resp.Prefetch)
	} else {
		lines = s.prepareAnamnesis(ctx, log, sess, &resp.Prefetch)
	}
	resp.Checklist = s.Checklists.Snapshot(sess.ID, checklistKind(kind))

	resp.Reply = s.kickoff(ctx, log, sess, lines)
	if resp.Reply != "" {
		sess.Append(session.SpeakerAgent, resp.Reply)
	}
	log.Info().
		Str("encounter_id", resp.EncounterID).
		Int("reply_len", len(resp.Reply)).
		Int("pending", resp.Checklist.Counts.Pending).
		Msg("session bootstrapped")
	return resp, nil
}

type encounterResource struct {
	fhir.Resource
	Status     string            `json:"status"`
	Class      fhir.Coding       `json:"class"`
	Subject    *fhir.Reference   `json:"subject"`
	Identifier []fhir.Identifier `json:"identifier"`
	Period     fhir.Period       `json:"period"`
	Extension  []fhir.Extension  `json:"extension"`
}

func (s *Service) openEncounter(ctx context.Context, sess *session.Session) (string, error) {
	now := s.now().UTC().Truncate(time.Second)
	body, err := fhir.Normalize(encounterResource{
		Resource:   fhir.Resource{ResourceType: "Encounter"},
		Status:     "in-progress",
		Class:      fhir.Coding{System: ActCodeSystem, Code: "VR", Display: "virtual"},
		Subject:    fhir.Ref("Patient", sess.PatientID),
		Identifier: []fhir.Identifier{{System: closure.SessionIdentifierSystem, Value: sess.ID}},
		Period:     fhir.Period{Start: &now},
		Extension:  []fhir.Extension{{URL: EncounterCreatedExtension, ValueDateTime: fhir.FormatDateTime(now)}},
	})
	if err != nil {
		return "", err
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	id, err := fhir.CreateIfNoneExist(cctx, s.Store, "Encounter", body,
		"identifier="+closure.SessionIdentifierSystem+"|"+sess.ID)
	s.Metrics.StoreCall("create", err)
	return id, err
}

func (s *Service) prepareAnamnesis(ctx context.Context, log zerolog.Logger, sess *session.Session, pre *Prefetch) []string {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()

	if info, err := s.patient(cctx, sess.PatientID); err != nil {
		log.Warn().Err(err).Msg("patient prefetch failed")
	} else {
		pre.Patient = info
	}
	if areas, err := AffectedAreas(cctx, s.Store, sess.PatientID); err != nil {
		log.Warn().Err(err).Msg("affected areas prefetch failed")
	} else if len(areas) > 0 {
		pre.Areas = areas
	}
	if motivos, err := ReasonsForVisit(cctx, s.Store, sess.PatientID); err != nil {
		log.Warn().Err(err).Msg("reasons for visit prefetch failed")
	} else if len(motivos) > 0 {
		pre.Motivos = motivos
	}

	area := ""
	if len(pre.Areas) > 0 {
		area = pre.Areas[0]
	}
	if _, err := s.Checklists.Create(sess.ID, checklist.KindCriteria, area); err != nil {
		log.Error().Err(err).Msg("checklist not created")
	}
	return anamnesisContext(pre)
}

func anamnesisContext(pre *Prefetch) []string {
	var lines []string
	if pre.Patient != nil && pre.Patient.Name != "" {
		lines = append(lines, "Paciente: "+pre.Patient.Name)
	}
	if len(pre.Motivos) > 0 {
		lines = append(lines, "Motivos: "+strings.Join(pre.Motivos, ", "))
	} else {
		lines = append(lines, noReasonsHint)
	}
	if len(pre.Areas) > 0 {
		lines = append(lines, "Áreas afectadas: "+strings.Join(pre.Areas, ", "))
	}
	return lines
}

// prepareRisk scores the store observations and prefills the risk
// checklist with what the record already answers.
func (s *Service) prepareRisk(ctx context.Context, log zerolog.Logger, sess *session.Session, pre *Prefetch) []string {
	if _, err := s.Checklists.Create(sess.ID, checklist.KindRisk, ""); err != nil {
		log.Error().Err(err).Msg("checklist not created")
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	a, err := s.Gatherer.Assess(cctx, sess.PatientID, nil)
	if err != nil {
		log.Warn().Err(err).Msg("risk prefetch failed")
		return nil
	}
	if len(a.Gathered.Failed) > 0 {
		log.Warn().Strs("failed", a.Gathered.Failed).Msg("risk prefetch incomplete")
	}
	info := a.Gathered.Patient
	pre.Patient = &info
	pre.Score = &a.Result

	answers := a.Gathered.Observations.Answers()
	prefilled := 0
	for _, item := range checklist.RiskItems {
		v, ok := answers[item.Name]
		if !ok {
			continue
		}
		changed, err := s.Checklists.Update(sess.ID, checklist.KindRisk, checklist.Update{
			Name:   item.Name,
			Status: checklist.StatusAnswered,
			Value:  &v,
			Source: checklist.SourceRecord,
		})
		if err != nil {
			log.Warn().Err(err).Str("item", item.Name).Msg("prefill failed")
			continue
		}
		if changed {
			prefilled++
		}
	}
	log.Debug().Int("prefilled", prefilled).Msg("risk checklist prefilled")

	var lines []string
	if info.Name != "" {
		lines = append(lines, "Paciente: "+info.Name)
	}
	return append(lines, a.ContextLines()...)
}

func (s *Service) patient(ctx context.Context, id string) (*risk.PatientInfo, error) {
	p, err := s.Store.Read(ctx, "Patient", id)
	s.Metrics.StoreCall("read", err)
	if errors.Is(err, fhir.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &risk.PatientInfo{
		ID:        id,
		Name:      risk.PatientName(p),
		Gender:    fhir.String(p, "gender"),
		BirthDate: fhir.String(p, "birthDate"),
	}, nil
}

func (s *Service) kickoff(ctx context.Context, log zerolog.Logger, sess *session.Session, lines []string) string {
	parts := hiddenLines(sess, sess.PatientID)
	if len(lines) > 0 {
		parts = append(parts, "[contexto_inicial] "+strings.Join(lines, " | "))
	}
	if sess.Kind == session.KindRisk {
		parts = append(parts, riskKickoff)
	} else {
		parts = append(parts, anamnesisKickoff)
	}
	return s.generate(ctx, log, []llm.Message{
		{Role: "system", Content: SystemPrompt(sess.Kind, s.cfg.VisibleDelim, s.cfg.JSONDelim)},
		{Role: "user", Content: strings.Join(parts, "\n")},
	})
}

func hiddenLines(sess *session.Session, patientID string) []string {
	return []string{
		"session_id=" + sess.ID,
		"patient_id=" + patientID,
		"agent_kind=" + string(sess.Kind),
	}
}

// generate calls the generator; a failure is logged and yields "".
func (s *Service) generate(ctx context.Context, log zerolog.Logger, messages []llm.Message) string {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	reply, err := s.Generator.Chat(cctx, messages)
	s.Metrics.GeneratorCall(err)
	if err != nil {
		if !errors.Is(err, llm.ErrDisabled) {
			log.Warn().Err(err).Msg("generator call failed")
		}
		return ""
	}
	return strings.TrimSpace(reply)
}

// Chat runs one turn: extraction, generation, closure.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	defer s.Metrics.ObserveTurn(start)

	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, ErrMessageRequired
	}
	sess, err := s.Sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	unlock := sess.LockTurn()
	defer unlock()

	// A differing patient id on the request only reaches the prompt. Writes
	// stay bound to the patient the session was opened for.
	promptPatient := sess.PatientID
	if p := strings.TrimPrefix(strings.TrimSpace(req.PatientID), "Patient/"); p != "" {
		promptPatient = p
	}
	log := s.Logger.With().
		Str("session_id", sess.ID).
		Str("patient_id", sess.PatientID).
		Str("agent_kind", string(sess.Kind)).
		Logger()

	sess.Append(session.SpeakerUser, msg)
	kind := checklistKind(sess.Kind)
	s.extract(ctx, log, sess.ID, kind, msg)

	snap := s.Checklists.Snapshot(sess.ID, kind)
	reply := s.generate(ctx, log, s.turnMessages(sess, promptPatient, snap))

	resp := &ChatResponse{SessionID: sess.ID}
	target := closure.Target{
		SessionID:   sess.ID,
		PatientID:   sess.PatientID,
		EncounterID: sess.EncounterID(),
		Ledger:      sess,
	}
	if res, ok := s.Protocol.Handle(ctx, target, reply); ok {
		resp.Reply = res.Visible
		resp.Closure = newClosureInfo(PathPlan, res.Outcome)
	} else {
		resp.Reply = s.Protocol.Sanitizer().Sanitize(closure.StripToolCalls(reply))
		if s.cfg.UseLegacyClose && sess.Kind == session.KindAnamnesis {
			if trigger := legacyTrigger(sess, msg, reply); trigger != "" {
				log.Info().Str("trigger", trigger).Msg("legacy close triggered")
				out := s.legacyClose(ctx, log, sess, target, reply)
				resp.Closure = newClosureInfo(PathLegacy, out)
				if resp.Reply == "" && out.Closed() {
					resp.Reply = ClosedFallback
				}
			}
		}
	}

	if sess.Kind == session.KindRisk {
		if info := s.riskClose(ctx, log, sess); info != nil {
			resp.Closure = info
			if resp.Reply == "" && info.Closed() {
				resp.Reply = RiskClosedReply
			}
		}
	}

	resp.Closed = resp.Closure != nil && resp.Closure.Closed()
	resp.Checklist = s.Checklists.Snapshot(sess.ID, kind)
	if resp.Reply != "" {
		sess.Append(session.SpeakerAgent, resp.Reply)
	}
	log.Info().
		Int("reply_len", len(resp.Reply)).
		Bool("closed", resp.Closed).
		Int("pending", resp.Checklist.Counts.Pending).
		Msg("turn complete")
	return resp, nil
}

// extract applies deterministic rules first (risk checklist only) and asks
// the model only when nothing was applied and items remain pending.
func (s *Service) extract(ctx context.Context, log zerolog.Logger, sessionID string, kind checklist.Kind, text string) {
	snap := s.Checklists.Snapshot(sessionID, kind)
	if !snap.Exists || len(snap.Pending) == 0 {
		return
	}
	pending := snap.PendingNames()

	applied := 0
	if kind == checklist.KindRisk {
		for _, c := range extraction.ExtractRisk(text, pending) {
			v := c.Value
			if s.apply(log, sessionID, kind, checklist.Update{
				Name:   c.Name,
				Status: checklist.StatusAnswered,
				Value:  &v,
				Source: checklist.SourcePattern,
			}) {
				applied++
				s.Metrics.Extraction(checklist.SourcePattern, string(kind))
			}
		}
		if applied > 0 {
			return
		}
	}

	res := s.Extractor.Extract(ctx, extraction.Request{
		Kind:    kind,
		Area:    snap.Area,
		Pending: pending,
		Text:    text,
	})
	for _, it := range res.Items {
		v := it.Value
		if s.apply(log, sessionID, kind, checklist.Update{
			Name:       it.Name,
			Status:     checklist.StatusAnswered,
			Value:      &v,
			Confidence: it.Confidence,
			Source:     checklist.SourceLLM,
		}) {
			s.Metrics.Extraction(checklist.SourceLLM, string(kind))
		}
	}
}

func (s *Service) apply(log zerolog.Logger, sessionID string, kind checklist.Kind, u checklist.Update) bool {
	changed, err := s.Checklists.Update(sessionID, kind, u)
	if err != nil {
		log.Warn().Err(err).Str("item", u.Name).Str("source", u.Source).Msg("checklist update rejected")
		return false
	}
	if changed {
		log.Debug().Str("item", u.Name).Str("source", u.Source).Msg("checklist item answered")
	}
	return changed
}

// turnMessages builds the generator input: the agent instruction, the
// recent transcript, and the hidden context of the current turn.
func (s *Service) turnMessages(sess *session.Session, patientID string, snap checklist.Snapshot) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: SystemPrompt(sess.Kind, s.cfg.VisibleDelim, s.cfg.JSONDelim)}}

	transcript := sess.Transcript(transcriptWindow)
	// The last utterance is the current message; it goes with the hidden
	// context below.
	current := transcript[len(transcript)-1].Text
	for _, u := range transcript[:len(transcript)-1] {
		role := "user"
		if u.Speaker == session.SpeakerAgent {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: u.Text})
	}

	parts := hiddenLines(sess, patientID)
	if snap.Exists {
		parts = append(parts, anchorLine(snap))
	}
	parts = append(parts, current)
	return append(msgs, llm.Message{Role: "user", Content: strings.Join(parts, "\n")})
}

// anchorLine renders the checklist state the agent must steer by: area,
// counts and the first pending items.
func anchorLine(snap checklist.Snapshot) string {
	names := snap.PendingNames()
	if len(names) > anchorPending {
		names = names[:anchorPending]
	}
	area := snap.Area
	if area == "" {
		area = string(snap.Kind)
	}
	return "[checklist_anchor] area=" + area +
		" counts=" + countsText(snap.Counts) +
		" pending4=[" + strings.Join(names, ", ") + "]"
}

func countsText(c checklist.Counts) string {
	return strconv.Itoa(c.Pending) + " pendientes, " + strconv.Itoa(c.Answered) + " respondidos, " + strconv.Itoa(c.Total) + " total"
}
