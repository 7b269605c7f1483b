package intake

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/goes/intake/internal/domain/closure"
	"github.com/goes/intake/internal/domain/session"
	"github.com/goes/intake/internal/platform/fhir"
	"github.com/goes/intake/internal/platform/llm"
	"github.com/goes/intake/internal/platform/textnorm"
)

// ClosingKeywords are the patient phrases that end an interview.
var ClosingKeywords = []string{
	"es correcto",
	"todo correcto",
	"no tengo mas dudas",
	"no tengo más dudas",
	"no, gracias",
	"no gracias",
	"podemos terminar",
	"cerrar consulta",
	"fin de la consulta",
}

// confirmations are whole folded messages read as agreement.
var confirmations = map[string]bool{
	"si": true, "si.": true, "correcto": true, "asi es": true, "de acuerdo": true,
	"exacto": true, "esta bien": true, "ok": true, "si, correcto": true,
}

const maxSummaryLen = 4000

var reSummary = regexp.MustCompile(`(?i)Resumen[\s\S]{0,40}?:\s*(.+)`)

// Legacy close triggers.
const (
	triggerKeyword      = "keyword"
	triggerSummary      = "summary"
	triggerConfirmation = "confirmation"
)

// legacyTrigger records the confirmation streak and names the heuristic
// that fired, or returns "".
func legacyTrigger(sess *session.Session, msg, reply string) string {
	streak := sess.Confirm(confirmations[strings.TrimRight(textnorm.Fold(msg), "!")])
	switch {
	case textnorm.ContainsAny(msg, ClosingKeywords...):
		return triggerKeyword
	case reSummary.MatchString(reply):
		return triggerSummary
	case streak >= 2:
		return triggerConfirmation
	}
	return ""
}

// SummarySlice returns the text from the first "Resumen...:" heading on,
// or "" when there is none.
func SummarySlice(text string) string {
	loc := reSummary.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	out := strings.TrimSpace(text[loc[0]:])
	if r := []rune(out); len(r) > maxSummaryLen {
		out = string(r[:maxSummaryLen])
	}
	return out
}

// legacyClose commits a note built from a freshly generated summary. It
// goes through the same committer as a closing reply; an encounter that
// already holds a committed note is not closed again.
func (s *Service) legacyClose(ctx context.Context, log zerolog.Logger, sess *session.Session, t closure.Target, reply string) closure.Outcome {
	if sess.AnyApplied(sess.ID) || (t.EncounterID != "" && sess.AnyApplied(t.EncounterID)) {
		log.Info().Msg("legacy close skipped, note already applied")
		return closure.Outcome{Status: closure.StatusAlreadyApplied, EncounterID: t.EncounterID}
	}

	summary := s.summarize(ctx, log, sess)
	if summary == "" {
		summary = SummarySlice(reply)
	}
	if summary == "" {
		summary = strings.TrimSpace(reply)
	}
	if summary == "" {
		summary = LegacySummary
	}

	plan := closure.Plan{
		Status:     "completed",
		SubjectRef: fhir.FormatReference("Patient", t.PatientID),
		Summary:    summary,
		Protocols:  closure.TextList{closure.AnamnesisProtocol},
	}
	if t.EncounterID != "" {
		plan.EncounterRef = fhir.FormatReference("Encounter", t.EncounterID)
	}
	payload, err := closure.NewPayload(plan)
	if err != nil {
		return closure.Outcome{Status: closure.StatusFailed, Err: err}
	}
	return s.Protocol.Apply(ctx, t, payload)
}

// summarize asks the generator for an anamnesis summary of the recent
// transcript; "" on failure.
func (s *Service) summarize(ctx context.Context, log zerolog.Logger, sess *session.Session) string {
	var lines []string
	for _, u := range sess.Transcript(summaryWindow) {
		if u.Text == "" {
			continue
		}
		prefix := "Paciente"
		if u.Speaker == session.SpeakerAgent {
			prefix = "Agente"
		}
		lines = append(lines, prefix+": "+u.Text)
	}
	prompt := strings.Join([]string{
		summaryTaskLabel,
		summaryInstruction,
		"[conversacion]",
		strings.Join(lines, "\n"),
	}, "\n")
	out := s.generate(ctx, log, []llm.Message{{Role: "user", Content: prompt}})
	return s.Protocol.Sanitizer().Sanitize(closure.StripToolCalls(out))
}
