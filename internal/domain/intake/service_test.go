package intake

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goes/intake/internal/domain/checklist"
	"github.com/goes/intake/internal/domain/closure"
	"github.com/goes/intake/internal/domain/session"
	"github.com/goes/intake/internal/platform/fhir"
)

func TestBootstrap_Anamnesis(t *testing.T) {
	env := newTestEnv(t, Config{})
	pid := env.seedPatient(t)
	env.seedTriage(t, pid, "traumatismos")
	env.gen.queue("¡Hola Ana! Cuéntame de tu cefalea.")

	resp, err := env.svc.Bootstrap(context.Background(), BootstrapRequest{UserID: "u1", PatientID: "Patient/" + pid})
	require.NoError(t, err)

	assert.Equal(t, session.KindAnamnesis, resp.AgentKind)
	assert.Equal(t, "¡Hola Ana! Cuéntame de tu cefalea.", resp.Reply)
	require.NotEmpty(t, resp.EncounterID)

	enc := env.encounter(t, resp.EncounterID)
	assert.Equal(t, "in-progress", fhir.String(enc, "status"))
	assert.Equal(t, "VR", fhir.String(enc, "class", "code"))
	assert.Equal(t, "Patient/"+pid, fhir.String(enc, "subject", "reference"))
	assert.Equal(t, resp.SessionID, fhir.String(enc, "identifier", "0", "value"))
	assert.Equal(t, EncounterCreatedExtension, fhir.String(enc, "extension", "0", "url"))
	assert.Equal(t, ActCodeSystem, fhir.String(enc, "class", "system"))
	assert.Equal(t, closure.SessionIdentifierSystem, fhir.String(enc, "identifier", "0", "system"))
	assert.NotEmpty(t, fhir.String(enc, "period", "start"))
	assert.Equal(t, fhir.String(enc, "period", "start"), fhir.String(enc, "extension", "0", "valueDateTime"))
	assert.Empty(t, fhir.String(enc, "period", "end"))

	assert.Equal(t, "traumatismos", resp.Checklist.Area)
	assert.Equal(t, 8, resp.Checklist.Counts.Pending)
	assert.Equal(t, []string{"traumatismos"}, resp.Prefetch.Areas)
	assert.Equal(t, []string{"Cefalea, orden 1", "Fiebre"}, resp.Prefetch.Motivos)
	require.NotNil(t, resp.Prefetch.Patient)
	assert.Equal(t, "Ana López", resp.Prefetch.Patient.Name)

	kickoff := env.gen.lastUserMessage(t, 0)
	assert.Contains(t, kickoff, "session_id="+resp.SessionID)
	assert.Contains(t, kickoff, "agent_kind=anamnesis")
	assert.Contains(t, kickoff, "[contexto_inicial] Paciente: Ana López | Motivos: Cefalea, orden 1, Fiebre | Áreas afectadas: traumatismos")
	assert.Contains(t, env.gen.chats[0][0].Content, jsonDelim)

	sess, err := env.svc.Sessions.Get(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, resp.EncounterID, sess.EncounterID())
	assert.Len(t, sess.Transcript(0), 1)
}

func TestBootstrap_DegradesWithoutTriageOrGenerator(t *testing.T) {
	env := newTestEnv(t, Config{})
	pid := env.seedPatient(t)
	env.gen.chatErr = errors.New("upstream unavailable")

	resp, err := env.svc.Bootstrap(context.Background(), BootstrapRequest{PatientID: pid, AgentKind: "anamnesis"})
	require.NoError(t, err)

	assert.Empty(t, resp.Reply)
	assert.Equal(t, checklist.DefaultArea, resp.Checklist.Area)
	assert.Empty(t, resp.Prefetch.Motivos)
	assert.Contains(t, env.gen.lastUserMessage(t, 0), noReasonsHint)

	sess, _ := env.svc.Sessions.Get(resp.SessionID)
	assert.Empty(t, sess.Transcript(0))
}

func TestBootstrap_EncounterFailureContinues(t *testing.T) {
	mem := fhir.NewMemStore()
	env := newTestEnvOn(t, mem, &flakyStore{MemStore: mem, createErr: errors.New("503")}, Config{})
	pid := env.seedPatient(t)

	resp, err := env.svc.Bootstrap(context.Background(), BootstrapRequest{PatientID: pid})
	require.NoError(t, err)
	assert.Empty(t, resp.EncounterID)
	assert.Zero(t, mem.Len("Encounter"))
	assert.True(t, resp.Checklist.Exists)
}

func TestBootstrap_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.svc.Bootstrap(context.Background(), BootstrapRequest{PatientID: "  "})
	assert.ErrorIs(t, err, ErrPatientRequired)

	_, err = env.svc.Bootstrap(context.Background(), BootstrapRequest{PatientID: "p1", AgentKind: "triage"})
	assert.ErrorIs(t, err, session.ErrUnknownKind)
	assert.Zero(t, env.svc.Sessions.Len())
}

func TestBootstrap_RiskPrefillsFromRecord(t *testing.T) {
	env := newTestEnv(t, Config{})
	pid := env.seedPatient(t)
	env.create(t, "Observation", map[string]interface{}{
		"status":        "final",
		"code":          map[string]interface{}{"text": "IMC"},
		"subject":       map[string]interface{}{"reference": "Patient/" + pid},
		"valueQuantity": map[string]interface{}{"value": 27.4},
	})

	resp, err := env.svc.Bootstrap(context.Background(), BootstrapRequest{PatientID: pid, AgentKind: "risk"})
	require.NoError(t, err)

	assert.Equal(t, checklist.KindRisk, resp.Checklist.Kind)
	assert.ElementsMatch(t,
		[]string{checklist.ItemWaist, checklist.ItemSmoking, checklist.ItemFamilyHistory},
		resp.Checklist.PendingNames())

	answered := resp.Checklist.AnsweredValues()
	assert.Equal(t, "imc=27.4", answered[checklist.ItemBMI])
	assert.Equal(t, "mujer", answered[checklist.ItemSex])
	assert.NotEmpty(t, answered[checklist.ItemAge])
	for _, it := range resp.Checklist.Answered {
		assert.Equal(t, checklist.SourceRecord, it.Source, it.Name)
	}

	require.NotNil(t, resp.Prefetch.Score)
	assert.Contains(t, env.gen.lastUserMessage(t, 0), "[contexto_inicial] Paciente: Ana López")
	assert.NotContains(t, env.gen.chats[0][0].Content, jsonDelim)
}

func bootstrap(t *testing.T, env *testEnv, kind string) *BootstrapResponse {
	t.Helper()
	resp, err := env.svc.Bootstrap(context.Background(), BootstrapRequest{PatientID: env.seedPatient(t), AgentKind: kind})
	require.NoError(t, err)
	return resp
}

func TestChat_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: "missing", Message: "hola"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	boot := bootstrap(t, env, "")
	_, err = env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: " "})
	assert.ErrorIs(t, err, ErrMessageRequired)
}

func TestChat_TurnInput(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gen.queue("Hola, ¿qué te trae hoy?", "¿Desde cuándo?")
	boot := bootstrap(t, env, "")

	resp, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: "me duele la cabeza"})
	require.NoError(t, err)
	assert.Equal(t, "¿Desde cuándo?", resp.Reply)
	assert.False(t, resp.Closed)
	assert.Nil(t, resp.Closure)

	msgs := env.gen.chats[1]
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Hola, ¿qué te trae hoy?", msgs[1].Content)

	user := msgs[2].Content
	assert.Contains(t, user, "patient_id="+boot.Prefetch.Patient.ID)
	assert.Contains(t, user, "[checklist_anchor] area=sintomas generales counts=8 pendientes, 0 respondidos, 8 total "+
		"pending4=[duración, localización, fecha de inicio, severidad]")
	assert.True(t, strings.HasSuffix(user, "\nme duele la cabeza"))

	sess, _ := env.svc.Sessions.Get(boot.SessionID)
	assert.Len(t, sess.Transcript(0), 3)
}

func TestChat_ModelExtraction(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gen.complete = `[{"criterio": "Duracion", "value": "3 días", "confidence": 0.9},` +
		`{"criterio": "severidad", "value": "5", "confidence": 0.3}]`
	boot := bootstrap(t, env, "")

	resp, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: "hace tres días que empezó"})
	require.NoError(t, err)

	require.Len(t, resp.Checklist.Answered, 1)
	it := resp.Checklist.Answered[0]
	assert.Equal(t, "duración", it.Name)
	assert.Equal(t, "3 días", *it.Value)
	assert.Equal(t, checklist.SourceLLM, it.Source)
	assert.Len(t, env.gen.prompts, 1)
}

func TestChat_GeneratorFailureYieldsEmptyReply(t *testing.T) {
	env := newTestEnv(t, Config{})
	boot := bootstrap(t, env, "")
	env.gen.chatErr = errors.New("timeout")

	resp, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: "hola"})
	require.NoError(t, err)
	assert.Empty(t, resp.Reply)
	assert.False(t, resp.Closed)
}

func TestChat_StripsToolCalls(t *testing.T) {
	env := newTestEnv(t, Config{})
	boot := bootstrap(t, env, "")
	env.gen.queue("¿Tienes fiebre?\n<update_encounter_status status=\"finished\"/>")

	resp, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: "me duele"})
	require.NoError(t, err)
	assert.Equal(t, "¿Tienes fiebre?", resp.Reply)
}

func TestChat_ClosingPlanCommitsOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	boot := bootstrap(t, env, "")
	pid := boot.Prefetch.Patient.ID
	reply := closingReply(pid, "Cefalea frontal de 3 días sin fiebre")
	env.gen.queue(reply, reply)

	resp, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: "sí, es correcto"})
	require.NoError(t, err)

	assert.True(t, resp.Closed)
	require.NotNil(t, resp.Closure)
	assert.Equal(t, PathPlan, resp.Closure.Path)
	assert.Equal(t, closure.StatusCommitted, resp.Closure.Status)
	assert.True(t, resp.Closure.EncounterClosed)
	assert.Contains(t, resp.Reply, "## Resumen de Anamnesis")
	assert.NotContains(t, resp.Reply, "print(")
	assert.NotContains(t, resp.Reply, jsonDelim)

	ci, err := env.store.Read(context.Background(), "ClinicalImpression", resp.Closure.NoteID)
	require.NoError(t, err)
	assert.Equal(t, "Encounter/"+boot.EncounterID, fhir.String(ci, "encounter", "reference"))
	assert.Equal(t, "Cefalea frontal de 3 días sin fiebre", fhir.String(ci, "summary"))
	assert.Equal(t, "finished", fhir.String(env.encounter(t, boot.EncounterID), "status"))

	again, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: "gracias"})
	require.NoError(t, err)
	assert.Equal(t, closure.StatusAlreadyApplied, again.Closure.Status)
	assert.True(t, again.Closed)
	assert.Equal(t, 1, env.store.Len("ClinicalImpression"))
}

func TestChat_RequestPatientDoesNotRetargetWrites(t *testing.T) {
	env := newTestEnv(t, Config{})
	boot := bootstrap(t, env, "")
	pid := boot.Prefetch.Patient.ID
	env.gen.queue(closingReply(pid, "Cefalea frontal de 3 días"))

	resp, err := env.svc.Chat(context.Background(), ChatRequest{
		SessionID: boot.SessionID,
		PatientID: "Patient/otro-paciente",
		Message:   "sí, es correcto",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Closure)
	require.Equal(t, closure.StatusCommitted, resp.Closure.Status)

	assert.Contains(t, env.gen.lastUserMessage(t, 1), "patient_id=otro-paciente")

	ci, err := env.store.Read(context.Background(), "ClinicalImpression", resp.Closure.NoteID)
	require.NoError(t, err)
	assert.Equal(t, "Patient/"+pid, fhir.String(ci, "subject", "reference"))
}

func TestChat_InvalidPlanStillShowsVisibleBlock(t *testing.T) {
	env := newTestEnv(t, Config{})
	boot := bootstrap(t, env, "")
	env.gen.queue(visibleDelim + "\nNota final\n" + visibleDelim + "\n" + jsonDelim + "\n{\"clinical_impression\": {\"status\": \"completed\"}}\n" + jsonDelim)

	resp, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: "listo"})
	require.NoError(t, err)
	assert.Equal(t, "Nota final", resp.Reply)
	assert.False(t, resp.Closed)
	assert.Equal(t, closure.StatusInvalid, resp.Closure.Status)
	assert.Contains(t, resp.Closure.Error, "summary")
	assert.Zero(t, env.store.Len("ClinicalImpression"))
}

func TestChat_RiskAutoClose(t *testing.T) {
	env := newTestEnv(t, Config{})
	pid := env.seedPatient(t)
	env.create(t, "Observation", map[string]interface{}{
		"status":        "final",
		"code":          map[string]interface{}{"text": "IMC"},
		"subject":       map[string]interface{}{"reference": "Patient/" + pid},
		"valueQuantity": map[string]interface{}{"value": 27.4},
	})
	env.gen.queue("Hola, ¿cuánto mide su cintura?", "Gracias por sus respuestas.")
	boot, err := env.svc.Bootstrap(context.Background(), BootstrapRequest{PatientID: pid, AgentKind: "risk"})
	require.NoError(t, err)

	resp, err := env.svc.Chat(context.Background(), ChatRequest{
		SessionID: boot.SessionID,
		Message:   "Mi cintura es de 90 cm, no fumo y mi madre tiene diabetes",
	})
	require.NoError(t, err)

	assert.Zero(t, resp.Checklist.Counts.Pending)
	answered := resp.Checklist.AnsweredValues()
	assert.Equal(t, "90", answered[checklist.ItemWaist])
	assert.Equal(t, "no", answered[checklist.ItemSmoking])
	assert.Equal(t, "si", answered[checklist.ItemFamilyHistory])
	assert.Empty(t, env.gen.prompts, "pattern hits skip the model extractor")

	require.NotNil(t, resp.Closure)
	assert.Equal(t, PathRisk, resp.Closure.Path)
	assert.Equal(t, closure.StatusCommitted, resp.Closure.Status)
	assert.True(t, resp.Closed)
	assert.Equal(t, "Gracias por sus respuestas.", resp.Reply)

	ra, err := env.store.Read(context.Background(), "RiskAssessment", resp.Closure.NoteID)
	require.NoError(t, err)
	assert.Equal(t, "Patient/"+pid, fhir.String(ra, "subject", "reference"))
	assert.Equal(t, "Encounter/"+boot.EncounterID, fhir.String(ra, "encounter", "reference"))
	assert.Equal(t, "finished", fhir.String(env.encounter(t, boot.EncounterID), "status"))

	again, err := env.svc.Chat(context.Background(), ChatRequest{SessionID: boot.SessionID, Message: "gracias"})
	require.NoError(t, err)
	assert.Nil(t, again.Closure)
	assert.Equal(t, 1, env.store.Len("RiskAssessment"))
}

func TestAnchorLine_EmptyAreaUsesKind(t *testing.T) {
	line := anchorLine(checklist.Snapshot{
		Exists:  true,
		Kind:    checklist.KindRisk,
		Counts:  checklist.Counts{Total: 6, Pending: 1, Answered: 5},
		Pending: []checklist.Item{{Name: checklist.ItemWaist}},
	})
	assert.Equal(t, "[checklist_anchor] area=risk counts=1 pendientes, 5 respondidos, 6 total pending4=[cintura_cm]", line)
}
