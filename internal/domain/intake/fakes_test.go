package intake

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goes/intake/internal/domain/checklist"
	"github.com/goes/intake/internal/domain/closure"
	"github.com/goes/intake/internal/domain/extraction"
	"github.com/goes/intake/internal/domain/risk"
	"github.com/goes/intake/internal/domain/session"
	"github.com/goes/intake/internal/platform/fhir"
	"github.com/goes/intake/internal/platform/llm"
)

const (
	visibleDelim = "===VISIBLE_MARKDOWN==="
	jsonDelim    = "===STRUCTURED_JSON==="
)

// fakeGenerator replays queued chat replies; an empty queue yields "".
type fakeGenerator struct {
	mu       sync.Mutex
	replies  []string
	chatErr  error
	complete string
	chats    [][]llm.Message
	prompts  []string
}

func (g *fakeGenerator) Chat(_ context.Context, messages []llm.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chats = append(g.chats, messages)
	if g.chatErr != nil {
		return "", g.chatErr
	}
	if len(g.replies) == 0 {
		return "", nil
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r, nil
}

func (g *fakeGenerator) Complete(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.complete == "" {
		return "", llm.ErrDisabled
	}
	return g.complete, nil
}

func (g *fakeGenerator) queue(replies ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, replies...)
}

// lastUserMessage is the final message of the n-th chat call.
func (g *fakeGenerator) lastUserMessage(t *testing.T, n int) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.Greater(t, len(g.chats), n)
	msgs := g.chats[n]
	return msgs[len(msgs)-1].Content
}

// flakyStore fails conditional creates when createErr is set.
type flakyStore struct {
	*fhir.MemStore
	createErr error
}

func (s *flakyStore) CreateIfNoneExist(ctx context.Context, resourceType string, body map[string]interface{}, condition string) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.MemStore.CreateIfNoneExist(ctx, resourceType, body, condition)
}

type testEnv struct {
	store *fhir.MemStore
	gen   *fakeGenerator
	svc   *Service
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	mem := fhir.NewMemStore()
	return newTestEnvOn(t, mem, mem, cfg)
}

// newTestEnvOn wires the service to store; mem is the backing MemStore the
// test seeds and inspects.
func newTestEnvOn(t *testing.T, mem *fhir.MemStore, store fhir.Store, cfg Config) *testEnv {
	t.Helper()
	if cfg.VisibleDelim == "" {
		cfg.VisibleDelim, cfg.JSONDelim = visibleDelim, jsonDelim
	}
	logger := zerolog.Nop()
	gen := &fakeGenerator{}
	committer := closure.NewCommitter(store, closure.CommitterConfig{Fallback: true}, logger, nil)
	protocol := closure.NewProtocol(closure.NewParser(cfg.VisibleDelim, cfg.JSONDelim), closure.NewSanitizer(), committer, logger, nil)
	svc := NewService(Deps{
		Store:      store,
		Sessions:   session.NewRegistry(),
		Checklists: checklist.NewStore(nil),
		Extractor:  extraction.NewProbabilistic(gen, extraction.DefaultThreshold, 0, logger),
		Gatherer:   risk.NewGatherer(store, nil, logger),
		Protocol:   protocol,
		Generator:  gen,
		Logger:     logger,
	}, cfg)
	return &testEnv{store: mem, gen: gen, svc: svc}
}

func (e *testEnv) create(t *testing.T, resourceType string, body map[string]interface{}) string {
	t.Helper()
	id, err := e.store.Create(context.Background(), resourceType, body)
	require.NoError(t, err)
	return id
}

func (e *testEnv) seedPatient(t *testing.T) string {
	t.Helper()
	return e.create(t, "Patient", map[string]interface{}{
		"name":      []interface{}{map[string]interface{}{"given": []interface{}{"Ana"}, "family": "López"}},
		"gender":    "female",
		"birthDate": "1970-06-15",
	})
}

// seedTriage stores an affected-areas impression and a triage encounter
// whose symptom list checks Fiebre and Cefalea (priority 1).
func (e *testEnv) seedTriage(t *testing.T, patientID, area string) string {
	t.Helper()
	subject := map[string]interface{}{"reference": "Patient/" + patientID}
	e.create(t, "ClinicalImpression", map[string]interface{}{
		"status":   "completed",
		"subject":  subject,
		"date":     "2024-05-31T09:00:00Z",
		"protocol": []interface{}{AffectedAreasProtocol},
		"finding": []interface{}{
			map[string]interface{}{"itemCodeableConcept": map[string]interface{}{"text": area}},
		},
	})
	encID := e.create(t, "Encounter", map[string]interface{}{
		"status":  "finished",
		"subject": subject,
		"extension": []interface{}{
			map[string]interface{}{"url": TriageCreatedExtension, "valueDateTime": "2024-05-31T08:55:00Z"},
		},
	})
	e.create(t, "QuestionnaireResponse", map[string]interface{}{
		"status":        "completed",
		"questionnaire": SymptomListQuestionnaire,
		"subject":       subject,
		"encounter":     map[string]interface{}{"reference": "Encounter/" + encID},
		"item": []interface{}{
			map[string]interface{}{"linkId": "Fiebre", "answer": []interface{}{map[string]interface{}{"valueBoolean": true}}},
			map[string]interface{}{
				"linkId":    "Cefalea",
				"answer":    []interface{}{map[string]interface{}{"valueBoolean": true}},
				"extension": []interface{}{map[string]interface{}{"url": SymptomOrderExtension, "valueInteger": 1}},
			},
			map[string]interface{}{"linkId": "Tos", "answer": []interface{}{map[string]interface{}{"valueBoolean": false}}},
		},
	})
	return encID
}

func (e *testEnv) encounter(t *testing.T, id string) map[string]interface{} {
	t.Helper()
	enc, err := e.store.Read(context.Background(), "Encounter", id)
	require.NoError(t, err)
	return enc
}

func closingReply(patientID, summary string) string {
	return "Gracias por tu tiempo.\n" +
		visibleDelim + "\n" +
		"## Resumen de Anamnesis\n**Motivo principal:** cefalea de 3 días.\n" +
		"```python\nprint(tools.create_clinical_impression())\n```\n" +
		visibleDelim + "\n" +
		jsonDelim + "\n" +
		`{"clinical_impression": {"status": "completed", "subject_ref": "Patient/` + patientID + `", ` +
		`"encounter_ref": "Encounter/<encounter_id>", "summary": "` + summary + `", ` +
		`"protocols": ["` + closure.AnamnesisProtocol + `"], "problems": ["Cefalea"]}}` + "\n" +
		jsonDelim + "\n"
}
