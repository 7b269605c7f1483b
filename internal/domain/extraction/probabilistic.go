package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goes/intake/internal/domain/checklist"
)

// DefaultThreshold is the minimum confidence of an applied model item.
const DefaultThreshold = 0.6

// Completer answers a single prompt. llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const riskInstruction = "Eres un asistente clínico que extrae datos de factores de riesgo. " +
	"Recibirás una lista de ítems de checklist y un texto del paciente. " +
	"Devuelve SOLO JSON, una lista de objetos {\"item\",\"value\",\"confidence\"} con los ítems que puedan marcarse como respondidos. " +
	"Usa nombres exactos de ítems. No inventes datos."

const criteriaInstruction = "Eres un asistente clínico que extrae datos estructurados. " +
	"Recibirás un área clínica activa y una lista de criterios (checklist). " +
	"A partir del texto del paciente, indica qué criterios quedan satisfechos, su valor y una confianza 0..1. " +
	"Devuelve SOLO JSON, una lista de objetos {\"criterio\",\"value\",\"confidence\"}. " +
	"Usa exactamente los nombres de criterio provistos. No inventes valores."

type outputItem struct {
	Item       string  `json:"item,omitempty"`
	Criterio   string  `json:"criterio,omitempty"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type promptBody struct {
	Area      string       `json:"area,omitempty"`
	Checklist []string     `json:"checklist"`
	Text      string       `json:"texto_paciente"`
	Output    []outputItem `json:"output"`
}

// Request is one fallback extraction.
type Request struct {
	Kind    checklist.Kind
	Area    string
	Pending []string
	Text    string
}

// Result carries the accepted items. Err is set when the model call failed;
// Outcome.Failed when its reply could not be parsed. Neither is fatal.
type Result struct {
	Items   []ParsedItem
	Outcome ParseOutcome
	Err     error
}

// Probabilistic is the model-backed fallback extractor.
type Probabilistic struct {
	llm       Completer
	threshold float64
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewProbabilistic creates the extractor. A non-positive timeout leaves the
// deadline to the caller's context.
func NewProbabilistic(llm Completer, threshold float64, timeout time.Duration, logger zerolog.Logger) *Probabilistic {
	return &Probabilistic{llm: llm, threshold: threshold, timeout: timeout, logger: logger}
}

// Extract asks the model which pending items the text answers.
func (p *Probabilistic) Extract(ctx context.Context, req Request) Result {
	if len(req.Pending) == 0 || req.Text == "" {
		return Result{}
	}
	prompt, err := buildPrompt(req)
	if err != nil {
		return Result{Err: err}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	raw, err := p.llm.Complete(ctx, prompt)
	if err != nil {
		p.logger.Warn().Err(err).Str("kind", string(req.Kind)).Msg("extractor call failed")
		return Result{Err: fmt.Errorf("extractor call: %w", err)}
	}

	outcome := ParseItems(raw)
	if outcome.Failed {
		p.logger.Warn().Str("kind", string(req.Kind)).Str("reason", outcome.Reason).
			Int("raw_len", len(raw)).Msg("extractor reply unparsable")
		return Result{Outcome: outcome}
	}
	items := Accept(outcome.Items, req.Pending, p.threshold)
	p.logger.Debug().Str("kind", string(req.Kind)).Int("parsed", len(outcome.Items)).
		Int("accepted", len(items)).Msg("extractor reply parsed")
	return Result{Items: items, Outcome: outcome}
}

func buildPrompt(req Request) (string, error) {
	body := promptBody{Checklist: req.Pending, Text: req.Text}
	instruction := riskInstruction
	if req.Kind == checklist.KindCriteria {
		instruction = criteriaInstruction
		body.Area = req.Area
		body.Output = []outputItem{{Criterio: "<nombre exacto>", Value: "<resumen breve>"}}
	} else {
		body.Output = []outputItem{{Item: "<nombre exacto>", Value: "<resumen breve>"}}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return "", fmt.Errorf("encode extractor prompt: %w", err)
	}
	return instruction + "\n" + strings.TrimSpace(buf.String()), nil
}
