// Package intake runs the clinical intake conversation: session bootstrap,
// chat turns with checklist extraction, and the closing of the encounter
// with a ClinicalImpression or a RiskAssessment.
package intake

import (
	"errors"

	"github.com/goes/intake/internal/domain/checklist"
	"github.com/goes/intake/internal/domain/closure"
	"github.com/goes/intake/internal/domain/risk"
	"github.com/goes/intake/internal/domain/session"
)

var (
	ErrPatientRequired = errors.New("intake: patient_id is required")
	ErrMessageRequired = errors.New("intake: message is required")
	ErrSessionNotFound = session.ErrNotFound
)

type BootstrapRequest struct {
	UserID    string `json:"user_id"`
	PatientID string `json:"patient_id"`
	AgentKind string `json:"agent_kind"`
}

// Prefetch is the patient context read from the store at bootstrap.
type Prefetch struct {
	Patient *risk.PatientInfo `json:"patient,omitempty"`
	Motivos []string          `json:"motivos"`
	Areas   []string          `json:"areas"`
	Score   *risk.Result      `json:"score,omitempty"`
}

type BootstrapResponse struct {
	SessionID   string             `json:"session_id"`
	EncounterID string             `json:"encounter_id,omitempty"`
	AgentKind   session.Kind       `json:"agent_kind"`
	Reply       string             `json:"reply"`
	Checklist   checklist.Snapshot `json:"checklist"`
	Prefetch    Prefetch           `json:"prefetch"`
}

type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	// PatientID is an optional override of the session patient.
	PatientID string `json:"patient_id,omitempty"`
}

type ChatResponse struct {
	SessionID string             `json:"session_id"`
	Reply     string             `json:"reply"`
	Closed    bool               `json:"closed"`
	Closure   *ClosureInfo       `json:"closure,omitempty"`
	Checklist checklist.Snapshot `json:"checklist"`
}

// ClosureInfo reports a closure attempt made during the turn.
type ClosureInfo struct {
	closure.Outcome
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// Closure paths.
const (
	PathPlan   = "plan"
	PathLegacy = "legacy"
	PathRisk   = "risk"
)

func newClosureInfo(path string, out closure.Outcome) *ClosureInfo {
	info := &ClosureInfo{Outcome: out, Path: path}
	if out.Err != nil {
		info.Error = out.Err.Error()
	}
	return info
}

func checklistKind(k session.Kind) checklist.Kind {
	if k == session.KindRisk {
		return checklist.KindRisk
	}
	return checklist.KindCriteria
}
