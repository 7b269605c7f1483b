package checklist

import "errors"

// Kind selects which checklist of a session is addressed.
type Kind string

const (
	// KindCriteria is the interview checklist, selected by triage area.
	KindCriteria Kind = "criteria"
	// KindRisk is the fixed set of risk-factor variables.
	KindRisk Kind = "risk"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
)

// Risk-factor variables, in the order they are asked.
const (
	ItemBMI           = "altura_peso_para_imc"
	ItemWaist         = "cintura_cm"
	ItemSmoking       = "fumar_actual"
	ItemFamilyHistory = "antecedentes_familiares_dm2_hta"
	ItemSex           = "sexo"
	ItemAge           = "edad"
)

// Sources of an answered value.
const (
	SourcePattern = "pattern"
	SourceLLM     = "llm"
	SourceRecord  = "record"
	SourceManual  = "manual"
)

var (
	ErrNoChecklist = errors.New("checklist: no checklist for session")
	ErrUnknownItem = errors.New("checklist: unknown item")
	ErrBadStatus   = errors.New("checklist: invalid status")
)

// RiskItems is the risk-factor vocabulary with the question the agent asks
// for each variable.
var RiskItems = []Criterion{
	{Name: ItemBMI, Question: "¿Cuál es su estatura y su peso actual?"},
	{Name: ItemWaist, Question: "¿Cuánto mide su cintura en centímetros?"},
	{Name: ItemSmoking, Question: "¿Fuma actualmente?"},
	{Name: ItemFamilyHistory, Question: "¿Su madre o su padre han tenido diabetes tipo 2 o hipertensión?"},
	{Name: ItemSex, Question: "¿Cuál es su sexo biológico?"},
	{Name: ItemAge, Question: "¿Qué edad tiene?"},
}

type Item struct {
	Name       string   `json:"name"`
	Status     Status   `json:"status"`
	Value      *string  `json:"value,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Weight     int      `json:"weight,omitempty"`
	Question   string   `json:"question,omitempty"`
	Source     string   `json:"source,omitempty"`
}

type Counts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Answered int `json:"answered"`
}

// Snapshot is a copy of one checklist. Exists is false when the session has
// no checklist of the requested kind; the other fields are then empty.
type Snapshot struct {
	Exists   bool   `json:"exists"`
	Kind     Kind   `json:"kind,omitempty"`
	Area     string `json:"area,omitempty"`
	Counts   Counts `json:"counts"`
	Pending  []Item `json:"pending"`
	Answered []Item `json:"answered"`
}

// PendingNames returns the names of the pending items in ask order.
func (s Snapshot) PendingNames() []string {
	out := make([]string, 0, len(s.Pending))
	for _, it := range s.Pending {
		out = append(out, it.Name)
	}
	return out
}

// AnsweredValues maps answered item names to their value.
func (s Snapshot) AnsweredValues() map[string]string {
	out := make(map[string]string, len(s.Answered))
	for _, it := range s.Answered {
		if it.Value != nil {
			out[it.Name] = *it.Value
		}
	}
	return out
}

// Update is an upsert of one item. Value and Confidence are optional.
type Update struct {
	Name       string
	Status     Status
	Value      *string
	Confidence *float64
	Source     string
}
