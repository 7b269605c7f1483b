// Package session is the registry of live interview sessions: patient and
// encounter mapping, transcript and the applied closure plans.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("session: not found")
	ErrUnknownKind = errors.New("session: unknown agent kind")
)

// Kind selects the agent driving the session.
type Kind string

const (
	KindAnamnesis Kind = "anamnesis"
	KindRisk      Kind = "risk"
)

// ParseKind defaults to KindAnamnesis.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindAnamnesis:
		return KindAnamnesis, nil
	case KindRisk:
		return KindRisk, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, s)
}

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

type Utterance struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Session is safe for concurrent use. The turn lock serializes whole turns;
// the closure lock serializes closure commits; mu guards the fields.
type Session struct {
	ID        string
	PatientID string
	Kind      Kind
	CreatedAt time.Time

	turn    sync.Mutex
	closure sync.Mutex

	mu            sync.Mutex
	encounterID   string
	transcript    []Utterance
	applied       map[string]map[string]struct{}
	confirmations int
	now           func() time.Time
}

// LockTurn blocks until no other turn of the session is running.
func (s *Session) LockTurn() (unlock func()) {
	s.turn.Lock()
	return s.turn.Unlock
}

func (s *Session) LockClosure() (unlock func()) {
	s.closure.Lock()
	return s.closure.Unlock
}

func (s *Session) Applied(scope, hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[scope][hash]
	return ok
}

func (s *Session) MarkApplied(scope, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.applied[scope]
	if set == nil {
		set = make(map[string]struct{})
		s.applied[scope] = set
	}
	set[hash] = struct{}{}
}

// AnyApplied reports whether scope holds at least one plan.
func (s *Session) AnyApplied(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied[scope]) > 0
}

func (s *Session) EncounterID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encounterID
}

func (s *Session) SetEncounterID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encounterID = id
}

func (s *Session) Append(speaker Speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, Utterance{Speaker: speaker, Text: text, At: s.now()})
}

// Transcript returns a copy of the last n utterances; n <= 0 returns all.
func (s *Session) Transcript(n int) []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := 0
	if n > 0 && len(s.transcript) > n {
		from = len(s.transcript) - n
	}
	out := make([]Utterance, len(s.transcript)-from)
	copy(out, s.transcript[from:])
	return out
}

// Confirm records whether the latest user message confirmed the summary
// and returns the number of consecutive confirmations.
func (s *Session) Confirm(confirmed bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if confirmed {
		s.confirmations++
	} else {
		s.confirmations = 0
	}
	return s.confirmations
}

// Registry owns every live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	newID    func() string
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}
}

// Create registers a new session for patientID.
func (r *Registry) Create(patientID string, kind Kind) *Session {
	s := &Session{
		ID:        r.newID(),
		PatientID: strings.TrimPrefix(strings.TrimSpace(patientID), "Patient/"),
		Kind:      kind,
		CreatedAt: r.now().UTC(),
		applied:   make(map[string]map[string]struct{}),
		now:       r.now,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
