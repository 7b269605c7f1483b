package closure

import (
	"context"
	"sync"
	"time"

	"github.com/goes/intake/internal/platform/fhir"
)

// countingStore wraps MemStore, counts writes and fails calls on demand.
type countingStore struct {
	*fhir.MemStore

	mu         sync.Mutex
	creates    int
	updates    int
	createErrs []error
	updateErrs []error
}

func newCountingStore() *countingStore {
	return &countingStore{MemStore: fhir.NewMemStore()}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (s *countingStore) Create(ctx context.Context, rt string, body map[string]interface{}) (string, error) {
	s.mu.Lock()
	s.creates++
	err := pop(&s.createErrs)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.MemStore.Create(ctx, rt, body)
}

func (s *countingStore) Update(ctx context.Context, rt, id string, body map[string]interface{}) error {
	s.mu.Lock()
	s.updates++
	err := pop(&s.updateErrs)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemStore.Update(ctx, rt, id, body)
}

func (s *countingStore) counts() (creates, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates, s.updates
}

type memLedger struct {
	closure sync.Mutex

	mu      sync.Mutex
	applied map[string]bool
}

func newLedger() *memLedger { return &memLedger{applied: map[string]bool{}} }

func (l *memLedger) LockClosure() func() {
	l.closure.Lock()
	return l.closure.Unlock
}

func (l *memLedger) Applied(scope, hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied[scope+"|"+hash]
}

func (l *memLedger) MarkApplied(scope, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied[scope+"|"+hash] = true
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func seedEncounter(s *countingStore, sessionID string) string {
	id, err := s.MemStore.Create(context.Background(), "Encounter", map[string]interface{}{
		"status": "in-progress",
		"identifier": []interface{}{
			map[string]interface{}{"system": SessionIdentifierSystem, "value": sessionID},
		},
	})
	if err != nil {
		panic(err)
	}
	return id
}
