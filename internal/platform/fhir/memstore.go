package fhir

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is a concurrency-safe, process-local Store. Bodies are copied on
// write and on read, so callers never share memory with the store.
type MemStore struct {
	mu        sync.RWMutex
	resources map[string]map[string]map[string]interface{} // type -> id -> body
	order     map[string][]string                           // insertion order per type
	nowFunc   func() time.Time                              // for testing; defaults to time.Now
	newID     func() string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		resources: make(map[string]map[string]map[string]interface{}),
		order:     make(map[string][]string),
		nowFunc:   time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

func (s *MemStore) Create(_ context.Context, resourceType string, body map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(resourceType, body)
}

func (s *MemStore) createLocked(resourceType string, body map[string]interface{}) (string, error) {
	cp, err := Normalize(body)
	if err != nil {
		return "", err
	}
	id := s.newID()
	cp["resourceType"] = resourceType
	cp["id"] = id
	s.stamp(cp, 1)

	if s.resources[resourceType] == nil {
		s.resources[resourceType] = make(map[string]map[string]interface{})
	}
	s.resources[resourceType][id] = cp
	s.order[resourceType] = append(s.order[resourceType], id)
	return id, nil
}

// CreateIfNoneExist creates body unless a resource already matches
// condition. The check and the insert happen under one lock.
func (s *MemStore) CreateIfNoneExist(_ context.Context, resourceType string, body map[string]interface{}, condition string) (string, error) {
	q, err := url.ParseQuery(condition)
	if err != nil {
		return "", fmt.Errorf("parse condition %q: %w", condition, err)
	}
	params := ParseSearchParams(q)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[resourceType] {
		if params.Matches(s.resources[resourceType][id]) {
			return id, nil
		}
	}
	return s.createLocked(resourceType, body)
}

func (s *MemStore) Read(_ context.Context, resourceType, id string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[resourceType][id]
	if !ok {
		return nil, ErrNotFound
	}
	return Normalize(r)
}

func (s *MemStore) Update(_ context.Context, resourceType, id string, body map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.resources[resourceType][id]
	if !ok {
		return ErrNotFound
	}
	cp, err := Normalize(body)
	if err != nil {
		return err
	}
	cp["resourceType"] = resourceType
	cp["id"] = id
	version := 1
	if v, err := strconv.Atoi(String(prev, "meta", "versionId")); err == nil {
		version = v + 1
	}
	s.stamp(cp, version)
	s.resources[resourceType][id] = cp
	return nil
}

func (s *MemStore) Search(_ context.Context, resourceType string, query url.Values) ([]map[string]interface{}, error) {
	params := ParseSearchParams(query)

	s.mu.RLock()
	all := make([]map[string]interface{}, 0, len(s.order[resourceType]))
	for _, id := range s.order[resourceType] {
		all = append(all, s.resources[resourceType][id])
	}
	matched := params.Apply(all)
	s.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(matched))
	for _, r := range matched {
		cp, err := Normalize(r)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Len returns the number of stored resources of the given type.
func (s *MemStore) Len(resourceType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources[resourceType])
}

func (s *MemStore) stamp(body map[string]interface{}, version int) {
	meta, _ := body["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = s.nowFunc().UTC().Format(time.RFC3339Nano)
	body["meta"] = meta
}
