package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrNotFound is returned by Read when the resource does not exist.
var ErrNotFound = errors.New("fhir: resource not found")

// StatusError reports a non-2xx response from a FHIR server.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fhir: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Store is the clinical record store collaborator. Resource bodies are
// decoded FHIR JSON objects. Implementations must be safe for concurrent use.
type Store interface {
	// Create stores a new resource and returns its server-assigned id.
	Create(ctx context.Context, resourceType string, body map[string]interface{}) (string, error)
	// Read returns ErrNotFound when the resource does not exist.
	Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error)
	Update(ctx context.Context, resourceType, id string, body map[string]interface{}) error
	// Search returns the matching resources; no match is an empty slice.
	Search(ctx context.Context, resourceType string, query url.Values) ([]map[string]interface{}, error)
}

// ConditionalCreator is implemented by stores that honour FHIR conditional
// create. condition is a search query string ("identifier=sys|val"); when it
// matches an existing resource its id is returned and nothing is created.
type ConditionalCreator interface {
	CreateIfNoneExist(ctx context.Context, resourceType string, body map[string]interface{}, condition string) (string, error)
}

// CreateIfNoneExist uses the store's conditional create when available and
// falls back to search-then-create otherwise.
func CreateIfNoneExist(ctx context.Context, s Store, resourceType string, body map[string]interface{}, condition string) (string, error) {
	if cc, ok := s.(ConditionalCreator); ok {
		return cc.CreateIfNoneExist(ctx, resourceType, body, condition)
	}
	q, err := url.ParseQuery(condition)
	if err != nil {
		return "", fmt.Errorf("parse condition %q: %w", condition, err)
	}
	found, err := s.Search(ctx, resourceType, q)
	if err != nil {
		return "", err
	}
	if len(found) > 0 {
		if id := String(found[0], "id"); id != "" {
			return id, nil
		}
	}
	return s.Create(ctx, resourceType, body)
}

// Normalize converts any JSON-marshalable value into a decoded resource
// object, so stored bodies never alias caller memory.
func Normalize(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return m, nil
}
