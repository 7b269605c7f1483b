package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore keeps FHIR resources as JSONB documents in a single table created
// by migrations/001_fhir_resources.sql.
type PGStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGStore returns a store over schema.fhir_resources. An empty schema
// uses the connection's search_path.
func NewPGStore(pool *pgxpool.Pool, schema string) *PGStore {
	ident := pgx.Identifier{"fhir_resources"}
	if schema != "" {
		ident = pgx.Identifier{schema, "fhir_resources"}
	}
	return &PGStore{pool: pool, table: ident.Sanitize()}
}

func (s *PGStore) Create(ctx context.Context, resourceType string, body map[string]interface{}) (string, error) {
	return s.insert(ctx, s.pool, resourceType, body)
}

// CreateIfNoneExist serialises concurrent conditional creates on the same
// condition with a transaction-scoped advisory lock.
func (s *PGStore) CreateIfNoneExist(ctx context.Context, resourceType string, body map[string]interface{}, condition string) (string, error) {
	q, err := url.ParseQuery(condition)
	if err != nil {
		return "", fmt.Errorf("parse condition %q: %w", condition, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", resourceType+"?"+condition); err != nil {
		return "", fmt.Errorf("acquire create lock: %w", err)
	}
	params := ParseSearchParams(q)
	params.Count = 1
	found, err := s.search(ctx, tx, resourceType, params)
	if err != nil {
		return "", err
	}
	if len(found) > 0 {
		return String(found[0], "id"), tx.Commit(ctx)
	}
	id, err := s.insert(ctx, tx, resourceType, body)
	if err != nil {
		return "", err
	}
	return id, tx.Commit(ctx)
}

func (s *PGStore) insert(ctx context.Context, q querier, resourceType string, body map[string]interface{}) (string, error) {
	doc, err := Normalize(body)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	doc["resourceType"] = resourceType
	doc["id"] = id
	doc["meta"] = map[string]interface{}{
		"versionId":   "1",
		"lastUpdated": time.Now().UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", resourceType, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (resource_type, id, body) VALUES ($1, $2, $3::jsonb)`, s.table)
	if _, err := q.Exec(ctx, query, resourceType, id, string(raw)); err != nil {
		return "", fmt.Errorf("insert %s: %w", resourceType, err)
	}
	return id, nil
}

func (s *PGStore) Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE resource_type = $1 AND id = $2`, s.table)
	var raw []byte
	err := s.pool.QueryRow(ctx, query, resourceType, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	return m, nil
}

func (s *PGStore) Update(ctx context.Context, resourceType, id string, body map[string]interface{}) error {
	doc, err := Normalize(body)
	if err != nil {
		return err
	}
	doc["resourceType"] = resourceType
	doc["id"] = id
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["lastUpdated"] = time.Now().UTC().Format(time.RFC3339Nano)
	doc["meta"] = meta
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", resourceType, err)
	}

	query := fmt.Sprintf(`UPDATE %s
SET body = jsonb_set($3::jsonb, '{meta,versionId}', to_jsonb((version_id + 1)::text)),
    version_id = version_id + 1,
    updated_at = NOW()
WHERE resource_type = $1 AND id = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, resourceType, id, string(raw))
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", resourceType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Search(ctx context.Context, resourceType string, query url.Values) ([]map[string]interface{}, error) {
	return s.search(ctx, s.pool, resourceType, ParseSearchParams(query))
}

func (s *PGStore) search(ctx context.Context, q querier, resourceType string, params SearchParams) ([]map[string]interface{}, error) {
	sql, args := buildSearchSQL(s.table, resourceType, params)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", resourceType, err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", resourceType, err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", resourceType, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", resourceType, err)
	}
	return out, nil
}

// buildSearchSQL translates SearchParams into a parameterised query over
// the JSONB body column.
func buildSearchSQL(table, resourceType string, p SearchParams) (string, []interface{}) {
	var b strings.Builder
	args := []interface{}{resourceType}
	next := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	fmt.Fprintf(&b, "SELECT body FROM %s WHERE resource_type = $1", table)

	if p.IdentifierValue != "" {
		ident := map[string]string{"value": p.IdentifierValue}
		if p.IdentifierSystem != "" {
			ident["system"] = p.IdentifierSystem
		}
		raw, _ := json.Marshal([]map[string]string{ident})
		fmt.Fprintf(&b, " AND body->'identifier' @> %s::jsonb", next(string(raw)))
	}
	if p.Subject != "" {
		ph := next(p.Subject)
		fmt.Fprintf(&b, " AND (body->'subject'->>'reference' = %s OR body->'patient'->>'reference' = %s)", ph, ph)
	}
	if p.Encounter != "" {
		fmt.Fprintf(&b, " AND body->'encounter'->>'reference' = %s", next(p.Encounter))
	}
	if p.Status != "" {
		fmt.Fprintf(&b, " AND body->>'status' = %s", next(p.Status))
	}
	if p.Code != "" {
		ph := next(strings.ToLower(p.Code))
		fmt.Fprintf(&b, " AND (lower(body->'code'->>'text') = %s OR EXISTS (SELECT 1 FROM jsonb_array_elements(COALESCE(body->'code'->'coding', '[]'::jsonb)) c WHERE lower(c->>'code') = %s OR lower(c->>'display') = %s))", ph, ph, ph)
	}

	if p.SortDate {
		dir := "ASC"
		if p.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY COALESCE(body->>'date', body->'meta'->>'lastUpdated') %s", dir)
	} else {
		b.WriteString(" ORDER BY created_at")
	}
	if p.Count > 0 {
		fmt.Fprintf(&b, " LIMIT %s", next(p.Count))
	}
	return b.String(), args
}
