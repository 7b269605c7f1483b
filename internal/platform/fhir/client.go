package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ContentType is the media type sent and accepted by the REST client.
const ContentType = "application/fhir+json;charset=utf-8"

// maxErrorBody bounds the response excerpt kept in StatusError.
const maxErrorBody = 400

// ClientConfig configures a FHIR REST client.
type ClientConfig struct {
	BaseURL     string
	BearerToken string
	Timeout     time.Duration
	HTTPClient  *http.Client // optional; Timeout is ignored when set
}

// Client is a Store backed by a FHIR REST server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a REST client rooted at cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fhir base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse fhir base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.BearerToken,
		http:  hc,
	}, nil
}

func (c *Client) Create(ctx context.Context, resourceType string, body map[string]interface{}) (string, error) {
	return c.create(ctx, resourceType, body, "")
}

// CreateIfNoneExist issues a conditional create with the If-None-Exist
// header. A 200 response means an existing resource matched.
func (c *Client) CreateIfNoneExist(ctx context.Context, resourceType string, body map[string]interface{}, condition string) (string, error) {
	return c.create(ctx, resourceType, body, condition)
}

func (c *Client) create(ctx context.Context, resourceType string, body map[string]interface{}, condition string) (string, error) {
	body = withResourceType(body, resourceType)
	header := http.Header{}
	if condition != "" {
		header.Set("If-None-Exist", condition)
	}
	resp, data, err := c.do(ctx, http.MethodPost, "/"+resourceType, nil, body, header)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(http.MethodPost, "/"+resourceType, resp.StatusCode, data)
	}
	if id := idFromBody(data); id != "" {
		return id, nil
	}
	if id := idFromLocation(resp.Header.Get("Location"), resourceType); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("fhir: create %s: response carried no id", resourceType)
}

func (c *Client) Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	path := "/" + resourceType + "/" + url.PathEscape(id)
	resp, data, err := c.do(ctx, http.MethodGet, path, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrNotFound
	default:
		return nil, statusError(http.MethodGet, path, resp.StatusCode, data)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}

func (c *Client) Update(ctx context.Context, resourceType, id string, body map[string]interface{}) error {
	path := "/" + resourceType + "/" + url.PathEscape(id)
	body = withResourceType(body, resourceType)
	body["id"] = id
	resp, data, err := c.do(ctx, http.MethodPut, path, nil, body, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(http.MethodPut, path, resp.StatusCode, data)
	}
	return nil
}

func (c *Client) Search(ctx context.Context, resourceType string, query url.Values) ([]map[string]interface{}, error) {
	path := "/" + resourceType
	resp, data, err := c.do(ctx, http.MethodGet, path, query, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(http.MethodGet, path, resp.StatusCode, data)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode search bundle: %w", err)
	}
	return b.Resources()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, header http.Header) (*http.Response, []byte, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	if body != nil {
		req.Header.Set("Content-Type", ContentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fhir: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, data, nil
}

func withResourceType(body map[string]interface{}, resourceType string) map[string]interface{} {
	out := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["resourceType"] = resourceType
	return out
}

// idFromBody reads the id of a returned resource. Some servers answer a
// conditional create hit with a searchset Bundle instead.
func idFromBody(data []byte) string {
	if len(bytes.TrimSpace(data)) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	if String(m, "resourceType") == "Bundle" {
		return String(m, "entry", "0", "resource", "id")
	}
	return String(m, "id")
}

// idFromLocation extracts the id from ".../Type/id/_history/n".
func idFromLocation(loc, resourceType string) string {
	if loc == "" {
		return ""
	}
	parts := strings.Split(strings.TrimRight(loc, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == resourceType {
			return parts[i+1]
		}
	}
	return ""
}

func statusError(method, path string, code int, data []byte) error {
	body := string(data)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &StatusError{Method: method, Path: path, StatusCode: code, Body: body}
}
