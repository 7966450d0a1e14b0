package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Error is a decoded error response. It unwraps to the matching domain
// sentinel so callers can use errors.Is.
type Error struct {
	Status int
	Body   ErrorBody
}

func (e *Error) Error() string {
	if e.Body.Details != "" {
		return e.Body.Details
	}
	return fmt.Sprintf("%d %s", e.Status, e.Body.Error)
}

func (e *Error) Unwrap() error {
	return codeErrors[e.Body.Code]
}

// Client calls the HTTP API.
type Client struct {
	base  string
	http  *http.Client
	actor string
}

// NewClient creates a client for the server at base, e.g.
// "http://127.0.0.1:7420". actor, when set, is sent with every request.
func NewClient(base, actor string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:  strings.TrimSuffix(base, "/"),
		http:  &http.Client{Timeout: timeout},
		actor: actor,
	}
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, header http.Header) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			apiErr.Body.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Register creates an entity.
func (c *Client) Register(ctx context.Context, req domain.RegisterRequest) (RegisterResponse, error) {
	var h http.Header
	if req.IdempotencyToken != "" {
		h = http.Header{IdempotencyHeader: {req.IdempotencyToken}}
	}
	var out RegisterResponse
	err := c.do(ctx, http.MethodPost, "/v1/entities", nil, req, &out, h)
	return out, err
}

// Get fetches one entity.
func (c *Client) Get(ctx context.Context, id domain.EntityID) (*domain.Entity, error) {
	var out domain.Entity
	if err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(string(id)), nil, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update patches an entity at expectedVersion.
func (c *Client) Update(ctx context.Context, id domain.EntityID, expectedVersion int64, patch domain.Patch) (int64, error) {
	var out VersionResponse
	err := c.do(ctx, http.MethodPatch, "/v1/entities/"+url.PathEscape(string(id)), nil,
		UpdateRequest{ExpectedVersion: expectedVersion, Patch: patch}, &out, nil)
	return out.Version, err
}

// Heartbeat reports liveness.
func (c *Client) Heartbeat(ctx context.Context, id domain.EntityID) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/v1/entities/"+url.PathEscape(string(id))+"/heartbeat", nil, nil, &out, nil)
	return out, err
}

// Deregister retires an entity. A version of 0 skips the version check.
func (c *Client) Deregister(ctx context.Context, id domain.EntityID, version int64) error {
	var q url.Values
	if version > 0 {
		q = url.Values{"version": {strconv.FormatInt(version, 10)}}
	}
	return c.do(ctx, http.MethodDelete, "/v1/entities/"+url.PathEscape(string(id)), q, nil, nil, nil)
}

// Find runs a discovery query.
func (c *Client) Find(ctx context.Context, filter domain.EntityFilter) (discovery.Result, error) {
	q := url.Values{}
	if filter.Capability != "" {
		q.Set("capability", filter.Capability)
	}
	if filter.DivisionID != "" {
		q.Set("division", filter.DivisionID)
	}
	if filter.DepartmentID != "" {
		q.Set("department", filter.DepartmentID)
	}
	for _, st := range filter.Statuses {
		q.Add("status", string(st))
	}
	for _, t := range filter.Types {
		q.Add("type", string(t))
	}
	var out discovery.Result
	err := c.do(ctx, http.MethodGet, "/v1/entities", q, nil, &out, nil)
	return out, err
}

// SelectOne asks the server to pick one entity for capability.
func (c *Client) SelectOne(ctx context.Context, capability string, strategy discovery.Strategy) (discovery.Selection, error) {
	q := url.Values{"capability": {capability}}
	if strategy != "" {
		q.Set("strategy", string(strategy))
	}
	var out discovery.Selection
	err := c.do(ctx, http.MethodGet, "/v1/select", q, nil, &out, nil)
	return out, err
}

// Search runs a free-text query.
func (c *Client) Search(ctx context.Context, text string, limit int) (discovery.Result, error) {
	q := url.Values{"q": {text}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out discovery.Result
	err := c.do(ctx, http.MethodGet, "/v1/search", q, nil, &out, nil)
	return out, err
}

// Summary fetches health counts.
func (c *Client) Summary(ctx context.Context) (discovery.Summary, error) {
	var out discovery.Summary
	err := c.do(ctx, http.MethodGet, "/v1/summary", nil, nil, &out, nil)
	return out, err
}

// AddDependency records that edge.DependentID relies on edge.DependencyID.
func (c *Client) AddDependency(ctx context.Context, edge domain.DependencyEdge) error {
	return c.do(ctx, http.MethodPost, "/v1/dependencies", nil, edge, nil, nil)
}

// RemoveDependency deletes an edge.
func (c *Client) RemoveDependency(ctx context.Context, dependent, dependency domain.EntityID) error {
	q := url.Values{"dependent": {string(dependent)}, "dependency": {string(dependency)}}
	return c.do(ctx, http.MethodDelete, "/v1/dependencies", q, nil, nil, nil)
}

// ListDependencies returns the edges leaving id.
func (c *Client) ListDependencies(ctx context.Context, id domain.EntityID) ([]domain.DependencyEdge, error) {
	var out DependenciesResponse
	err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(string(id))+"/dependencies", nil, nil, &out, nil)
	return out.Edges, err
}

// ListDependents returns the edges arriving at id.
func (c *Client) ListDependents(ctx context.Context, id domain.EntityID) ([]domain.DependencyEdge, error) {
	var out DependenciesResponse
	err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(string(id))+"/dependents", nil, nil, &out, nil)
	return out.Edges, err
}

// AuditTrail fetches one page of an entity's audit log.
func (c *Client) AuditTrail(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	vals := url.Values{}
	if !q.Since.IsZero() {
		vals.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.After > 0 {
		vals.Set("cursor", strconv.FormatInt(q.After, 10))
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	var out domain.AuditPage
	err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(string(q.EntityID))+"/audit", vals, nil, &out, nil)
	return out, err
}
