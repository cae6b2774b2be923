// Package registry talks to a Modrinth-compatible artifact registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adamancini/spool/internal/fetch"
	"github.com/adamancini/spool/internal/resolve"
)

const (
	// DefaultBaseURL is the public Modrinth v2 API.
	DefaultBaseURL = "https://api.modrinth.com/v2"

	// DefaultMaxBytes bounds a single metadata response.
	DefaultMaxBytes = 8 << 20

	// DefaultTimeout bounds a single metadata request.
	DefaultTimeout = 30 * time.Second

	// DefaultSearchLimit is the page size used when a search sets none.
	DefaultSearchLimit = 40
)

// DefaultFacets restricts searches to fabric projects.
var DefaultFacets = [][]string{{"categories:fabric"}}

// Client queries the registry. Metadata responses go through the same
// Retriever as archives so they share its deadline and size ceiling.
type Client struct {
	baseURL   string
	retriever *fetch.Retriever
	timeout   time.Duration
	maxBytes  int64
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another registry (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxBytes sets the per-response size ceiling.
func WithMaxBytes(n int64) Option {
	return func(c *Client) { c.maxBytes = n }
}

// New creates a client using r for transport.
func New(r *fetch.Retriever, opts ...Option) *Client {
	if r == nil {
		r = fetch.New()
	}
	c := &Client{
		baseURL:   DefaultBaseURL,
		retriever: r,
		timeout:   DefaultTimeout,
		maxBytes:  DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the registry root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Filter narrows a version listing server-side. Empty fields are omitted.
type Filter struct {
	Loaders      []string
	GameVersions []string
}

// Versions lists a project's releases in registry order (newest first).
// The order is returned untouched; the resolver relies on it.
func (c *Client) Versions(ctx context.Context, projectID string, f Filter) ([]resolve.Release, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	q := url.Values{}
	if len(f.Loaders) > 0 {
		q.Set("loaders", jsonList(f.Loaders))
	}
	if len(f.GameVersions) > 0 {
		q.Set("game_versions", jsonList(f.GameVersions))
	}

	var releases []resolve.Release
	if err := c.getJSON(ctx, "/project/"+url.PathEscape(projectID)+"/version", q, &releases); err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", projectID, err)
	}
	for i := range releases {
		if releases[i].ProjectID == "" {
			releases[i].ProjectID = projectID
		}
	}
	return releases, nil
}

// SearchQuery is a project search.
type SearchQuery struct {
	Query  string
	Facets [][]string
	Limit  int
	Offset int
}

// Hit is one search result.
type Hit struct {
	ProjectID   string `json:"project_id" yaml:"project_id" toml:"project_id"`
	Slug        string `json:"slug,omitempty" yaml:"slug,omitempty" toml:"slug,omitempty"`
	Title       string `json:"title" yaml:"title" toml:"title"`
	Description string `json:"description" yaml:"description" toml:"description"`
	ProjectType string `json:"project_type,omitempty" yaml:"project_type,omitempty" toml:"project_type,omitempty"`
	IconURL     string `json:"icon_url,omitempty" yaml:"icon_url,omitempty" toml:"icon_url,omitempty"`
	Downloads   int64  `json:"downloads,omitempty" yaml:"downloads,omitempty" toml:"downloads,omitempty"`
}

// SearchResult is one page of hits.
type SearchResult struct {
	Hits      []Hit `json:"hits" yaml:"hits" toml:"hits"`
	Offset    int   `json:"offset" yaml:"offset" toml:"offset"`
	Limit     int   `json:"limit" yaml:"limit" toml:"limit"`
	TotalHits int   `json:"total_hits" yaml:"total_hits" toml:"total_hits"`
}

// Search runs a project search. Nil facets default to DefaultFacets and a
// zero limit to DefaultSearchLimit.
func (c *Client) Search(ctx context.Context, sq SearchQuery) (*SearchResult, error) {
	facets := sq.Facets
	if facets == nil {
		facets = DefaultFacets
	}
	limit := sq.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	encoded, err := json.Marshal(facets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode facets: %w", err)
	}

	q := url.Values{}
	if sq.Query != "" {
		q.Set("query", sq.Query)
	}
	if len(facets) > 0 {
		q.Set("facets", string(encoded))
	}
	q.Set("limit", strconv.Itoa(limit))
	if sq.Offset > 0 {
		q.Set("offset", strconv.Itoa(sq.Offset))
	}

	var res SearchResult
	if err := c.getJSON(ctx, "/search", q, &res); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return &res, nil
}

// Project is project metadata.
type Project struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Slug        string `json:"slug" yaml:"slug" toml:"slug"`
	Title       string `json:"title" yaml:"title" toml:"title"`
	Description string `json:"description" yaml:"description" toml:"description"`
	ProjectType string `json:"project_type" yaml:"project_type" toml:"project_type"`
}

// Project fetches metadata for one project by id or slug.
func (c *Client) Project(ctx context.Context, id string) (*Project, error) {
	if id == "" {
		return nil, errors.New("project id is required")
	}
	var p Project
	if err := c.getJSON(ctx, "/project/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return &p, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	body, err := c.retriever.Fetch(ctx, u, c.timeout, c.maxBytes)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func jsonList(values []string) string {
	b, _ := json.Marshal(values)
	return string(b)
}
