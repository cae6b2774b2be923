package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adamancini/spool/internal/fetch"
)

func TestNew_Defaults(t *testing.T) {
	c := New(nil)
	if c.BaseURL() != DefaultBaseURL {
		t.Errorf("BaseURL() = %s, want %s", c.BaseURL(), DefaultBaseURL)
	}
	if c.maxBytes != DefaultMaxBytes {
		t.Errorf("maxBytes = %d, want %d", c.maxBytes, DefaultMaxBytes)
	}

	c = New(nil, WithBaseURL("http://localhost:1234/v2/"))
	if c.BaseURL() != "http://localhost:1234/v2" {
		t.Errorf("BaseURL() = %s, want trailing slash trimmed", c.BaseURL())
	}
}

func TestClient_Versions(t *testing.T) {
	var gotPath, gotLoaders, gotVersions, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLoaders = r.URL.Query().Get("loaders")
		gotVersions = r.URL.Query().Get("game_versions")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"r2","version_number":"1.2.0","game_versions":["1.20.1"],"loaders":["fabric"],
			 "files":[{"filename":"mod-1.2.0.jar","url":"https://cdn/mod-1.2.0.jar","primary":true,"size":10}]},
			{"id":"r1","version_number":"1.1.0","game_versions":["1.20.1"],"loaders":["fabric"],
			 "files":[{"filename":"mod-1.1.0.jar","url":"https://cdn/mod-1.1.0.jar","primary":true}]}
		]`))
	}))
	defer srv.Close()

	c := New(fetch.New(fetch.WithUserAgent("spool/test")), WithBaseURL(srv.URL))
	releases, err := c.Versions(context.Background(), "P1", Filter{
		Loaders:      []string{"fabric"},
		GameVersions: []string{"1.20.1"},
	})
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}

	if gotPath != "/project/P1/version" {
		t.Errorf("path = %s, want /project/P1/version", gotPath)
	}
	if gotLoaders != `["fabric"]` {
		t.Errorf("loaders = %s, want [\"fabric\"]", gotLoaders)
	}
	if gotVersions != `["1.20.1"]` {
		t.Errorf("game_versions = %s, want [\"1.20.1\"]", gotVersions)
	}
	if gotUA != "spool/test" {
		t.Errorf("User-Agent = %s, want spool/test", gotUA)
	}

	if len(releases) != 2 {
		t.Fatalf("Versions() returned %d releases, want 2", len(releases))
	}
	// Registry order is kept
	if releases[0].ID != "r2" || releases[1].ID != "r1" {
		t.Errorf("order = %s,%s, want r2,r1", releases[0].ID, releases[1].ID)
	}
	if releases[0].ProjectID != "P1" {
		t.Errorf("ProjectID = %s, want P1", releases[0].ProjectID)
	}
	if f := releases[0].Files[0]; f.Filename != "mod-1.2.0.jar" || !f.Primary || f.Size != 10 {
		t.Errorf("file = %+v", f)
	}
}

func TestClient_VersionsNoFilter(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(nil, WithBaseURL(srv.URL))
	releases, err := c.Versions(context.Background(), "P1", Filter{})
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if rawQuery != "" {
		t.Errorf("query = %q, want empty", rawQuery)
	}
	if len(releases) != 0 {
		t.Errorf("Versions() returned %d releases, want 0", len(releases))
	}
}

func TestClient_VersionsErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		checkFn func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"error":"not_found"}`,
			checkFn: func(t *testing.T, err error) {
				var netErr *fetch.NetworkError
				if !errors.As(err, &netErr) {
					t.Fatalf("error = %v, want NetworkError", err)
				}
				if netErr.StatusCode != http.StatusNotFound {
					t.Errorf("StatusCode = %d, want 404", netErr.StatusCode)
				}
			},
		},
		{
			name:   "bad json",
			status: http.StatusOK,
			body:   `{not json`,
			checkFn: func(t *testing.T, err error) {
				if !strings.Contains(err.Error(), "decode") {
					t.Errorf("error = %v, want decode failure", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(nil, WithBaseURL(srv.URL))
			_, err := c.Versions(context.Background(), "P1", Filter{})
			if err == nil {
				t.Fatal("Versions() expected error")
			}
			tt.checkFn(t, err)
		})
	}

	c := New(nil)
	if _, err := c.Versions(context.Background(), "", Filter{}); err == nil {
		t.Error("Versions(\"\") expected error")
	}
}

func TestClient_VersionsSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[` + strings.Repeat(" ", 4096) + `]`))
	}))
	defer srv.Close()

	c := New(nil, WithBaseURL(srv.URL), WithMaxBytes(64))
	_, err := c.Versions(context.Background(), "P1", Filter{})
	var sizeErr *fetch.SizeExceededError
	if !errors.As(err, &sizeErr) {
		t.Fatalf("Versions() error = %v, want SizeExceededError", err)
	}
}

func TestClient_Search(t *testing.T) {
	tests := []struct {
		name       string
		query      SearchQuery
		wantFacets string
		wantLimit  string
		wantQuery  string
	}{
		{
			name:       "defaults",
			query:      SearchQuery{Query: "sodium"},
			wantFacets: `[["categories:fabric"]]`,
			wantLimit:  "40",
			wantQuery:  "sodium",
		},
		{
			name:       "explicit facets",
			query:      SearchQuery{Query: "shaders", Facets: [][]string{{"project_type:shader"}}, Limit: 5},
			wantFacets: `[["project_type:shader"]]`,
			wantLimit:  "5",
			wantQuery:  "shaders",
		},
		{
			name:       "no facets",
			query:      SearchQuery{Facets: [][]string{}},
			wantFacets: "",
			wantLimit:  "40",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/search" {
					t.Errorf("path = %s, want /search", r.URL.Path)
				}
				got = map[string]string{
					"facets": r.URL.Query().Get("facets"),
					"limit":  r.URL.Query().Get("limit"),
					"query":  r.URL.Query().Get("query"),
				}
				_, _ = w.Write([]byte(`{"hits":[{"project_id":"AANobbMI","slug":"sodium","title":"Sodium","description":"fast","icon_url":"https://cdn/icon.png"}],"offset":0,"limit":40,"total_hits":1}`))
			}))
			defer srv.Close()

			c := New(nil, WithBaseURL(srv.URL))
			res, err := c.Search(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if got["facets"] != tt.wantFacets {
				t.Errorf("facets = %q, want %q", got["facets"], tt.wantFacets)
			}
			if got["limit"] != tt.wantLimit {
				t.Errorf("limit = %q, want %q", got["limit"], tt.wantLimit)
			}
			if got["query"] != tt.wantQuery {
				t.Errorf("query = %q, want %q", got["query"], tt.wantQuery)
			}
			if len(res.Hits) != 1 || res.Hits[0].ProjectID != "AANobbMI" || res.Hits[0].IconURL == "" {
				t.Errorf("Search() hits = %+v", res.Hits)
			}
		})
	}
}

func TestClient_Project(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/project/sodium" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"id":"AANobbMI","slug":"sodium","title":"Sodium","project_type":"mod"}`))
	}))
	defer srv.Close()

	c := New(nil, WithBaseURL(srv.URL))
	p, err := c.Project(context.Background(), "sodium")
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if p.ID != "AANobbMI" || p.ProjectType != "mod" {
		t.Errorf("Project() = %+v", p)
	}

	if _, err := c.Project(context.Background(), "missing"); err == nil {
		t.Error("Project(missing) expected error")
	}
}
