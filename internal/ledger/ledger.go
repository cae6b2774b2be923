// Package ledger records installed artifacts and update runs in a small
// SQLite database kept inside the install directory.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultKeepRuns is the default number of update runs to retain.
const DefaultKeepRuns = 30

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Artifact is one installed file.
type Artifact struct {
	ProjectID       string    `json:"project_id" yaml:"project_id" toml:"project_id"`
	Kind            string    `json:"kind" yaml:"kind" toml:"kind"`
	ReleaseID       string    `json:"release_id" yaml:"release_id" toml:"release_id"`
	VersionNumber   string    `json:"version_number,omitempty" yaml:"version_number,omitempty" toml:"version_number,omitempty"`
	Filename        string    `json:"filename" yaml:"filename" toml:"filename"`
	Path            string    `json:"path" yaml:"path" toml:"path"`
	URL             string    `json:"url" yaml:"url" toml:"url"`
	PlatformVersion string    `json:"platform_version" yaml:"platform_version" toml:"platform_version"`
	Loader          string    `json:"loader" yaml:"loader" toml:"loader"`
	InstalledAt     time.Time `json:"installed_at" yaml:"installed_at" toml:"installed_at"`
}

// Run is one update or install attempt.
type Run struct {
	ID         string    `json:"id" yaml:"id" toml:"id"`
	Operation  string    `json:"operation" yaml:"operation" toml:"operation"`
	Source     string    `json:"source" yaml:"source" toml:"source"`
	State      string    `json:"state" yaml:"state" toml:"state"`
	Written    int       `json:"written" yaml:"written" toml:"written"`
	Removed    int       `json:"removed" yaml:"removed" toml:"removed"`
	Skipped    int       `json:"skipped" yaml:"skipped" toml:"skipped"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at" toml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at" toml:"finished_at"`
}

// Store is an open ledger database.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	project_id       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	release_id       TEXT NOT NULL,
	version_number   TEXT NOT NULL DEFAULT '',
	filename         TEXT NOT NULL,
	path             TEXT NOT NULL,
	url              TEXT NOT NULL DEFAULT '',
	platform_version TEXT NOT NULL DEFAULT '',
	loader           TEXT NOT NULL DEFAULT '',
	installed_at     TEXT NOT NULL,
	PRIMARY KEY (project_id, kind)
);
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	written     INTEGER NOT NULL DEFAULT 0,
	removed     INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
`

// Open opens (creating if needed) the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func buildDSN(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	u.RawQuery = q.Encode()
	return u.String()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordArtifact inserts or replaces the entry for (ProjectID, Kind).
func (s *Store) RecordArtifact(ctx context.Context, a Artifact) error {
	if a.InstalledAt.IsZero() {
		a.InstalledAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (project_id, kind, release_id, version_number, filename, path, url, platform_version, loader, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, kind) DO UPDATE SET
			release_id = excluded.release_id,
			version_number = excluded.version_number,
			filename = excluded.filename,
			path = excluded.path,
			url = excluded.url,
			platform_version = excluded.platform_version,
			loader = excluded.loader,
			installed_at = excluded.installed_at
	`, a.ProjectID, a.Kind, a.ReleaseID, a.VersionNumber, a.Filename, a.Path, a.URL,
		a.PlatformVersion, a.Loader, formatTime(a.InstalledAt))
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.ProjectID, err)
	}
	return nil
}

// GetArtifact returns the entry for a project and kind, or ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, projectID, kind string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, kind, release_id, version_number, filename, path, url, platform_version, loader, installed_at
		FROM artifacts WHERE project_id = ? AND kind = ?
	`, projectID, kind)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s (%s): %w", projectID, kind, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListArtifacts returns every installed artifact ordered by kind and project.
func (s *Store) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, kind, release_id, version_number, filename, path, url, platform_version, loader, installed_at
		FROM artifacts ORDER BY kind, project_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes an entry. Deleting a missing entry returns ErrNotFound.
func (s *Store) DeleteArtifact(ctx context.Context, projectID, kind string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE project_id = ? AND kind = ?`, projectID, kind)
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s (%s): %w", projectID, kind, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(sc scanner) (*Artifact, error) {
	var a Artifact
	var installed string
	if err := sc.Scan(&a.ProjectID, &a.Kind, &a.ReleaseID, &a.VersionNumber, &a.Filename, &a.Path,
		&a.URL, &a.PlatformVersion, &a.Loader, &installed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.InstalledAt = parseTime(installed)
	return &a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
