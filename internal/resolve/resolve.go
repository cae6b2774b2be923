// Package resolve picks the one file to download for a project given the
// user's platform version and loader.
package resolve

import (
	"strings"

	"github.com/adamancini/spool/internal/archive"
	"github.com/adamancini/spool/internal/types"
)

// File is one downloadable file of a release.
type File struct {
	Filename string `json:"filename" yaml:"filename" toml:"filename"`
	URL      string `json:"url" yaml:"url" toml:"url"`
	Primary  bool   `json:"primary" yaml:"primary" toml:"primary"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty" toml:"size,omitempty"`
}

// Release is one published version of a project. Registries return
// releases newest first.
type Release struct {
	ID            string   `json:"id" yaml:"id" toml:"id"`
	ProjectID     string   `json:"project_id,omitempty" yaml:"project_id,omitempty" toml:"project_id,omitempty"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	VersionNumber string   `json:"version_number,omitempty" yaml:"version_number,omitempty" toml:"version_number,omitempty"`
	GameVersions  []string `json:"game_versions" yaml:"game_versions" toml:"game_versions"`
	Loaders       []string `json:"loaders" yaml:"loaders" toml:"loaders"`
	Files         []File   `json:"files" yaml:"files" toml:"files"`
}

// Supports reports whether the release lists both the platform version and the loader.
func (r Release) Supports(platformVersion, loader string) bool {
	return containsExact(r.GameVersions, platformVersion) && containsFold(r.Loaders, loader)
}

// Query selects releases and files. Build it with NewQuery; it is not
// modified by Resolve.
type Query struct {
	PlatformVersion string
	Loader          string
	Kind            types.Kind
	// Exclude rejects filenames in the first two cascade steps. May be nil.
	Exclude func(filename string) bool
}

// NewQuery builds a query. When exclude is nil and the loader has a known
// installer jar, names containing that marker are excluded.
func NewQuery(platformVersion, loader string, kind types.Kind, exclude func(string) bool) Query {
	if exclude == nil {
		if marker := types.Loader(strings.ToLower(loader)).InstallerMarker(); marker != "" {
			exclude = ExcludeContaining(marker)
		}
	}
	return Query{
		PlatformVersion: platformVersion,
		Loader:          loader,
		Kind:            kind,
		Exclude:         exclude,
	}
}

// ExcludeContaining returns a predicate matching names that contain any
// of the fragments, ignoring case.
func ExcludeContaining(fragments ...string) func(string) bool {
	return func(name string) bool {
		lower := strings.ToLower(name)
		for _, f := range fragments {
			if f != "" && strings.Contains(lower, strings.ToLower(f)) {
				return true
			}
		}
		return false
	}
}

func (q Query) excluded(name string) bool {
	return q.Exclude != nil && q.Exclude(name)
}

func (q Query) hasExtension(name string) bool {
	ext := q.Kind.Extension()
	if ext == "" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), ext)
}

// Rule records which step of the file cascade produced the match.
type Rule string

const (
	RulePrimary   Rule = "primary"   // not excluded, primary, expected extension
	RuleExtension Rule = "extension" // not excluded, expected extension
	RuleAnyMatch  Rule = "any-extension"
	RuleFirstFile Rule = "first-file"
)

// Match is the outcome of a resolution.
type Match struct {
	Release Release `json:"release" yaml:"release" toml:"release"`
	File    File    `json:"file" yaml:"file" toml:"file"`
	Rule    Rule    `json:"rule" yaml:"rule" toml:"rule"`
}

// Resolve filters releases by platform version and loader, takes the first
// surviving one, and picks a file from it using the cascade
// primary > extension > any-extension > first-file.
//
// Releases are never re-sorted; the registry's order decides which is newest.
// Releases without files are skipped. Files whose names are not plain
// filenames are rejected before the cascade runs.
func Resolve(releases []Release, q Query) (Match, error) {
	var chosen *Release
	for i := range releases {
		r := &releases[i]
		if len(r.Files) == 0 {
			continue
		}
		if r.Supports(q.PlatformVersion, q.Loader) {
			chosen = r
			break
		}
	}
	if chosen == nil {
		return Match{}, &NoCompatibleReleaseError{
			PlatformVersion: q.PlatformVersion,
			Loader:          q.Loader,
			Considered:      len(releases),
		}
	}

	var files []File
	var rejected []string
	for _, f := range chosen.Files {
		if !ValidFilename(f.Filename) {
			rejected = append(rejected, f.Filename)
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return Match{}, &NoCompatibleFileError{ReleaseID: chosen.ID, Rejected: rejected}
	}

	file, rule := pickFile(files, q)
	return Match{Release: *chosen, File: file, Rule: rule}, nil
}

func pickFile(files []File, q Query) (File, Rule) {
	for _, f := range files {
		if !q.excluded(f.Filename) && f.Primary && q.hasExtension(f.Filename) {
			return f, RulePrimary
		}
	}
	for _, f := range files {
		if !q.excluded(f.Filename) && q.hasExtension(f.Filename) {
			return f, RuleExtension
		}
	}
	for _, f := range files {
		if q.hasExtension(f.Filename) {
			return f, RuleAnyMatch
		}
	}
	return files[0], RuleFirstFile
}

// ValidFilename reports whether name is a bare filename that cannot
// address anything outside the directory it is written into.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	if len(name) >= 2 && name[1] == ':' {
		return false
	}
	return true
}

// Destination returns the slash-separated install path of file for kind.
// An unsafe filename fails with *archive.PathTraversalError.
func Destination(kind types.Kind, file File) (string, error) {
	if !ValidFilename(file.Filename) {
		return "", &archive.PathTraversalError{Path: file.Filename}
	}
	dir := kind.Dir()
	if dir == "" {
		return file.Filename, nil
	}
	return dir + "/" + file.Filename, nil
}

func containsExact(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
