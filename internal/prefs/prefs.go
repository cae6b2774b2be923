// Package prefs reads and writes the launcher's preference record,
// launcher_data.json, and derives resolver queries from it.
package prefs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/resolve"
	"github.com/adamancini/spool/internal/types"
)

// FileName is the record's name inside the install directory.
const FileName = "launcher_data.json"

// Record is the preference record. Unknown keys written by other tools
// survive a Load/Save round trip.
type Record struct {
	Username         string `json:"username"`
	VanillaVersion   string `json:"vanilla_version"`
	FabricVersion    string `json:"fabric_version"`
	DownloadVersion  string `json:"download_version"`
	FabricAPIVersion string `json:"FabricAPI_Version"`

	extra map[string]json.RawMessage
}

var knownKeys = []string{"username", "vanilla_version", "fabric_version", "download_version", "FabricAPI_Version"}

// Default returns the record a fresh install starts with.
func Default() *Record {
	return &Record{Username: "Player"}
}

// SchemaError reports a record that does not match the schema.
type SchemaError struct {
	Path string
	Err  error
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid preference record: %v", e.Err)
	}
	return fmt.Sprintf("invalid preference record %s: %v", e.Path, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// Load reads the record at path. A missing file yields Default.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preference record: %w", err)
	}
	rec, err := Parse(data)
	if err != nil {
		var se *SchemaError
		if errors.As(err, &se) {
			se.Path = path
		}
		return nil, err
	}
	return rec, nil
}

// Parse validates data against the record schema and decodes it.
func Parse(data []byte) (*Record, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &SchemaError{Err: err}
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, &SchemaError{Err: err}
	}
	for _, k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		rec.extra = raw
	}
	return rec, nil
}

// MarshalJSON writes known fields followed by any preserved unknown keys.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"username":          r.Username,
		"vanilla_version":   r.VanillaVersion,
		"fabric_version":    r.FabricVersion,
		"download_version":  r.DownloadVersion,
		"FabricAPI_Version": r.FabricAPIVersion,
	}
	for k, v := range r.extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// Extra returns an unknown key preserved from the file.
func (r *Record) Extra(key string) (json.RawMessage, bool) {
	v, ok := r.extra[key]
	return v, ok
}

// Save atomically writes rec to path with two-space indentation.
func Save(path string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode preference record: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("failed to encode preference record: %w", err)
	}
	buf.WriteByte('\n')
	if err := apply.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to save preference record: %w", err)
	}
	return nil
}

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// ExtractVersion returns the game version embedded in a loader version
// string such as "fabric-loader-0.15.0-1.20.1". Loader strings put the game
// version last, so the last match wins.
func ExtractVersion(s string) string {
	matches := versionPattern.FindAllString(s, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// PlatformVersion is the game version derived from the loader version,
// falling back to the vanilla version.
func (r *Record) PlatformVersion() string {
	if v := ExtractVersion(r.FabricVersion); v != "" {
		return v
	}
	return strings.TrimSpace(r.VanillaVersion)
}

// Loader is the game loader implied by the record: fabric once a fabric
// version is chosen, otherwise none.
func (r *Record) Loader() types.Loader {
	if strings.TrimSpace(r.FabricVersion) != "" {
		return types.LoaderFabric
	}
	return ""
}

// Query builds a resolver query for kind. fallbackLoader is used when the
// record names none.
func (r *Record) Query(kind types.Kind, fallbackLoader types.Loader) (resolve.Query, error) {
	version := r.PlatformVersion()
	if version == "" {
		return resolve.Query{}, fmt.Errorf("no game version selected in %s", FileName)
	}
	loader := r.Loader()
	if loader == "" {
		loader = fallbackLoader
	}
	if loader == "" {
		return resolve.Query{}, fmt.Errorf("no loader selected in %s", FileName)
	}
	return resolve.NewQuery(version, types.LoaderFor(kind, loader).String(), kind, nil), nil
}
