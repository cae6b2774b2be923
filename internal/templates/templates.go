// Package templates provides embedded config file templates for spool config init.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed *.yaml *.toml
var templatesFS embed.FS

// Template represents a config file template with metadata.
type Template struct {
	Name        string
	Description string
	// Format is the file extension without the dot: yaml or toml.
	Format  string
	Content []byte
}

// Filename is the name the template is installed under.
func (t *Template) Filename() string {
	return "config." + t.Format
}

// Available templates with their descriptions.
var templateDescriptions = map[string]string{
	"minimal": "Install directory and snapshot URL",
	"full":    "Every setting with its default",
	"server":  "Front-end bridge for spool serve (TOML)",
}

// List returns all available template names sorted alphabetically.
func List() []string {
	entries, err := templatesFS.ReadDir(".")
	if err != nil {
		return nil
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), path.Ext(entry.Name())))
	}

	sort.Strings(names)
	return names
}

// Get returns a template by name.
func Get(name string) (*Template, error) {
	for _, format := range []string{"yaml", "toml"} {
		content, err := templatesFS.ReadFile(name + "." + format)
		if err != nil {
			if _, ok := err.(*fs.PathError); ok {
				continue
			}
			return nil, fmt.Errorf("failed to read template '%s': %w", name, err)
		}
		return &Template{
			Name:        name,
			Description: GetDescription(name),
			Format:      format,
			Content:     content,
		}, nil
	}
	return nil, fmt.Errorf("template '%s' not found (available: %s)", name, strings.Join(List(), ", "))
}

// GetDescription returns the description for a template.
func GetDescription(name string) string {
	if desc, ok := templateDescriptions[name]; ok {
		return desc
	}
	return "Custom template"
}
