package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type sample struct {
	Name  string `json:"name" yaml:"name" toml:"name"`
	Count int    `json:"count" yaml:"count" toml:"count"`
}

func (s sample) String() string { return s.Name + " x" + string(rune('0'+s.Count)) }

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"json", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"toml", FormatTOML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriter_Formats(t *testing.T) {
	v := sample{Name: "mods", Count: 3}

	var buf bytes.Buffer
	if err := NewWriter(&buf, FormatText).Write(v); err != nil {
		t.Fatalf("Write(text) error = %v", err)
	}
	if buf.String() != "mods x3\n" {
		t.Errorf("text = %q", buf.String())
	}

	buf.Reset()
	if err := NewWriter(&buf, FormatJSON).Write(v); err != nil {
		t.Fatalf("Write(json) error = %v", err)
	}
	var fromJSON sample
	if err := json.Unmarshal(buf.Bytes(), &fromJSON); err != nil || fromJSON != v {
		t.Errorf("json = %s (%v)", buf.String(), err)
	}

	buf.Reset()
	if err := NewWriter(&buf, FormatYAML).Write(v); err != nil {
		t.Fatalf("Write(yaml) error = %v", err)
	}
	var fromYAML sample
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil || fromYAML != v {
		t.Errorf("yaml = %s (%v)", buf.String(), err)
	}

	buf.Reset()
	if err := NewWriter(&buf, FormatTOML).Write(v); err != nil {
		t.Fatalf("Write(toml) error = %v", err)
	}
	var fromTOML sample
	if err := toml.Unmarshal(buf.Bytes(), &fromTOML); err != nil || fromTOML != v {
		t.Errorf("toml = %s (%v)", buf.String(), err)
	}
}

func TestWriter_TOMLSliceIsWrapped(t *testing.T) {
	var buf bytes.Buffer
	items := []sample{{Name: "a", Count: 1}, {Name: "b", Count: 2}}
	if err := NewWriter(&buf, FormatTOML).Write(items); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.Contains(buf.String(), "[[items]]") {
		t.Errorf("toml = %s, want [[items]] array of tables", buf.String())
	}

	var doc struct {
		Items []sample `toml:"items"`
	}
	if err := toml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if len(doc.Items) != 2 || doc.Items[1].Name != "b" {
		t.Errorf("items = %+v", doc.Items)
	}
}

func TestWriter_Structured(t *testing.T) {
	if NewWriter(nil, FormatText).Structured() {
		t.Error("text should not be structured")
	}
	if !NewWriter(nil, FormatTOML).Structured() {
		t.Error("toml should be structured")
	}
}
