package config

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/adamancini/spool/internal/types"
)

// ValidationError represents one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("validation errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks settings for required fields and valid values.
func Validate(s *Settings) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if s.InstallDir == "" {
		add(KeyInstallDir, "must not be empty")
	}

	if u, err := url.Parse(s.Registry.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add(KeyRegistryBaseURL, "must be an absolute URL, got %q", s.Registry.BaseURL)
	}
	if s.Update.URL != "" {
		if u, err := url.Parse(s.Update.URL); err != nil || u.Scheme == "" || u.Host == "" {
			add(KeyUpdateURL, "must be an absolute URL, got %q", s.Update.URL)
		}
	}

	if s.Fetch.Timeout <= 0 {
		add(KeyFetchTimeout, "must be positive")
	}
	if s.Fetch.MaxBytes <= 0 {
		add(KeyFetchMaxBytes, "must be positive")
	}
	if s.Fetch.MetadataMaxBytes <= 0 {
		add(KeyFetchMetaMaxBytes, "must be positive")
	}
	if s.Progress.Buffer < 1 {
		add(KeyProgressBuffer, "must be at least 1")
	}
	if s.Ledger.KeepRuns < 0 {
		add(KeyLedgerKeepRuns, "must not be negative")
	}

	for i, p := range s.Preserve {
		if !relativeEntry(p) {
			add(fmt.Sprintf("%s[%d]", KeyPreserve, i), "must be a relative path inside the install dir, got %q", p)
		}
	}
	if s.SelfPath != "" && !relativeEntry(s.SelfPath) {
		add(KeySelfPath, "must be a relative path inside the install dir, got %q", s.SelfPath)
	}

	if _, err := types.ParseKind(s.Defaults.Kind); err != nil {
		add(KeyDefaultKind, "%v", err)
	}
	if _, err := types.ParseLoader(s.Defaults.Loader); err != nil {
		add(KeyDefaultLoader, "%v", err)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func relativeEntry(p string) bool {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}
