package resolve

import (
	"fmt"
	"strings"
)

// NoCompatibleReleaseError means no release lists both the requested
// platform version and loader.
type NoCompatibleReleaseError struct {
	PlatformVersion string
	Loader          string
	Considered      int
}

func (e *NoCompatibleReleaseError) Error() string {
	return fmt.Sprintf("no release supports %s with loader %s (%d considered)", e.PlatformVersion, e.Loader, e.Considered)
}

// NoCompatibleFileError means the chosen release has no usable file.
type NoCompatibleFileError struct {
	ReleaseID string
	Rejected  []string
}

func (e *NoCompatibleFileError) Error() string {
	if len(e.Rejected) > 0 {
		return fmt.Sprintf("release %s has no usable file (rejected: %s)", e.ReleaseID, strings.Join(e.Rejected, ", "))
	}
	return fmt.Sprintf("release %s has no usable file", e.ReleaseID)
}
