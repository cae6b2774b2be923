package archive

import "fmt"

// CorruptArchiveError is returned when the bytes cannot be read as a
// supported archive.
type CorruptArchiveError struct {
	Reason string
	Err    error
}

func (e *CorruptArchiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt archive: %s: %v", e.Reason, e.Err)
	}
	return "corrupt archive: " + e.Reason
}

func (e *CorruptArchiveError) Unwrap() error {
	return e.Err
}

// EmptyArchiveError is returned when an archive holds no files.
type EmptyArchiveError struct{}

func (e *EmptyArchiveError) Error() string {
	return "archive contains no files"
}

// PathTraversalError is returned when a member name would land outside the
// extraction root. It always aborts the whole extraction.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes the extraction root", e.Path)
}
