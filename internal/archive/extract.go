// Package archive unpacks update snapshots into an in-memory staging tree.
//
// Snapshots always wrap their content in one top-level folder. The first
// path segment of the first member is taken as that folder and stripped
// from every member.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/adamancini/spool/internal/progress"
)

// DefaultMaxExpandedBytes bounds the total decompressed size of a snapshot.
const DefaultMaxExpandedBytes int64 = 1 << 30

// Format is an archive container format.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

type options struct {
	maxExpanded int64
	reporter    progress.Reporter
}

// Option configures Extract.
type Option func(*options)

// WithMaxExpandedBytes overrides DefaultMaxExpandedBytes.
func WithMaxExpandedBytes(n int64) Option {
	return func(o *options) { o.maxExpanded = n }
}

// WithReporter reports per-member extraction progress.
func WithReporter(r progress.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// member is a format-neutral view of one archive entry.
type member struct {
	name  string
	dir   bool
	mode  fs.FileMode
	size  int64
	open  func() (io.ReadCloser, error)
	other bool // symlink, device or other non-regular entry
}

// Detect sniffs the container format from magic bytes.
func Detect(data []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")), bytes.HasPrefix(data, []byte("PK\x05\x06")):
		return FormatZip, nil
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return FormatTarGz, nil
	default:
		return "", &CorruptArchiveError{Reason: "unrecognised archive format"}
	}
}

// Extract unpacks data into a staging tree with the common root stripped.
// On any error no tree is returned.
func Extract(data []byte, opts ...Option) (*Tree, error) {
	o := options{maxExpanded: DefaultMaxExpandedBytes, reporter: progress.Discard}
	for _, opt := range opts {
		opt(&o)
	}

	format, err := Detect(data)
	if err != nil {
		return nil, err
	}

	var members []member
	switch format {
	case FormatZip:
		members, err = zipMembers(data)
	case FormatTarGz:
		members, err = tarMembers(data, o.maxExpanded)
	}
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, &EmptyArchiveError{}
	}

	root, err := commonRoot(members[0].name, members[0].dir)
	if err != nil {
		return nil, err
	}

	tree := NewTree()
	var expanded int64
	for i, m := range members {
		rel, err := stripRoot(m.name, root)
		if err != nil {
			return nil, err
		}
		if m.other {
			return nil, &CorruptArchiveError{Reason: fmt.Sprintf("unsupported entry type for %q", m.name)}
		}
		if m.dir {
			if rel != "" {
				tree.addDir(rel)
			}
			continue
		}
		if rel == "" {
			// the root marker itself, no content
			continue
		}

		content, err := readMember(m, o.maxExpanded-expanded)
		if err != nil {
			return nil, err
		}
		expanded += int64(len(content))
		if err := tree.Add(rel, content, m.mode); err != nil {
			return nil, err
		}

		progress.Send(o.reporter, progress.PhaseExtracting, progress.Scale(int64(i+1), int64(len(members)), 0, 100), "extracted %s", rel)
	}

	if tree.Len() == 0 {
		return nil, &EmptyArchiveError{}
	}
	return tree, nil
}

// commonRoot returns the first path segment of the first member.
func commonRoot(first string, isDir bool) (string, error) {
	name := strings.ReplaceAll(first, `\`, "/")
	name = strings.TrimPrefix(name, "./")
	if strings.HasPrefix(name, "/") || hasDrive(name) {
		return "", &PathTraversalError{Path: first}
	}
	root, _, found := strings.Cut(name, "/")
	if root == ".." {
		return "", &PathTraversalError{Path: first}
	}
	if root == "" || root == "." || (!found && !isDir) {
		return "", &CorruptArchiveError{Reason: fmt.Sprintf("first entry %q is not inside a top-level folder", first)}
	}
	return root, nil
}

// stripRoot removes the root folder from name and validates the rest.
func stripRoot(name, root string) (string, error) {
	p := strings.ReplaceAll(name, `\`, "/")
	p = strings.TrimPrefix(p, "./")
	if p != root && !strings.HasPrefix(p, root+"/") {
		if _, err := CleanPath(p); err != nil {
			return "", err
		}
		return "", &CorruptArchiveError{Reason: fmt.Sprintf("entry %q is outside the common root %q", name, root)}
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
	clean, err := CleanPath(rest)
	if err != nil {
		return "", &PathTraversalError{Path: name}
	}
	return clean, nil
}

func readMember(m member, budget int64) ([]byte, error) {
	if m.size > budget {
		return nil, &CorruptArchiveError{Reason: fmt.Sprintf("expanded size exceeds limit at %q", m.name)}
	}
	rc, err := m.open()
	if err != nil {
		return nil, &CorruptArchiveError{Reason: fmt.Sprintf("open %q", m.name), Err: err}
	}
	defer func() { _ = rc.Close() }()

	content, err := io.ReadAll(io.LimitReader(rc, budget+1))
	if err != nil {
		return nil, &CorruptArchiveError{Reason: fmt.Sprintf("read %q", m.name), Err: err}
	}
	if int64(len(content)) > budget {
		return nil, &CorruptArchiveError{Reason: fmt.Sprintf("expanded size exceeds limit at %q", m.name)}
	}
	return content, nil
}

func zipMembers(data []byte) ([]member, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	// insecure names are still listed; stripRoot rejects them itself
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, &CorruptArchiveError{Reason: "read zip directory", Err: err}
	}
	members := make([]member, 0, len(zr.File))
	for _, f := range zr.File {
		mode := f.Mode()
		members = append(members, member{
			name:  f.Name,
			dir:   mode.IsDir() || strings.HasSuffix(f.Name, "/"),
			mode:  mode.Perm(),
			size:  int64(f.UncompressedSize64),
			open:  f.Open,
			other: mode&(fs.ModeSymlink|fs.ModeDevice|fs.ModeNamedPipe|fs.ModeSocket) != 0,
		})
	}
	return members, nil
}

func tarMembers(data []byte, budget int64) ([]member, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &CorruptArchiveError{Reason: "open gzip stream", Err: err}
	}
	defer func() { _ = gz.Close() }()

	// tar is sequential, so members are buffered while the headers are read;
	// the buffered total is held to the expanded-size budget
	var members []member
	var buffered int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return nil, &CorruptArchiveError{Reason: "read tar header", Err: err}
		}

		m := member{name: hdr.Name, mode: fs.FileMode(hdr.Mode).Perm(), size: hdr.Size}
		switch hdr.Typeflag {
		case tar.TypeDir:
			m.dir = true
		case tar.TypeReg:
			if hdr.Size > budget-buffered {
				return nil, &CorruptArchiveError{Reason: fmt.Sprintf("expanded size exceeds limit at %q", hdr.Name)}
			}
			content, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
			if err != nil {
				return nil, &CorruptArchiveError{Reason: fmt.Sprintf("read %q", hdr.Name), Err: err}
			}
			buffered += int64(len(content))
			m.open = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(content)), nil
			}
		case tar.TypeXGlobalHeader:
			continue
		default:
			m.other = true
		}
		members = append(members, m)
	}
	return members, nil
}
