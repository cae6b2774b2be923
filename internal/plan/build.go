package plan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adamancini/spool/internal/archive"
)

// Build lists currentDir and computes the plan against it.
func Build(currentDir string, staged *archive.Tree, preserve PreserveSet, opts ...Option) (*Plan, error) {
	current, err := ListFiles(currentDir)
	if err != nil {
		return nil, err
	}
	return Compute(current, staged, preserve, opts...), nil
}

// ListFiles returns every non-directory path below dir, slash-separated
// and relative to dir. A missing dir yields an empty list.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return files, nil
}
