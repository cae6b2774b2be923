package apply

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamancini/spool/internal/plan"
)

const (
	// SidecarSuffix names the previous binary image after a swap. It is
	// deleted on the next start, once the old process has exited.
	SidecarSuffix = ".old"
	// StagedSuffix names a fully written replacement image awaiting its swap.
	StagedSuffix = ".new"

	tempMarker = ".spool-tmp-"
)

// Seams for tests.
var (
	rename   = os.Rename
	removeFn = os.Remove
)

// WriteFile atomically replaces path with data. It is the same primitive
// the executor uses for every write.
func WriteFile(path string, data []byte, mode fs.FileMode) error {
	return writeAtomic(path, data, mode)
}

// writeAtomic writes data to a temporary sibling of target, syncs it and
// renames it over target, so target is never observed half written.
func writeAtomic(target string, data []byte, mode fs.FileMode) (err error) {
	if mode == 0 {
		mode = 0o644
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", target, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", target, err)
	}
	if err = os.Chmod(tmpPath, mode.Perm()); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", target, err)
	}
	if err = rename(tmpPath, target); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}
	return nil
}

// replaceSelf swaps the running binary at target for op's content:
//
//  1. the new image is written to target+StagedSuffix
//  2. target is renamed to target+SidecarSuffix
//  3. the staged image is renamed to target
//
// The sidecar is left for Recover to delete on the next start. A crash at
// any point leaves files Recover can finish from.
func (e *Executor) replaceSelf(target string, op plan.Op) (string, error) {
	staged := target + StagedSuffix
	sidecar := target + SidecarSuffix

	mode := op.Mode
	if mode == 0 {
		mode = 0o755
	}
	if err := writeAtomic(staged, op.Data, mode|0o111); err != nil {
		return "", err
	}

	if err := removeFn(sidecar); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to clear old sidecar %s: %w", sidecar, err)
	}

	hadTarget := true
	if err := rename(target, sidecar); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to move running binary aside: %w", err)
		}
		hadTarget = false
	}

	if err := rename(staged, target); err != nil {
		return "", fmt.Errorf("failed to move new binary into place: %w", err)
	}

	e.logger.Info("replaced running binary", "path", target, "sidecar", sidecar)
	if !hadTarget {
		return "", nil
	}
	return sidecar, nil
}

// Recovery describes what Recover found and did.
type Recovery struct {
	SweptTemps      []string `json:"swept_temps,omitempty" yaml:"swept_temps,omitempty" toml:"swept_temps,omitempty"`
	RemovedSidecar  bool     `json:"removed_sidecar" yaml:"removed_sidecar" toml:"removed_sidecar"`
	CompletedSwap   bool     `json:"completed_swap" yaml:"completed_swap" toml:"completed_swap"`
	RestoredSidecar bool     `json:"restored_sidecar" yaml:"restored_sidecar" toml:"restored_sidecar"`
	// Locked is set when a running operation holds the lock and nothing
	// was touched.
	Locked bool `json:"locked" yaml:"locked" toml:"locked"`
	// PendingSidecar is a sidecar that could not be deleted yet, usually
	// because the old binary is still running. It is retried next start.
	PendingSidecar string `json:"pending_sidecar,omitempty" yaml:"pending_sidecar,omitempty" toml:"pending_sidecar,omitempty"`
	SidecarErr     error  `json:"-" yaml:"-" toml:"-"`
}

// Changed reports whether Recover modified anything.
func (r *Recovery) Changed() bool {
	return len(r.SweptTemps) > 0 || r.RemovedSidecar || r.CompletedSwap || r.RestoredSidecar
}

// Recover runs at startup. While a live process holds the lock it does
// nothing: the holder may be halfway through a swap. Otherwise it deletes
// temporary siblings left by an interrupted write and settles the binary
// at selfPath (absolute; empty to skip) according to which of target,
// staged image and sidecar exist:
//
//	target  staged  sidecar   action
//	yes     -       yes       delete sidecar (normal second phase)
//	yes     yes     -         finish the swap, sidecar deleted next start
//	-       yes     any       move staged into place, delete sidecar
//	-       -       yes       move sidecar back
//
// A sidecar that cannot be deleted is left for the next start.
func Recover(dir, selfPath string) (*Recovery, error) {
	rec := &Recovery{}

	if Held(dir, DefaultLockName) {
		rec.Locked = true
		return rec, nil
	}

	swept, err := sweepTemps(dir)
	if err != nil {
		return rec, err
	}
	rec.SweptTemps = swept

	if selfPath == "" {
		return rec, nil
	}

	staged := selfPath + StagedSuffix
	sidecar := selfPath + SidecarSuffix
	hasTarget := exists(selfPath)
	hasStaged := exists(staged)
	hasSidecar := exists(sidecar)

	deferSidecar := func(err error) {
		rec.PendingSidecar = sidecar
		rec.SidecarErr = err
	}

	switch {
	case hasTarget && hasStaged:
		if hasSidecar {
			if err := removeFn(sidecar); err != nil {
				// the swap needs the sidecar slot
				deferSidecar(err)
				return rec, nil
			}
		}
		if err := rename(selfPath, sidecar); err != nil {
			return rec, fmt.Errorf("failed to move binary aside: %w", err)
		}
		if err := rename(staged, selfPath); err != nil {
			return rec, fmt.Errorf("failed to complete swap: %w", err)
		}
		rec.CompletedSwap = true

	case hasTarget && hasSidecar:
		if err := removeFn(sidecar); err != nil {
			deferSidecar(err)
			return rec, nil
		}
		rec.RemovedSidecar = true

	case !hasTarget && hasStaged:
		if err := rename(staged, selfPath); err != nil {
			return rec, fmt.Errorf("failed to complete swap: %w", err)
		}
		rec.CompletedSwap = true
		if hasSidecar {
			if err := removeFn(sidecar); err != nil {
				deferSidecar(err)
			} else {
				rec.RemovedSidecar = true
			}
		}

	case !hasTarget && hasSidecar:
		if err := rename(sidecar, selfPath); err != nil {
			return rec, fmt.Errorf("failed to restore binary: %w", err)
		}
		rec.RestoredSidecar = true
	}

	return rec, nil
}

// sweepTemps removes temporary siblings created by writeAtomic.
func sweepTemps(dir string) ([]string, error) {
	var swept []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), tempMarker) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("failed to remove temp file %s: %w", p, err)
		}
		rel, _ := filepath.Rel(dir, p)
		swept = append(swept, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return swept, fmt.Errorf("failed to sweep temp files: %w", err)
	}
	return swept, nil
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
