package apply

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultLockName is the marker file that guards an install directory.
const DefaultLockName = ".spool.lock"

// Owner describes the holder of a lock.
type Owner struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// pidAlive reports whether pid names a running process on this host. A
// failed lookup counts as alive.
var pidAlive = func(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err != nil || ok
}

// Stale reports whether the owner was a process on this host that has
// exited. Owners without a pid or host, or from another host, are never
// stale.
func (o *Owner) Stale() bool {
	if o == nil || o.PID <= 0 || o.Host == "" {
		return false
	}
	host, err := os.Hostname()
	if err != nil || host != o.Host {
		return false
	}
	return !pidAlive(o.PID)
}

// LockHeldError is returned when another operation already holds the lock.
type LockHeldError struct {
	Path  string
	Owner *Owner // nil when the marker could not be read
}

func (e *LockHeldError) Error() string {
	if e.Owner != nil {
		return fmt.Sprintf("install directory is locked by pid %d since %s (%s)",
			e.Owner.PID, e.Owner.AcquiredAt.Format(time.RFC3339), e.Path)
	}
	return fmt.Sprintf("install directory is locked (%s)", e.Path)
}

// Lock is an advisory, marker-file based lock on an install directory.
type Lock struct {
	path      string
	owner     Owner
	reclaimed *Owner
}

// AcquireLock creates the marker file exclusively. A marker left by a
// stale owner is taken over once; any other existing marker yields a
// *LockHeldError and nothing is modified.
func AcquireLock(dir, name string) (*Lock, error) {
	if name == "" {
		name = DefaultLockName
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create install directory: %w", err)
	}
	path := filepath.Join(dir, name)

	var reclaimed *Owner
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil && errors.Is(err, os.ErrExist) {
		owner, _ := ReadLock(dir, name)
		if !owner.Stale() || !reclaimStale(path, owner) {
			return nil, &LockHeldError{Path: path, Owner: owner}
		}
		reclaimed = owner
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil && errors.Is(err, os.ErrExist) {
			owner, _ := ReadLock(dir, name)
			return nil, &LockHeldError{Path: path, Owner: owner}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	host, _ := os.Hostname()
	owner := Owner{
		Token:      uuid.NewString(),
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().UTC(),
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	werr := enc.Encode(owner)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
	}

	return &Lock{path: path, owner: owner, reclaimed: reclaimed}, nil
}

// reclaimStale removes the marker at path if it still belongs to stale.
// The marker is first moved aside so a lock created concurrently by
// another process is never deleted; a foreign marker is linked back.
func reclaimStale(path string, stale *Owner) bool {
	aside := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, aside); err != nil {
		return false
	}
	defer func() { _ = os.Remove(aside) }()

	data, err := os.ReadFile(aside)
	var current Owner
	if err == nil && json.Unmarshal(data, &current) == nil && current.Token == stale.Token {
		return true
	}
	_ = os.Link(aside, path)
	return false
}

// Reclaimed returns the stale owner whose marker this lock replaced, or nil.
func (l *Lock) Reclaimed() *Owner {
	return l.reclaimed
}

// Owner returns the lock's owner record.
func (l *Lock) Owner() Owner {
	return l.owner
}

// Path returns the marker file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the marker file if it still carries this lock's token.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	var current Owner
	if err := json.Unmarshal(data, &current); err == nil && current.Token != l.owner.Token {
		return fmt.Errorf("lock file %s is now owned by another process", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Held reports whether dir is locked by an owner that may still be
// running. An unreadable marker counts as held.
func Held(dir, name string) bool {
	if name == "" {
		name = DefaultLockName
	}
	if !exists(filepath.Join(dir, name)) {
		return false
	}
	owner, err := ReadLock(dir, name)
	if err != nil {
		return true
	}
	return owner != nil && !owner.Stale()
}

// ReadLock returns the current owner, or nil if the directory is unlocked.
func ReadLock(dir, name string) (*Owner, error) {
	if name == "" {
		name = DefaultLockName
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &owner, nil
}

// BreakLock removes a lock left behind by a process that no longer runs.
func BreakLock(dir, name string) error {
	if name == "" {
		name = DefaultLockName
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
