// Package apply commits an update plan to an install directory.
//
// The executor moves through Idle, Cleaning, Writing, SelfReplace and Done
// (or Failed). Removes run first, every write lands in a temporary sibling
// that is renamed into place, and a write to the running binary is
// deferred to a two-phase swap that survives a restart.
package apply

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/adamancini/spool/internal/archive"
	"github.com/adamancini/spool/internal/plan"
	"github.com/adamancini/spool/internal/progress"
)

// State is a step of the executor state machine.
type State string

const (
	StateIdle        State = "idle"
	StateCleaning    State = "cleaning"
	StateWriting     State = "writing"
	StateSelfReplace State = "self-replace"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Report describes a successful apply.
type Report struct {
	RunID      string        `json:"run_id" yaml:"run_id" toml:"run_id"`
	States     []State       `json:"states" yaml:"states" toml:"states"`
	Written    []string      `json:"written" yaml:"written" toml:"written"`
	Removed    []string      `json:"removed" yaml:"removed" toml:"removed"`
	Skipped    []plan.Op     `json:"skipped" yaml:"skipped" toml:"skipped"`
	Deferred   []string      `json:"deferred,omitempty" yaml:"deferred,omitempty" toml:"deferred,omitempty"`
	PrunedDirs []string      `json:"pruned_dirs,omitempty" yaml:"pruned_dirs,omitempty" toml:"pruned_dirs,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at" toml:"started_at"`
	Duration   time.Duration `json:"duration" yaml:"duration" toml:"duration"`
}

// Executor applies plans to one install directory.
type Executor struct {
	dir      string
	lockName string
	reporter progress.Reporter
	logger   *log.Logger

	// beforeOp runs ahead of every remove/write; tests use it to inject failures.
	beforeOp func(plan.Op) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithReporter sends apply progress to r.
func WithReporter(r progress.Reporter) Option {
	return func(e *Executor) { e.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithLockName overrides DefaultLockName.
func WithLockName(name string) Option {
	return func(e *Executor) { e.lockName = name }
}

// New creates an executor for dir.
func New(dir string, opts ...Option) *Executor {
	e := &Executor{
		dir:      dir,
		lockName: DefaultLockName,
		reporter: progress.Discard,
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dir returns the install directory.
func (e *Executor) Dir() string {
	return e.dir
}

// Apply commits p. Cancellation of ctx is honoured only until Cleaning
// starts; after that the plan runs to completion or failure.
func (e *Executor) Apply(ctx context.Context, p *plan.Plan) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		States:    []State{StateIdle},
		StartedAt: time.Now(),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock, err := AcquireLock(e.dir, e.lockName)
	if err != nil {
		progress.Send(e.reporter, progress.PhaseApplying, progress.Indeterminate, "cannot apply: %v", err)
		return nil, err
	}
	if stale := lock.Reclaimed(); stale != nil {
		e.logger.Warn("took over lock of exited process", "pid", stale.PID, "since", stale.AcquiredAt)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			e.logger.Warn("failed to release lock", "path", lock.Path(), "error", rerr)
		}
	}()

	// last chance to back out before anything is touched
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var removes, writes, selfWrites []plan.Op
	for _, op := range p.Ops {
		switch {
		case op.Path == e.lockName:
			report.Skipped = append(report.Skipped, plan.Skip(op.Path, "lock file"))
		case op.Action == plan.ActionRemove:
			removes = append(removes, op)
		case op.Action == plan.ActionWrite && op.Self:
			selfWrites = append(selfWrites, op)
		case op.Action == plan.ActionWrite:
			writes = append(writes, op)
		default:
			report.Skipped = append(report.Skipped, op)
		}
	}
	ordered := make([]plan.Op, 0, len(removes)+len(writes)+len(selfWrites))
	ordered = append(append(append(ordered, removes...), writes...), selfWrites...)
	total := int64(len(ordered))

	e.logger.Info("applying plan", "dir", e.dir, "run", report.RunID,
		"removes", len(removes), "writes", len(writes), "self", len(selfWrites))

	var completed []plan.Op
	fail := func(state State, idx int, err error) (*Report, error) {
		report.States = append(report.States, StateFailed)
		perr := &PartialApplyError{
			State:     state,
			Failed:    ordered[idx],
			Completed: completed,
			Remaining: append([]plan.Op(nil), ordered[idx:]...),
			Err:       err,
		}
		e.logger.Error("apply failed", "state", state, "path", ordered[idx].Path, "error", err)
		progress.Send(e.reporter, progress.PhaseApplying, progress.Indeterminate, "%v", perr)
		return nil, perr
	}

	idx := 0

	report.States = append(report.States, StateCleaning)
	for _, op := range removes {
		if err := e.run(op, e.remove); err != nil {
			return fail(StateCleaning, idx, err)
		}
		completed = append(completed, op)
		report.Removed = append(report.Removed, op.Path)
		idx++
		progress.Send(e.reporter, progress.PhaseApplying, progress.Scale(int64(idx), total, 0, 100), "removed %s", op.Path)
	}
	report.PrunedDirs = e.pruneEmptyDirs(removes)

	report.States = append(report.States, StateWriting)
	for _, op := range writes {
		if err := e.run(op, e.write); err != nil {
			return fail(StateWriting, idx, err)
		}
		completed = append(completed, op)
		report.Written = append(report.Written, op.Path)
		idx++
		progress.Send(e.reporter, progress.PhaseApplying, progress.Scale(int64(idx), total, 0, 100), "wrote %s", op.Path)
	}

	if len(selfWrites) > 0 {
		report.States = append(report.States, StateSelfReplace)
		for _, op := range selfWrites {
			var sidecar string
			err := e.run(op, func(target string, op plan.Op) error {
				var serr error
				sidecar, serr = e.replaceSelf(target, op)
				return serr
			})
			if err != nil {
				return fail(StateSelfReplace, idx, err)
			}
			completed = append(completed, op)
			report.Written = append(report.Written, op.Path)
			if sidecar != "" {
				report.Deferred = append(report.Deferred, sidecar)
			}
			idx++
			progress.Send(e.reporter, progress.PhaseApplying, progress.Scale(int64(idx), total, 0, 100), "replaced %s, old image removed on next start", op.Path)
		}
	}

	report.States = append(report.States, StateDone)
	report.Duration = time.Since(report.StartedAt)
	e.logger.Info("plan applied", "run", report.RunID, "written", len(report.Written),
		"removed", len(report.Removed), "skipped", len(report.Skipped), "duration", report.Duration)
	return report, nil
}

func (e *Executor) run(op plan.Op, fn func(target string, op plan.Op) error) error {
	target, err := e.target(op.Path)
	if err != nil {
		return err
	}
	if e.beforeOp != nil {
		if err := e.beforeOp(op); err != nil {
			return err
		}
	}
	return fn(target, op)
}

// target resolves a plan path inside the install directory.
func (e *Executor) target(rel string) (string, error) {
	clean, err := archive.CleanPath(rel)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", &archive.PathTraversalError{Path: rel}
	}
	return filepath.Join(e.dir, filepath.FromSlash(clean)), nil
}

func (e *Executor) remove(target string, _ plan.Op) error {
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", target, err)
	}
	return nil
}

func (e *Executor) write(target string, op plan.Op) error {
	return writeAtomic(target, op.Data, op.Mode)
}

// pruneEmptyDirs removes directories left empty by the removes, deepest first.
func (e *Executor) pruneEmptyDirs(removes []plan.Op) []string {
	candidates := make(map[string]struct{})
	for _, op := range removes {
		for dir := filepath.Dir(filepath.FromSlash(op.Path)); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			candidates[dir] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(candidates))
	for d := range candidates {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})

	var pruned []string
	for _, d := range dirs {
		full := filepath.Join(e.dir, d)
		entries, err := os.ReadDir(full)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(full); err == nil {
			pruned = append(pruned, filepath.ToSlash(d))
		}
	}
	return pruned
}
