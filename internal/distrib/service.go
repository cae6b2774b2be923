// Package distrib wires the retriever, extractor, resolver, planner and
// executor into the two flows a launcher needs: installing one artifact
// and updating the launcher from a snapshot archive.
package distrib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/fetch"
	"github.com/adamancini/spool/internal/ledger"
	"github.com/adamancini/spool/internal/plan"
	"github.com/adamancini/spool/internal/progress"
	"github.com/adamancini/spool/internal/registry"
	"github.com/adamancini/spool/internal/resolve"
)

var (
	// ErrCanceled is returned when the caller cancels before any file is touched.
	ErrCanceled = errors.New("operation canceled")

	// ErrDeclined is returned when the confirmation hook rejects a plan.
	ErrDeclined = errors.New("update declined")

	// ErrNotInstalled is returned by Uninstall for unknown artifacts.
	ErrNotInstalled = errors.New("artifact is not installed")
)

// VersionLister lists a project's releases, newest first.
type VersionLister interface {
	Versions(ctx context.Context, projectID string, f registry.Filter) ([]resolve.Release, error)
}

// ConfirmFunc may reduce a plan before it is applied. Returning false
// abandons the update.
type ConfirmFunc func(*plan.Plan) (*plan.Plan, bool)

// Service runs installs and updates against one install directory.
type Service struct {
	dir       string
	retriever *fetch.Retriever
	versions  VersionLister
	executor  *apply.Executor
	store     *ledger.Store
	reporter  progress.Reporter
	logger    *log.Logger
	preserve  plan.PreserveSet
	selfPath  string
	timeout   time.Duration
	maxBytes  int64
	keepRuns  int
	confirm   ConfirmFunc
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRetriever sets the retriever used for archive and artifact downloads.
func WithRetriever(r *fetch.Retriever) Option {
	return func(s *Service) { s.retriever = r }
}

// WithVersions sets the release source.
func WithVersions(v VersionLister) Option {
	return func(s *Service) { s.versions = v }
}

// WithLedger records installs and runs in store. Without it the service
// keeps no history and Uninstall is unavailable.
func WithLedger(store *ledger.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithReporter sets the progress sink. Every error is also sent here.
func WithReporter(r progress.Reporter) Option {
	return func(s *Service) { s.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPreserve sets the entries updates never touch.
func WithPreserve(p plan.PreserveSet) Option {
	return func(s *Service) { s.preserve = p }
}

// WithSelfPath names the running binary relative to the install dir.
func WithSelfPath(p string) Option {
	return func(s *Service) { s.selfPath = filepath.ToSlash(p) }
}

// WithFetchLimits sets the download deadline and size ceiling.
func WithFetchLimits(timeout time.Duration, maxBytes int64) Option {
	return func(s *Service) {
		s.timeout = timeout
		s.maxBytes = maxBytes
	}
}

// WithKeepRuns bounds the run history kept in the ledger. Zero keeps everything.
func WithKeepRuns(n int) Option {
	return func(s *Service) { s.keepRuns = n }
}

// WithConfirm installs a hook consulted before an update plan is applied.
func WithConfirm(fn ConfirmFunc) Option {
	return func(s *Service) { s.confirm = fn }
}

// New creates a service for dir. The executor is built from the service's
// reporter and logger.
func New(dir string, opts ...Option) *Service {
	s := &Service{
		dir:      dir,
		reporter: progress.Discard,
		logger:   log.New(io.Discard),
		timeout:  fetch.DefaultTimeout,
		keepRuns: ledger.DefaultKeepRuns,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retriever == nil {
		s.retriever = fetch.New(fetch.WithReporter(s.reporter), fetch.WithLogger(s.logger))
	}
	if s.versions == nil {
		s.versions = registry.New(nil)
	}
	s.executor = apply.New(dir, apply.WithReporter(s.reporter), apply.WithLogger(s.logger))
	return s
}

// Dir returns the install directory.
func (s *Service) Dir() string {
	return s.dir
}

// fail pushes err to the reporter and returns it unchanged.
func (s *Service) fail(phase progress.Phase, err error) error {
	progress.Send(s.reporter, phase, progress.Indeterminate, "error: %v", err)
	return err
}

func (s *Service) checkCanceled(ctx context.Context, phase progress.Phase) error {
	if err := ctx.Err(); err != nil {
		return s.fail(phase, fmt.Errorf("%w: %w", ErrCanceled, err))
	}
	return nil
}

// apply runs the executor and maps a pre-Cleaning cancellation onto ErrCanceled.
// The executor reports its own failures.
func (s *Service) apply(ctx context.Context, p *plan.Plan) (*apply.Report, error) {
	report, err := s.executor.Apply(ctx, p)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		var perr *apply.PartialApplyError
		if !errors.As(err, &perr) {
			return nil, s.fail(progress.PhaseApplying, fmt.Errorf("%w: %w", ErrCanceled, err))
		}
	}
	return report, err
}

func (s *Service) recordRun(ctx context.Context, op, source string, started time.Time, report *apply.Report, err error) {
	if s.store == nil {
		return
	}
	run := ledger.Run{
		Operation:  op,
		Source:     source,
		State:      string(apply.StateDone),
		StartedAt:  started,
		FinishedAt: s.now(),
	}
	if report != nil {
		run.ID = report.RunID
		run.Written = len(report.Written)
		run.Removed = len(report.Removed)
		run.Skipped = len(report.Skipped)
	}
	if err != nil {
		run.State = string(apply.StateFailed)
		run.Error = err.Error()
		var perr *apply.PartialApplyError
		if errors.As(err, &perr) {
			run.Written = countAction(perr.Completed, plan.ActionWrite)
			run.Removed = countAction(perr.Completed, plan.ActionRemove)
		}
	}
	if run.ID == "" {
		run.ID = fmt.Sprintf("%s-%d", op, started.UnixNano())
	}

	// history must not outlive the caller's cancellation of the operation itself
	ctx = context.WithoutCancel(ctx)
	if rerr := s.store.RecordRun(ctx, run); rerr != nil {
		s.logger.Warn("failed to record run", "error", rerr)
		return
	}
	if s.keepRuns > 0 {
		if res, perr := s.store.PruneRuns(ctx, s.keepRuns); perr != nil {
			s.logger.Warn("failed to prune run history", "error", perr)
		} else if len(res.Deleted) > 0 {
			s.logger.Debug("pruned run history", "deleted", len(res.Deleted))
		}
	}
}

func countAction(ops []plan.Op, a plan.Action) int {
	n := 0
	for _, op := range ops {
		if op.Action == a {
			n++
		}
	}
	return n
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
