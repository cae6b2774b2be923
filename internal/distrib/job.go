package distrib

import (
	"context"

	"github.com/adamancini/spool/internal/apply"
)

// Job is an operation running in the background. The caller's foreground
// never blocks on it; Wait collects the outcome.
type Job[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	result T
	err    error
}

func start[T any](ctx context.Context, fn func(context.Context) (T, error)) *Job[T] {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(j.done)
		defer cancel()
		j.result, j.err = fn(ctx)
	}()
	return j
}

// Done is closed when the job finishes.
func (j *Job[T]) Done() <-chan struct{} {
	return j.done
}

// Cancel requests cancellation. It has no effect once files are being changed.
func (j *Job[T]) Cancel() {
	j.cancel()
}

// Wait blocks until the job finishes and returns its outcome.
func (j *Job[T]) Wait() (T, error) {
	<-j.done
	return j.result, j.err
}

// StartInstall runs Install in the background.
func (s *Service) StartInstall(ctx context.Context, req InstallRequest) *Job[*InstallResult] {
	return start(ctx, func(ctx context.Context) (*InstallResult, error) {
		return s.Install(ctx, req)
	})
}

// StartUpdate runs Update in the background.
func (s *Service) StartUpdate(ctx context.Context, url string) *Job[*UpdateResult] {
	return start(ctx, func(ctx context.Context) (*UpdateResult, error) {
		return s.Update(ctx, url)
	})
}

// StartUninstall runs Uninstall in the background.
func (s *Service) StartUninstall(ctx context.Context, projectID, kind string) *Job[*apply.Report] {
	return start(ctx, func(ctx context.Context) (*apply.Report, error) {
		return s.Uninstall(ctx, projectID, kind)
	})
}
