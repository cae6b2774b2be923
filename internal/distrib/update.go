package distrib

import (
	"context"
	"errors"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/archive"
	"github.com/adamancini/spool/internal/plan"
	"github.com/adamancini/spool/internal/progress"
)

// UpdateResult describes an update.
type UpdateResult struct {
	Source string        `json:"source" yaml:"source" toml:"source"`
	Plan   *plan.Plan    `json:"plan" yaml:"plan" toml:"plan"`
	Report *apply.Report `json:"report,omitempty" yaml:"report,omitempty" toml:"report,omitempty"`
}

// PlanUpdate downloads and extracts the snapshot at url and returns the
// plan that Update would apply. Nothing on disk changes.
func (s *Service) PlanUpdate(ctx context.Context, url string) (*plan.Plan, error) {
	tree, err := s.stage(ctx, url)
	if err != nil {
		return nil, err
	}
	defer tree.Discard()
	return s.plan(tree)
}

// Update replaces the install directory's contents with the snapshot at
// url, keeping preserved entries and deferring the running binary's swap.
func (s *Service) Update(ctx context.Context, url string) (*UpdateResult, error) {
	started := s.now()
	result := &UpdateResult{Source: url}

	tree, err := s.stage(ctx, url)
	if err != nil {
		return nil, err
	}
	defer tree.Discard()

	p, err := s.plan(tree)
	if err != nil {
		return nil, err
	}
	result.Plan = p

	if s.confirm != nil {
		selected, ok := s.confirm(p)
		if !ok {
			return result, s.fail(progress.PhasePlanning, ErrDeclined)
		}
		p = selected
		result.Plan = p
	}

	if err := s.checkCanceled(ctx, progress.PhasePlanning); err != nil {
		return nil, err
	}
	report, err := s.apply(ctx, p)
	s.recordRun(ctx, "update", url, started, report, err)
	if err != nil {
		return result, err
	}
	result.Report = report

	progress.Send(s.reporter, progress.PhaseDone, 100, "update complete")
	return result, nil
}

func (s *Service) stage(ctx context.Context, url string) (*archive.Tree, error) {
	if err := s.checkCanceled(ctx, progress.PhaseFetching); err != nil {
		return nil, err
	}
	progress.Send(s.reporter, progress.PhaseFetching, 0, "downloading snapshot")
	data, err := s.retriever.Fetch(ctx, url, s.timeout, s.maxBytes)
	if err != nil {
		return nil, s.fail(progress.PhaseFetching, err)
	}

	if err := s.checkCanceled(ctx, progress.PhaseExtracting); err != nil {
		return nil, err
	}
	tree, err := archive.Extract(data, archive.WithReporter(s.reporter))
	if err != nil {
		return nil, s.fail(progress.PhaseExtracting, err)
	}
	if err := s.checkCanceled(ctx, progress.PhaseExtracting); err != nil {
		tree.Discard()
		return nil, err
	}
	s.logger.Info("snapshot staged", "url", url, "files", tree.Len(), "bytes", tree.Size())
	return tree, nil
}

func (s *Service) plan(tree *archive.Tree) (*plan.Plan, error) {
	progress.Send(s.reporter, progress.PhasePlanning, progress.Indeterminate, "comparing install directory")
	var opts []plan.Option
	if s.selfPath != "" {
		opts = append(opts, plan.WithSelf(s.selfPath))
	}
	p, err := plan.Build(s.dir, tree, s.preserve, opts...)
	if err != nil {
		return nil, s.fail(progress.PhasePlanning, err)
	}
	w, r, sk := p.Summary()
	progress.Send(s.reporter, progress.PhasePlanning, 100, "%d to write, %d to remove, %d skipped", w, r, sk)
	return p, nil
}

// IsCanceled reports whether err is a cancellation honoured before any
// file was touched.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
