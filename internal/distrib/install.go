package distrib

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/ledger"
	"github.com/adamancini/spool/internal/plan"
	"github.com/adamancini/spool/internal/progress"
	"github.com/adamancini/spool/internal/registry"
	"github.com/adamancini/spool/internal/resolve"
)

// InstallRequest names one artifact to install.
type InstallRequest struct {
	ProjectID string
	Query     resolve.Query
	// Force re-downloads even when the chosen file is already present.
	Force bool
}

// InstallResult describes an install.
type InstallResult struct {
	ProjectID string        `json:"project_id" yaml:"project_id" toml:"project_id"`
	Match     resolve.Match `json:"match" yaml:"match" toml:"match"`
	Path      string        `json:"path" yaml:"path" toml:"path"`
	Replaced  string        `json:"replaced,omitempty" yaml:"replaced,omitempty" toml:"replaced,omitempty"`
	Skipped   bool          `json:"skipped" yaml:"skipped" toml:"skipped"`
	Report    *apply.Report `json:"report,omitempty" yaml:"report,omitempty" toml:"report,omitempty"`
}

// Resolve lists the project's releases, narrowed server-side by the query,
// and picks the file to install. No file is downloaded.
func (s *Service) Resolve(ctx context.Context, projectID string, q resolve.Query) (resolve.Match, error) {
	if err := s.checkCanceled(ctx, progress.PhaseFetching); err != nil {
		return resolve.Match{}, err
	}
	progress.Send(s.reporter, progress.PhaseFetching, progress.Indeterminate, "listing releases of %s", projectID)

	filter := registry.Filter{}
	if q.Loader != "" {
		filter.Loaders = []string{q.Loader}
	}
	if q.PlatformVersion != "" {
		filter.GameVersions = []string{q.PlatformVersion}
	}
	releases, err := s.versions.Versions(ctx, projectID, filter)
	if err != nil {
		return resolve.Match{}, s.fail(progress.PhaseFetching, err)
	}

	match, err := resolve.Resolve(releases, q)
	if err != nil {
		return resolve.Match{}, s.fail(progress.PhasePlanning, err)
	}
	s.logger.Debug("resolved", "project", projectID, "release", match.Release.ID,
		"file", match.File.Filename, "rule", match.Rule)
	return match, nil
}

// Install resolves, downloads and writes one artifact into its kind's
// directory. A previously installed file of the same project is removed in
// the same plan. When the chosen file is already on disk and Force is not
// set, nothing is downloaded, but the previous file is still removed.
func (s *Service) Install(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	started := s.now()

	match, err := s.Resolve(ctx, req.ProjectID, req.Query)
	if err != nil {
		return nil, err
	}
	dest, err := resolve.Destination(req.Query.Kind, match.File)
	if err != nil {
		return nil, s.fail(progress.PhasePlanning, err)
	}
	if s.preserve.Contains(dest) {
		return nil, s.fail(progress.PhasePlanning, fmt.Errorf("refusing to install over preserved path %s", dest))
	}

	result := &InstallResult{ProjectID: req.ProjectID, Match: match, Path: dest}

	var previous *ledger.Artifact
	if s.store != nil {
		prev, err := s.store.GetArtifact(ctx, req.ProjectID, req.Query.Kind.String())
		switch {
		case err == nil:
			previous = prev
		case !errors.Is(err, ledger.ErrNotFound):
			s.logger.Warn("failed to read ledger", "error", err)
		}
	}

	var ops []plan.Op
	if previous != nil && previous.Path != dest && previous.Path != "" && !s.preserve.Contains(previous.Path) {
		ops = append(ops, plan.Remove(previous.Path))
		result.Replaced = previous.Path
	}

	present := !req.Force && fileExists(filepath.Join(s.dir, filepath.FromSlash(dest)))
	if present {
		s.logger.Info("already installed", "project", req.ProjectID, "path", dest)
		result.Skipped = true
	} else {
		if err := s.checkCanceled(ctx, progress.PhaseFetching); err != nil {
			return nil, err
		}
		data, err := s.retriever.Fetch(ctx, match.File.URL, s.timeout, s.maxBytes)
		if err != nil {
			return nil, s.fail(progress.PhaseFetching, err)
		}
		ops = append([]plan.Op{plan.Write(dest, data, 0o644)}, ops...)
	}

	// a present file still retires the previous release
	if len(ops) > 0 {
		if err := s.checkCanceled(ctx, progress.PhasePlanning); err != nil {
			return nil, err
		}
		report, err := s.apply(ctx, plan.New(ops...))
		s.recordRun(ctx, "install", req.ProjectID, started, report, err)
		if err != nil {
			return nil, err
		}
		result.Report = report
	}
	s.recordArtifact(ctx, req, match, dest)

	if present {
		progress.Send(s.reporter, progress.PhaseDone, 100, "%s already installed", dest)
	} else {
		progress.Send(s.reporter, progress.PhaseDone, 100, "installed %s", dest)
	}
	return result, nil
}

func (s *Service) recordArtifact(ctx context.Context, req InstallRequest, match resolve.Match, dest string) {
	if s.store == nil {
		return
	}
	a := ledger.Artifact{
		ProjectID:       req.ProjectID,
		Kind:            req.Query.Kind.String(),
		ReleaseID:       match.Release.ID,
		VersionNumber:   match.Release.VersionNumber,
		Filename:        match.File.Filename,
		Path:            dest,
		URL:             match.File.URL,
		PlatformVersion: req.Query.PlatformVersion,
		Loader:          req.Query.Loader,
		InstalledAt:     s.now(),
	}
	if err := s.store.RecordArtifact(context.WithoutCancel(ctx), a); err != nil {
		s.logger.Warn("failed to record artifact", "project", req.ProjectID, "error", err)
	}
}

// Uninstall removes an artifact recorded in the ledger.
func (s *Service) Uninstall(ctx context.Context, projectID, kind string) (*apply.Report, error) {
	if s.store == nil {
		return nil, s.fail(progress.PhasePlanning, errors.New("uninstall requires the ledger"))
	}
	started := s.now()

	a, err := s.store.GetArtifact(ctx, projectID, kind)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, s.fail(progress.PhasePlanning, fmt.Errorf("%w: %s (%s)", ErrNotInstalled, projectID, kind))
	}
	if err != nil {
		return nil, s.fail(progress.PhasePlanning, err)
	}

	var p *plan.Plan
	if s.preserve.Contains(a.Path) {
		p = plan.New(plan.Skip(a.Path, plan.ReasonPreserved))
	} else {
		p = plan.New(plan.Remove(a.Path))
	}

	if err := s.checkCanceled(ctx, progress.PhasePlanning); err != nil {
		return nil, err
	}
	report, err := s.apply(ctx, p)
	s.recordRun(ctx, "uninstall", projectID, started, report, err)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteArtifact(context.WithoutCancel(ctx), projectID, kind); err != nil {
		s.logger.Warn("failed to delete ledger entry", "project", projectID, "error", err)
	}
	progress.Send(s.reporter, progress.PhaseDone, 100, "removed %s", a.Path)
	return report, nil
}
