package ledger

import (
	"context"
	"fmt"
)

// RecordRun stores the outcome of an update or install.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, operation, source, state, written, removed, skipped, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Operation, r.Source, r.State, r.Written, r.Removed, r.Skipped, r.Error,
		formatTime(r.StartedAt), formatTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// Runs returns up to limit runs, newest first. A limit of zero returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, operation, source, state, written, removed, skipped, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Operation, &r.Source, &r.State, &r.Written, &r.Removed,
			&r.Skipped, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneResult contains information about what was pruned.
type PruneResult struct {
	Deleted []Run `json:"deleted" yaml:"deleted" toml:"deleted"`
	Kept    int   `json:"kept" yaml:"kept" toml:"kept"`
}

// PruneRuns removes old runs, keeping only the most recent keep runs.
func (s *Store) PruneRuns(ctx context.Context, keep int) (*PruneResult, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep count must be non-negative")
	}

	runs, err := s.Runs(ctx, 0)
	if err != nil {
		return nil, err
	}

	result := &PruneResult{}

	// Runs are already sorted newest first
	if len(runs) <= keep {
		result.Kept = len(runs)
		return result, nil
	}

	toDelete := runs[keep:]
	result.Kept = keep

	for _, r := range toDelete {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, r.ID); err != nil {
			return nil, fmt.Errorf("failed to delete run %s: %w", r.ID, err)
		}
		result.Deleted = append(result.Deleted, r)
	}

	return result, nil
}
