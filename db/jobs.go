package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/live-tender/jobs"
)

var _ jobs.Store = (*Store)(nil)

// InsertJob persists a new job row.
func (s *Store) InsertJob(ctx context.Context, j jobs.Job) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, resource_id, status, error, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$6)`,
		j.ID, string(j.Kind), j.ResourceID, string(j.Status), j.Error, j.CreatedAt)
	return err
}

// UpdateJobStatus moves a job from one status to another. The update is conditional on the
// current status so a concurrent transition cannot be overwritten.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, from, to jobs.Status, errMsg string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status=$1, error=$2, updated_at=NOW() WHERE id=$3 AND status=$4`,
		string(to), errMsg, id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s is not %s", jobs.ErrIllegalTransition, id, from)
	}
	return nil
}

const jobColumns = `id, kind, resource_id, status, error, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*jobs.Job, error) {
	var j jobs.Job
	var kind, status string
	if err := row.Scan(&j.ID, &kind, &j.ResourceID, &status, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Kind = jobs.Kind(kind)
	st, ok := jobs.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("job %s: unknown status %q", j.ID, status)
	}
	j.Status = st
	return &j, nil
}

// GetJob returns the job or nil, nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ActiveJobFor returns the newest pending or running job holding resourceID, or nil, nil.
func (s *Store) ActiveJobFor(ctx context.Context, resourceID string) (*jobs.Job, error) {
	j, err := scanJob(s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE resource_id=$1 AND status IN ('pending','running') ORDER BY created_at DESC LIMIT 1`,
		resourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ListActiveJobs returns every pending or running job, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]jobs.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN ('pending','running') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
