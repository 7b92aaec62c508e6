package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

const jobColumns = `id, principal_id, kind, COALESCE(provider_job_id, ''), state, input_json, parent_job_id, workspace_id, artifact_id, COALESCE(error_message, ''), created_at, updated_at`

// JobRepositoryPG implements domain.JobRepository backed by PostgreSQL.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job record. A second upscale job for the same
// parent violates the partial unique index and maps to
// ErrDuplicateOperation so the caller can re-fetch the winning row.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO jobs (id, principal_id, kind, provider_job_id, state, input_json, parent_job_id, workspace_id, error_message)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''));
`,
		job.ID,
		job.PrincipalID,
		job.Kind,
		job.ProviderJobID,
		job.State,
		job.Input,
		job.ParentJobID,
		job.WorkspaceID,
		job.ErrorMessage,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrDuplicateOperation
	}
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	return scanJob(row)
}

// GetByProviderJobID fetches a job by the provider-assigned identifier.
func (r *JobRepositoryPG) GetByProviderJobID(ctx context.Context, providerJobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE provider_job_id = $1;`, providerJobID)
	return scanJob(row)
}

// GetUpscaleByParent fetches the upscale job attached to a generation job.
// A partial unique index on (parent_job_id) for kind 'upscale' guarantees
// at most one row.
func (r *JobRepositoryPG) GetUpscaleByParent(ctx context.Context, parentJobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE kind = 'upscale' AND parent_job_id = $1;`, parentJobID)
	return scanJob(row)
}

// CASState swaps the stored state from the expected prior state to the
// target state. It reports false when the stored state no longer matches,
// which is how duplicate webhook deliveries and overlapping polls are
// recognized without a lock.
func (r *JobRepositoryPG) CASState(ctx context.Context, id string, from, to domain.JobState, errMsg *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET state = $3,
    error_message = COALESCE($4, error_message),
    updated_at = NOW()
WHERE id = $1
  AND state = $2;
`, id, from, to, errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReopenUpscale re-admits a failed upscale job. The provider id and error
// are cleared so the retry submits as if the attempt never happened; the
// partial unique index still pins the job to its parent.
func (r *JobRepositoryPG) ReopenUpscale(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET state = 'PENDING',
    provider_job_id = NULL,
    error_message = NULL,
    updated_at = NOW()
WHERE id = $1
  AND kind = 'upscale'
  AND state = 'failed';
`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetProviderJobID records the provider id once. A second call with the
// same value is a no-op; a different value fails.
func (r *JobRepositoryPG) SetProviderJobID(ctx context.Context, id, providerJobID string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET provider_job_id = $2,
    updated_at = NOW()
WHERE id = $1
  AND (provider_job_id IS NULL OR provider_job_id = $2);
`, id, providerJobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if existing.ProviderJobID != providerJobID {
			return domain.ErrProviderJobImmutable
		}
	}
	return nil
}

// SetArtifact links the persisted artifact to the job.
func (r *JobRepositoryPG) SetArtifact(ctx context.Context, id, artifactID string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE jobs
SET artifact_id = $2,
    updated_at = NOW()
WHERE id = $1;
`, id, artifactID)
	return err
}

// ListUnfinished returns jobs that have a provider id but no terminal
// state yet, oldest first. The reconciler drains this set.
func (r *JobRepositoryPG) ListUnfinished(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE provider_job_id IS NOT NULL
  AND state IN ('starting', 'processing', 'PENDING')
ORDER BY updated_at ASC
LIMIT $1;
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteByPrincipal removes every job owned by a principal.
func (r *JobRepositoryPG) DeleteByPrincipal(ctx context.Context, principalID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE principal_id = $1;`, principalID)
	return err
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	if err := row.Scan(
		&j.ID,
		&j.PrincipalID,
		&j.Kind,
		&j.ProviderJobID,
		&j.State,
		&j.Input,
		&j.ParentJobID,
		&j.WorkspaceID,
		&j.ArtifactID,
		&j.ErrorMessage,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
