package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

const workspaceColumns = `id, principal_id, status, training_job_id, COALESCE(model_ref, ''), created_at, updated_at`

// WorkspaceRepositoryPG implements domain.WorkspaceRepository backed by PostgreSQL.
type WorkspaceRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewWorkspaceRepository creates a new workspace repository.
func NewWorkspaceRepository(pool *pgxpool.Pool) *WorkspaceRepositoryPG {
	return &WorkspaceRepositoryPG{pool: pool}
}

// Create inserts a new workspace record.
func (r *WorkspaceRepositoryPG) Create(ctx context.Context, ws *domain.Workspace) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO workspaces (id, principal_id, status, training_job_id, model_ref)
VALUES ($1, $2, $3, $4, NULLIF($5, ''));
`, ws.ID, ws.PrincipalID, ws.Status, ws.TrainingJobID, ws.ModelRef)
	return err
}

// GetByID fetches a workspace by identifier.
func (r *WorkspaceRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Workspace, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1;`, id)
	return scanWorkspace(row)
}

// CASStatus swaps the workspace status from the expected prior value.
func (r *WorkspaceRepositoryPG) CASStatus(ctx context.Context, id string, from, to domain.WorkspaceStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE workspaces
SET status = $3,
    updated_at = NOW()
WHERE id = $1
  AND status = $2;
`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetTrainingJob links the active training job to the workspace.
func (r *WorkspaceRepositoryPG) SetTrainingJob(ctx context.Context, id, jobID string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE workspaces
SET training_job_id = $2,
    updated_at = NOW()
WHERE id = $1;
`, id, jobID)
	return err
}

// DeleteByPrincipal removes every workspace owned by a principal.
func (r *WorkspaceRepositoryPG) DeleteByPrincipal(ctx context.Context, principalID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM workspaces WHERE principal_id = $1;`, principalID)
	return err
}

func scanWorkspace(row pgx.Row) (*domain.Workspace, error) {
	var w domain.Workspace
	if err := row.Scan(&w.ID, &w.PrincipalID, &w.Status, &w.TrainingJobID, &w.ModelRef, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

var _ domain.WorkspaceRepository = (*WorkspaceRepositoryPG)(nil)
