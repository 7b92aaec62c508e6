package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

const artifactColumns = `id, principal_id, url, original_url, upscaled_url, source_tag, COALESCE(prompt, ''), created_at`

// uniqueViolation is the Postgres error code raised by the
// (principal_id, original_url) unique index.
const uniqueViolation = "23505"

// ArtifactRepositoryPG implements domain.ArtifactRepository backed by PostgreSQL.
type ArtifactRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewArtifactRepository creates a new artifact repository.
func NewArtifactRepository(pool *pgxpool.Pool) *ArtifactRepositoryPG {
	return &ArtifactRepositoryPG{pool: pool}
}

// Create inserts a new artifact. A duplicate (principal, original_url)
// insert maps to ErrDuplicateOperation so the caller can re-lookup the
// winning row instead of failing.
func (r *ArtifactRepositoryPG) Create(ctx context.Context, artifact *domain.Artifact) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO artifacts (id, principal_id, url, original_url, upscaled_url, source_tag, prompt)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''));
`,
		artifact.ID,
		artifact.PrincipalID,
		artifact.URL,
		artifact.OriginalURL,
		artifact.UpscaledURL,
		artifact.SourceTag,
		artifact.Prompt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrDuplicateOperation
	}
	return err
}

// GetByID fetches an artifact by its identifier.
func (r *ArtifactRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Artifact, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1;`, id)
	return scanArtifact(row)
}

// FindByURL matches either the current or the original URL for the principal.
func (r *ArtifactRepositoryPG) FindByURL(ctx context.Context, principalID, url string) (*domain.Artifact, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+artifactColumns+`
FROM artifacts
WHERE principal_id = $1
  AND (url = $2 OR original_url = $2);
`, principalID, url)
	return scanArtifact(row)
}

// UpgradeURL swaps a provider-hosted URL for a durable one in place.
func (r *ArtifactRepositoryPG) UpgradeURL(ctx context.Context, id, durableURL string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE artifacts
SET url = $2
WHERE id = $1;
`, id, durableURL)
	return err
}

// SetUpscaledURL records the high-resolution URL once; later writes are
// rejected so a duplicate upscale completion cannot clobber the first.
func (r *ArtifactRepositoryPG) SetUpscaledURL(ctx context.Context, id, url string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE artifacts
SET upscaled_url = $2
WHERE id = $1
  AND upscaled_url IS NULL;
`, id, url)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByPrincipal returns the principal's artifacts, newest first.
func (r *ArtifactRepositoryPG) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]domain.Artifact, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+artifactColumns+`
FROM artifacts
WHERE principal_id = $1
ORDER BY created_at DESC
LIMIT $2;
`, principalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

// DeleteByPrincipal removes every artifact owned by a principal.
func (r *ArtifactRepositoryPG) DeleteByPrincipal(ctx context.Context, principalID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM artifacts WHERE principal_id = $1;`, principalID)
	return err
}

func scanArtifact(row pgx.Row) (*domain.Artifact, error) {
	var a domain.Artifact
	if err := row.Scan(
		&a.ID,
		&a.PrincipalID,
		&a.URL,
		&a.OriginalURL,
		&a.UpscaledURL,
		&a.SourceTag,
		&a.Prompt,
		&a.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

var _ domain.ArtifactRepository = (*ArtifactRepositoryPG)(nil)
