package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

// PaymentRepositoryPG implements domain.PaymentRepository backed by PostgreSQL.
// The (session_id, purpose) primary key is the double-application guard.
type PaymentRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new payment repository.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepositoryPG {
	return &PaymentRepositoryPG{pool: pool}
}

// Record inserts the applied-once marker for a confirmed session. A repeat
// insert maps to ErrDuplicateOperation.
func (r *PaymentRepositoryPG) Record(ctx context.Context, rec *domain.PaymentRecord) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO payment_records (session_id, purpose, principal_id, general_amount, aux_amount, workspace_id)
VALUES ($1, $2, $3, $4, $5, $6);
`, rec.SessionID, rec.Purpose, rec.PrincipalID, rec.GeneralAmount, rec.AuxAmount, rec.WorkspaceID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrDuplicateOperation
	}
	return err
}

// HasWorkspaceUnlock reports whether an unlock payment was confirmed for
// the workspace. Training admission checks this before submitting.
func (r *PaymentRepositoryPG) HasWorkspaceUnlock(ctx context.Context, workspaceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM payment_records
  WHERE workspace_id = $1 AND purpose = $2
);
`, workspaceID, domain.PaymentPurposeWorkspaceUnlock).Scan(&exists)
	return exists, err
}

var _ domain.PaymentRepository = (*PaymentRepositoryPG)(nil)
