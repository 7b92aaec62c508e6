package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

// CreditRepositoryPG implements domain.CreditRepository backed by PostgreSQL.
// Both deduct operations are single conditional UPDATEs; the balance is
// never read first and decremented second.
type CreditRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewCreditRepository creates a new credit repository.
func NewCreditRepository(pool *pgxpool.Pool) *CreditRepositoryPG {
	return &CreditRepositoryPG{pool: pool}
}

// Get fetches the balance row for a principal.
func (r *CreditRepositoryPG) Get(ctx context.Context, principalID string) (*domain.CreditBalance, error) {
	row := r.pool.QueryRow(ctx, `
SELECT principal_id, general_credits, aux_credits, created_at, updated_at
FROM credit_balances
WHERE principal_id = $1;
`, principalID)
	return scanBalance(row)
}

// CreateIfAbsent materializes a balance with the given grant. When the row
// already exists the stored row is returned untouched.
func (r *CreditRepositoryPG) CreateIfAbsent(ctx context.Context, principalID string, general, aux int) (*domain.CreditBalance, error) {
	row := r.pool.QueryRow(ctx, `
INSERT INTO credit_balances (principal_id, general_credits, aux_credits)
VALUES ($1, $2, $3)
ON CONFLICT (principal_id) DO NOTHING
RETURNING principal_id, general_credits, aux_credits, created_at, updated_at;
`, principalID, general, aux)
	balance, err := scanBalance(row)
	if errors.Is(err, domain.ErrNotFound) {
		// Insert hit the conflict path, the row exists.
		return r.Get(ctx, principalID)
	}
	return balance, err
}

// DeductGeneral conditionally decrements the general counter and returns
// the new balance. Zero rows matched means the balance moved below amount
// between admission and mutation.
func (r *CreditRepositoryPG) DeductGeneral(ctx context.Context, principalID string, amount int) (int, error) {
	return r.deduct(ctx, `
UPDATE credit_balances
SET general_credits = general_credits - $2,
    updated_at = NOW()
WHERE principal_id = $1
  AND general_credits >= $2
RETURNING general_credits;
`, principalID, amount)
}

// DeductAux mirrors DeductGeneral for the secondary counter.
func (r *CreditRepositoryPG) DeductAux(ctx context.Context, principalID string, amount int) (int, error) {
	return r.deduct(ctx, `
UPDATE credit_balances
SET aux_credits = aux_credits - $2,
    updated_at = NOW()
WHERE principal_id = $1
  AND aux_credits >= $2
RETURNING aux_credits;
`, principalID, amount)
}

func (r *CreditRepositoryPG) deduct(ctx context.Context, query, principalID string, amount int) (int, error) {
	var remaining int
	if err := r.pool.QueryRow(ctx, query, principalID, amount).Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrInsufficientCredits
		}
		return 0, err
	}
	return remaining, nil
}

// Grant atomically increments both counters.
func (r *CreditRepositoryPG) Grant(ctx context.Context, principalID string, general, aux int) (*domain.CreditBalance, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE credit_balances
SET general_credits = general_credits + $2,
    aux_credits = aux_credits + $3,
    updated_at = NOW()
WHERE principal_id = $1
RETURNING principal_id, general_credits, aux_credits, created_at, updated_at;
`, principalID, general, aux)
	return scanBalance(row)
}

func scanBalance(row pgx.Row) (*domain.CreditBalance, error) {
	var b domain.CreditBalance
	if err := row.Scan(&b.PrincipalID, &b.GeneralCredits, &b.AuxCredits, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

var _ domain.CreditRepository = (*CreditRepositoryPG)(nil)
