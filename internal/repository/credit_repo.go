package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photogen/backend/internal/models"
)

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

// CreateTx inserts a transaction inside the given pgx transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, account_id, amount, kind, description, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, c.ID, c.AccountID, c.Amount, c.Kind, c.Description, c.ReferenceID).Scan(&c.CreatedAt)
}

// InsertRefundTx inserts a refund entry, deduplicated by reference_id via the
// partial unique index on (reference_id) WHERE kind = 'refund'. Returns false
// when a refund for that reference already exists.
func (r *CreditRepo) InsertRefundTx(ctx context.Context, tx pgx.Tx, c *models.CreditTransaction) (bool, error) {
	result, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, account_id, amount, kind, description, reference_id)
		VALUES ($1, $2, $3, 'refund', $4, $5)
		ON CONFLICT (reference_id) WHERE kind = 'refund' DO NOTHING
	`, c.ID, c.AccountID, c.Amount, c.Description, c.ReferenceID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// UpdateReferenceID swaps the placeholder reference recorded at reservation
// time for the real job handle. Refund entries are never rewritten.
func (r *CreditRepo) UpdateReferenceID(ctx context.Context, accountID uuid.UUID, oldRef, newRef string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE credit_transactions SET reference_id = $1
		WHERE account_id = $2 AND reference_id = $3 AND kind <> 'refund'
	`, newRef, accountID, oldRef)
	return err
}

func (r *CreditRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, amount, kind, description, reference_id, created_at
		FROM credit_transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// SumByAccountID returns the ledger sum for an account. It must equal the
// account's balance at all times.
func (r *CreditRepo) SumByAccountID(ctx context.Context, accountID uuid.UUID) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE account_id = $1
	`, accountID).Scan(&total)
	return total, err
}

// DailyImageSpend sums today's (UTC) generation deductions for the account,
// net of refunds, for the per-day cap check.
func (r *CreditRepo) DailyImageSpend(ctx context.Context, accountID uuid.UUID) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0)
		FROM credit_transactions
		WHERE account_id = $1 AND kind IN ('image', 'training', 'refund')
		  AND created_at >= CURRENT_DATE
	`, accountID).Scan(&total)
	return total, err
}

// ListStaleTempReservations finds deductions whose reference id is still the
// reservation placeholder after olderThan, with no matching refund: the
// process died between reserving and submitting, so the job never existed.
func (r *CreditRepo) ListStaleTempReservations(ctx context.Context, olderThan time.Duration) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.account_id, t.amount, t.kind, t.description, t.reference_id, t.created_at
		FROM credit_transactions t
		WHERE t.amount < 0
		  AND t.reference_id LIKE $1
		  AND t.created_at < now() - make_interval(secs => $2)
		  AND NOT EXISTS (
			SELECT 1 FROM credit_transactions rf
			WHERE rf.kind = 'refund' AND rf.reference_id = t.reference_id
		  )
	`, models.TempReferencePrefix+"%", olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]*models.CreditTransaction, error) {
	var list []*models.CreditTransaction
	for rows.Next() {
		var c models.CreditTransaction
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Amount, &c.Kind, &c.Description, &c.ReferenceID, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}
