package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photogen/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, api_key_hash, balance, total_purchased, max_per_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.DisplayName, a.PasswordHash, a.APIKeyHash, a.Balance, a.TotalPurchased, a.MaxPerDay).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return r.scanOne(r.pool.QueryRow(ctx, selectAccount+` WHERE id = $1`, id))
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.scanOne(r.pool.QueryRow(ctx, selectAccount+` WHERE email = $1`, email))
}

// GetByAPIKeyHash resolves the account owning the given SHA-256 key hash.
func (r *AccountRepo) GetByAPIKeyHash(ctx context.Context, keyHash string) (*models.Account, error) {
	return r.scanOne(r.pool.QueryRow(ctx, selectAccount+` WHERE api_key_hash = $1`, keyHash))
}

const selectAccount = `
	SELECT id, email, display_name, password_hash, api_key_hash, balance, total_purchased, max_per_day, created_at, updated_at
	FROM accounts`

func (r *AccountRepo) scanOne(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.APIKeyHash, &a.Balance, &a.TotalPurchased, &a.MaxPerDay, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DeductBalance atomically deducts amount when balance >= amount. Returns
// pgx.ErrNoRows when the balance is insufficient. Call within a transaction;
// the conditional UPDATE is what serializes concurrent deductions on one row.
func (r *AccountRepo) DeductBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// AddBalance credits amount to the account and returns the new balance.
func (r *AccountRepo) AddBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// AddPurchased bumps the monotonic total_purchased counter.
func (r *AccountRepo) AddPurchased(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET total_purchased = total_purchased + $1, updated_at = now() WHERE id = $2
	`, amount, id)
	return err
}
