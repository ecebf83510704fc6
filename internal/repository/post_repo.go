package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photogen/backend/internal/models"
)

type PostRepo struct {
	pool *pgxpool.Pool
}

func NewPostRepo(pool *pgxpool.Pool) *PostRepo {
	return &PostRepo{pool: pool}
}

const selectPost = `
	SELECT id, account_id, title, status, job_handle, prompt, result_url, credit_cost, generation_version, failure_reason, created_at, updated_at
	FROM posts`

func (r *PostRepo) Create(ctx context.Context, p *models.Post) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO posts (id, account_id, title, status)
		VALUES ($1, $2, $3, $4)
		RETURNING credit_cost, generation_version, created_at, updated_at
	`, p.ID, p.AccountID, p.Title, p.Status).Scan(&p.CreditCost, &p.GenerationVersion, &p.CreatedAt, &p.UpdatedAt)
}

func (r *PostRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	return scanPost(r.pool.QueryRow(ctx, selectPost+` WHERE id = $1`, id))
}

// GetByJobHandle resolves the post an external status callback belongs to.
func (r *PostRepo) GetByJobHandle(ctx context.Context, handle string) (*models.Post, error) {
	return scanPost(r.pool.QueryRow(ctx, selectPost+` WHERE job_handle = $1`, handle))
}

func (r *PostRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Post, error) {
	rows, err := r.pool.Query(ctx, selectPost+` WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// ClaimGeneration marks the post generating and bumps generation_version,
// clearing any result from a superseded run. Runs in the same transaction as
// the credit reservation so the in-flight record and the deduction commit
// together. Returns the new version, which every later write must present.
func (r *PostRepo) ClaimGeneration(ctx context.Context, tx pgx.Tx, id uuid.UUID, prompt string, creditCost int) (int, error) {
	var version int
	err := tx.QueryRow(ctx, `
		UPDATE posts
		SET status = $2, prompt = $3, credit_cost = $4,
		    job_handle = NULL, result_url = NULL, failure_reason = NULL,
		    generation_version = generation_version + 1, updated_at = now()
		WHERE id = $1
		RETURNING generation_version
	`, id, models.PostStatusGenerating, prompt, creditCost).Scan(&version)
	return version, err
}

// SetJobHandle records the external handle once submission succeeds. The
// version check rejects writes from a superseded run.
func (r *PostRepo) SetJobHandle(ctx context.Context, id uuid.UUID, version int, handle string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE posts SET job_handle = $3, updated_at = now()
		WHERE id = $1 AND generation_version = $2 AND status = $4
	`, id, version, handle, models.PostStatusGenerating)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// CompleteIfVersion finalizes the post with its durable result URL, only if
// the generation has not been superseded in the meantime.
func (r *PostRepo) CompleteIfVersion(ctx context.Context, id uuid.UUID, version int, resultURL string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE posts SET status = $3, result_url = $4, failure_reason = NULL, updated_at = now()
		WHERE id = $1 AND generation_version = $2 AND status = $5
	`, id, version, models.PostStatusCompleted, resultURL, models.PostStatusGenerating)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// FailIfVersion marks the post failed, clearing the stale handle and result.
func (r *PostRepo) FailIfVersion(ctx context.Context, id uuid.UUID, version int, reason string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE posts SET status = $3, job_handle = NULL, result_url = NULL, failure_reason = $4, updated_at = now()
		WHERE id = $1 AND generation_version = $2 AND status = $5
	`, id, version, models.PostStatusFailed, reason, models.PostStatusGenerating)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ListStuckGenerating finds posts that have sat in `generating` beyond the
// poll budget, for the reconciliation sweep.
func (r *PostRepo) ListStuckGenerating(ctx context.Context, olderThan time.Duration) ([]*models.Post, error) {
	rows, err := r.pool.Query(ctx, selectPost+`
		WHERE status = $1 AND updated_at < now() - make_interval(secs => $2)
	`, models.PostStatusGenerating, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.AccountID, &p.Title, &p.Status, &p.JobHandle, &p.Prompt, &p.ResultURL, &p.CreditCost, &p.GenerationVersion, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
