package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photogen/backend/internal/models"
)

type TrainedModelRepo struct {
	pool *pgxpool.Pool
}

func NewTrainedModelRepo(pool *pgxpool.Pool) *TrainedModelRepo {
	return &TrainedModelRepo{pool: pool}
}

// GetReadyByAccountID returns the account's most recent ready model, or
// (nil, nil) when none exists. Classic generation requires one.
func (r *TrainedModelRepo) GetReadyByAccountID(ctx context.Context, accountID uuid.UUID) (*models.TrainedModel, error) {
	var m models.TrainedModel
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, weights_url, status, created_at
		FROM trained_models
		WHERE account_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1
	`, accountID, models.TrainedModelStatusReady).Scan(&m.ID, &m.AccountID, &m.WeightsURL, &m.Status, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
