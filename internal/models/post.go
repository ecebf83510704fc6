package models

import (
	"time"

	"github.com/google/uuid"
)

// Post generation status enum.
const (
	PostStatusPending    = "pending"
	PostStatusGenerating = "generating"
	PostStatusCompleted  = "completed"
	PostStatusFailed     = "failed"
)

// Generation variants. Classic drives a single fine-tuned model; pro drives
// the multi-reference model with uploaded reference images.
const (
	VariantClassic = "classic"
	VariantPro     = "pro"
)

// Post is the owning record a generation result is attached to. Only the most
// recent generation matters: GenerationVersion increments on every submit and
// finalize/fail writes are rejected when their version is stale.
type Post struct {
	ID                uuid.UUID `json:"id"`
	AccountID         uuid.UUID `json:"account_id"`
	Title             string    `json:"title"`
	Status            string    `json:"status"`
	JobHandle         *string   `json:"job_handle,omitempty"`
	Prompt            *string   `json:"prompt,omitempty"`
	ResultURL         *string   `json:"result_url,omitempty"`
	CreditCost        int       `json:"credit_cost"`
	GenerationVersion int       `json:"generation_version"`
	FailureReason     *string   `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TrainedModel is the fine-tuned subject model a classic generation requires.
type TrainedModel struct {
	ID         uuid.UUID `json:"id"`
	AccountID  uuid.UUID `json:"account_id"`
	WeightsURL string    `json:"weights_url"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// TrainedModelStatusReady means the model finished training and can be used.
const TrainedModelStatusReady = "ready"
