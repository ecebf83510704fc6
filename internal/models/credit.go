package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction kinds. Deductions carry a negative Amount, credits a
// positive one; the sum of all transactions for an account equals its balance.
const (
	CreditKindPurchase = "purchase"
	CreditKindBonus    = "bonus"
	CreditKindImage    = "image"
	CreditKindTraining = "training"
	CreditKindRefund   = "refund"
)

// TempReferencePrefix marks a reservation recorded before the external job
// handle exists. It is rewritten to the real handle once submission succeeds;
// a reservation that still carries it past the poll budget never reached the
// prediction service and is picked up by the reconciliation sweep.
const TempReferencePrefix = "res_"

type CreditTransaction struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	Amount      int       `json:"amount"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewTempReferenceID returns a fresh placeholder reference id for a reservation.
func NewTempReferenceID() string {
	return TempReferencePrefix + uuid.NewString()
}
