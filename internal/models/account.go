package models

import (
	"time"

	"github.com/google/uuid"
)

// SignupBonusCredits is granted to every new account as a `bonus` ledger entry.
const SignupBonusCredits = 5

type Account struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name"`
	PasswordHash   string    `json:"-"`
	APIKeyHash     string    `json:"-"`
	Balance        int       `json:"balance"`
	TotalPurchased int       `json:"total_purchased"`
	MaxPerDay      *int      `json:"max_per_day,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
