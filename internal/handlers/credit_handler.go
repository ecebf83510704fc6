package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/photogen/backend/internal/middleware"
	"github.com/photogen/backend/internal/models"
)

// CreditLister reads the transaction log for the authenticated account.
type CreditLister interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

// AccountReader reloads the account for a fresh balance.
type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Granter credits purchased credits through the ledger.
type Granter interface {
	Grant(ctx context.Context, accountID uuid.UUID, amount int, kind, description, referenceID string) (int, error)
}

// CreditHandler serves /v1/credits endpoints.
type CreditHandler struct {
	Accounts AccountReader
	Credits  CreditLister
	Ledger   Granter
	Logger   *slog.Logger
}

const transactionListLimit = 50

type creditsResponse struct {
	Balance        int                         `json:"balance"`
	TotalPurchased int                         `json:"total_purchased"`
	Transactions   []*models.CreditTransaction `json:"transactions"`
}

// GetCredits handles GET /v1/credits.
func (h *CreditHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	fresh, err := h.Accounts.GetByID(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("load account", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	txs, err := h.Credits.ListByAccountID(r.Context(), acc.ID, transactionListLimit)
	if err != nil {
		h.Logger.Error("list transactions", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, creditsResponse{
		Balance:        fresh.Balance,
		TotalPurchased: fresh.TotalPurchased,
		Transactions:   txs,
	})
}

type purchaseRequest struct {
	Amount     int    `json:"amount"`
	PaymentRef string `json:"payment_ref"`
}

// PurchaseCredits handles POST /v1/credits/purchase. The payment gateway is
// external; this endpoint records the purchase the checkout callback reports.
func (h *CreditHandler) PurchaseCredits(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
		return
	}
	if req.PaymentRef == "" {
		http.Error(w, `{"error":"payment_ref is required"}`, http.StatusBadRequest)
		return
	}

	newBalance, err := h.Ledger.Grant(r.Context(), acc.ID, req.Amount, models.CreditKindPurchase, "credit purchase", req.PaymentRef)
	if err != nil {
		h.Logger.Error("record purchase", "account_id", acc.ID, "payment_ref", req.PaymentRef, "error", err)
		http.Error(w, `{"error":"failed to record purchase"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": newBalance})
}
