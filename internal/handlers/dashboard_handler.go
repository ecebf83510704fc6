package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/photogen/backend/internal/models"
)

// TokenValidator validates dashboard session tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// DashboardHandler serves the JWT-authenticated /api/v1 account surface used
// by the web dashboard (the programmatic /v1 surface uses API keys).
type DashboardHandler struct {
	Auth     TokenValidator
	Accounts AccountReader
	Credits  CreditLister
	Logger   *slog.Logger
}

// GetMe handles GET /api/v1/account/me.
func (h *DashboardHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// ListCreditLedger handles GET /api/v1/credit-ledger.
func (h *DashboardHandler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	txs, err := h.Credits.ListByAccountID(r.Context(), acc.ID, transactionListLimit)
	if err != nil {
		h.Logger.Error("list credit ledger", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *DashboardHandler) authenticate(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	header := r.Header.Get("Authorization")
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
		return nil, false
	}
	accountID, err := h.Auth.ValidateToken(r.Context(), strings.TrimSpace(header[7:]))
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return nil, false
	}
	acc, err := h.Accounts.GetByID(r.Context(), accountID)
	if err != nil {
		http.Error(w, `{"error":"account not found"}`, http.StatusUnauthorized)
		return nil, false
	}
	return acc, true
}
