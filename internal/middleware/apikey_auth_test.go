package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/photogen/backend/internal/models"
)

type mockLookup struct {
	byHash map[string]*models.Account
}

func (m *mockLookup) GetByAPIKeyHash(_ context.Context, keyHash string) (*models.Account, error) {
	acc, ok := m.byHash[keyHash]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return acc, nil
}

func TestAPIKeyAuth(t *testing.T) {
	account := &models.Account{ID: uuid.New(), Email: "dev@example.com"}
	rawKey := "pg_" + uuid.NewString()
	lookup := &mockLookup{byHash: map[string]*models.Account{HashKey(rawKey): account}}

	var seen *models.Account
	handler := APIKeyAuth(lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AccountFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name       string
		authHeader string
		wantStatus int
		wantSeen   bool
	}{
		{"valid key", "Bearer " + rawKey, http.StatusOK, true},
		{"case-insensitive scheme", "bearer " + rawKey, http.StatusOK, true},
		{"wrong key", "Bearer pg_nope", http.StatusUnauthorized, false},
		{"missing header", "", http.StatusUnauthorized, false},
		{"malformed header", "Basic abc", http.StatusUnauthorized, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/v1/posts", nil)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantSeen {
				if seen == nil || seen.ID != account.ID {
					t.Error("handler should see the authenticated account in context")
				}
			} else if seen != nil {
				t.Error("handler must not run for rejected requests")
			}
		})
	}
}

func TestAccountFromCtx_Empty(t *testing.T) {
	if acc := AccountFromCtx(context.Background()); acc != nil {
		t.Errorf("expected nil account, got %+v", acc)
	}
}
