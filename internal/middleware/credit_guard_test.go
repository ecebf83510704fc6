package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photogen/backend/internal/models"
)

func intPtr(n int) *int { return &n }

func guardedRequest(t *testing.T, acc *models.Account, body string) (*httptest.ResponseRecorder, string) {
	t.Helper()

	var seenVariant string
	var seenBody string
	handler := CreditGuard(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenVariant = VariantFromCtx(r.Context())
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/posts/x/generate", strings.NewReader(body))
	if acc != nil {
		req = req.WithContext(WithAccount(req.Context(), acc))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		if seenBody != body {
			t.Errorf("handler body: got %q, want %q (guard must restore the body)", seenBody, body)
		}
		return rec, seenVariant
	}
	return rec, ""
}

func TestCreditGuard_AllowsKnownVariant(t *testing.T) {
	acc := &models.Account{ID: uuid.New()}
	rec, variant := guardedRequest(t, acc, `{"variant":"pro","params":{}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if variant != "pro" {
		t.Errorf("variant in context: got %q, want pro", variant)
	}
}

func TestCreditGuard_RejectsUnknownVariant(t *testing.T) {
	acc := &models.Account{ID: uuid.New()}
	rec, _ := guardedRequest(t, acc, `{"variant":"cinematic"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", rec.Code)
	}
}

func TestCreditGuard_RejectsInvalidJSON(t *testing.T) {
	acc := &models.Account{ID: uuid.New()}
	rec, _ := guardedRequest(t, acc, `{"variant":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

func TestCreditGuard_RequiresAuth(t *testing.T) {
	rec, _ := guardedRequest(t, nil, `{"variant":"pro"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
}

func TestCreditGuard_DailyCap(t *testing.T) {
	orig := dailySpendFn
	t.Cleanup(func() { dailySpendFn = orig })

	spent := 0
	dailySpendFn = func(context.Context, *pgxpool.Pool, uuid.UUID) (int, error) {
		return spent, nil
	}

	acc := &models.Account{ID: uuid.New(), MaxPerDay: intPtr(3)}

	// 2 spent + pro (2) exceeds the cap of 3.
	spent = 2
	rec, _ := guardedRequest(t, acc, `{"variant":"pro"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("over cap: status got %d, want 403", rec.Code)
	}

	// 2 spent + classic (1) just fits.
	rec, _ = guardedRequest(t, acc, `{"variant":"classic"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("at cap: status got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	// No cap set: any spend passes.
	spent = 1000
	uncapped := &models.Account{ID: uuid.New()}
	rec, _ = guardedRequest(t, uncapped, `{"variant":"pro"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("uncapped: status got %d, want 200", rec.Code)
	}
}
