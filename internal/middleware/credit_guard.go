package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photogen/backend/internal/generation"
)

const ctxVariantKey contextKey = "parsed_variant"

// parsedGenerate is stored in context so the handler can read the variant
// without re-parsing the body.
type parsedGenerate struct {
	Variant string `json:"variant"`
}

// VariantFromCtx returns the variant parsed by CreditGuard, or "".
func VariantFromCtx(ctx context.Context) string {
	if g, ok := ctx.Value(ctxVariantKey).(*parsedGenerate); ok {
		return g.Variant
	}
	return ""
}

// CreditGuard rejects generation requests early: unknown variants, and
// accounts whose per-day cap would be exceeded. Reads the body to extract
// "variant", then replaces r.Body so downstream handlers can re-read it.
// The authoritative balance check still happens inside the ledger.
func CreditGuard(pool *pgxpool.Pool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acc := AccountFromCtx(r.Context())
			if acc == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek parsedGenerate
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}

			cost := generation.CostForVariant(peek.Variant)
			if cost == 0 {
				http.Error(w, fmt.Sprintf(`{"error":"variant %q is not allowed"}`, peek.Variant), http.StatusForbidden)
				return
			}

			if acc.MaxPerDay != nil {
				spent, err := dailySpendFn(r.Context(), pool, acc.ID)
				if err != nil {
					http.Error(w, `{"error":"failed to check daily spend"}`, http.StatusInternalServerError)
					return
				}
				if spent+cost > *acc.MaxPerDay {
					http.Error(w, fmt.Sprintf(`{"error":"daily spend %d + cost %d exceeds daily limit %d"}`, spent, cost, *acc.MaxPerDay), http.StatusForbidden)
					return
				}
			}

			ctx := context.WithValue(r.Context(), ctxVariantKey, &peek)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// dailySpendFn is the function used to compute today's spend.
// Tests can replace this to avoid hitting a real database.
var dailySpendFn = defaultDailySpend

// defaultDailySpend sums today's (UTC) generation deductions net of refunds.
func defaultDailySpend(ctx context.Context, pool *pgxpool.Pool, accountID uuid.UUID) (int, error) {
	var total int
	err := pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0)
		FROM credit_transactions
		WHERE account_id = $1 AND kind IN ('image', 'training', 'refund')
		  AND created_at >= CURRENT_DATE
	`, accountID).Scan(&total)
	return total, err
}
