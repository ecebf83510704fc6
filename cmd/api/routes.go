package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photogen/backend/internal/config"
	"github.com/photogen/backend/internal/generation"
	"github.com/photogen/backend/internal/handlers"
	"github.com/photogen/backend/internal/ledger"
	"github.com/photogen/backend/internal/middleware"
	"github.com/photogen/backend/internal/repository"
	"github.com/photogen/backend/internal/services"
)

// RegisterV1Routes mounts the API-key-authenticated programmatic surface plus
// the prediction webhook on the given mux.
func RegisterV1Routes(
	mux *http.ServeMux,
	cfg config.Config,
	pool *pgxpool.Pool,
	accountRepo *repository.AccountRepo,
	creditRepo *repository.CreditRepo,
	postRepo *repository.PostRepo,
	ledgerSvc *ledger.Service,
	orchestrator *generation.Orchestrator,
	validator *services.Validator,
	logger *slog.Logger,
) {
	authMW := middleware.APIKeyAuth(accountRepo)
	guardMW := middleware.CreditGuard(pool)

	postHandler := &handlers.PostHandler{
		Posts:     postRepo,
		Generator: orchestrator,
		Validator: validator,
		Logger:    logger,
	}
	creditHandler := &handlers.CreditHandler{
		Accounts: accountRepo,
		Credits:  creditRepo,
		Ledger:   ledgerSvc,
		Logger:   logger,
	}
	webhookHandler := &handlers.WebhookHandler{
		Orchestrator: orchestrator,
		Secret:       cfg.WebhookSecret,
		Logger:       logger,
	}

	mux.Handle("POST /v1/posts", authMW(http.HandlerFunc(postHandler.CreatePost)))
	mux.Handle("GET /v1/posts", authMW(http.HandlerFunc(postHandler.ListPosts)))
	mux.Handle("GET /v1/posts/{id}", authMW(http.HandlerFunc(postHandler.GetPost)))
	mux.Handle("POST /v1/posts/{id}/generate", authMW(guardMW(http.HandlerFunc(postHandler.GeneratePost))))

	mux.Handle("GET /v1/credits", authMW(http.HandlerFunc(creditHandler.GetCredits)))
	mux.Handle("POST /v1/credits/purchase", authMW(http.HandlerFunc(creditHandler.PurchaseCredits)))

	// Authenticated by shared secret header, not API key.
	mux.HandleFunc("POST /v1/webhooks/prediction", webhookHandler.HandleWebhook)
}
