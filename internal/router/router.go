package router

import (
	"net/http"

	"github.com/photogen/backend/internal/auth"
	"github.com/photogen/backend/internal/handlers"
)

// New returns an http.Handler serving the dashboard API under /api/v1.
func New(authHandler *auth.Handler, dashHandler *handlers.DashboardHandler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	mux.HandleFunc("POST "+base+"/auth/register", authHandler.Register)
	mux.HandleFunc("POST "+base+"/auth/login", authHandler.Login)
	mux.HandleFunc("GET "+base+"/account/me", dashHandler.GetMe)
	mux.HandleFunc("GET "+base+"/credit-ledger", dashHandler.ListCreditLedger)
	return mux
}
