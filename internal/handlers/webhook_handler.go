package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/photogen/backend/internal/prediction"
)

// CallbackApplier applies a terminal job state reported by the prediction
// service.
type CallbackApplier interface {
	HandleCallback(ctx context.Context, state prediction.JobState) error
}

// WebhookHandler serves POST /v1/webhooks/prediction, the status callback the
// prediction service delivers for long-running jobs.
type WebhookHandler struct {
	Orchestrator CallbackApplier
	Secret       string
	Logger       *slog.Logger
}

type webhookPayload struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Secret == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Secret")), []byte(h.Secret)) != 1 {
		http.Error(w, `{"error":"invalid webhook secret"}`, http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if payload.ID == "" {
		http.Error(w, `{"error":"missing job id"}`, http.StatusBadRequest)
		return
	}

	state := prediction.JobState{Handle: payload.ID, Status: payload.Status, Error: payload.Error}
	if len(payload.Output) > 0 {
		state.OutputURL = payload.Output[0]
	}

	if err := h.Orchestrator.HandleCallback(r.Context(), state); err != nil {
		h.Logger.Error("apply webhook", "job_handle", payload.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
