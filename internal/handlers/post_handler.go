package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/photogen/backend/internal/generation"
	"github.com/photogen/backend/internal/middleware"
	"github.com/photogen/backend/internal/models"
	"github.com/photogen/backend/internal/prompt"
	"github.com/photogen/backend/internal/services"
)

// PostRepoForHandler is the subset of the post repository the handler needs.
type PostRepoForHandler interface {
	Create(ctx context.Context, p *models.Post) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Post, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Post, error)
}

// Generator abstracts the orchestrator for tests.
type Generator interface {
	Generate(ctx context.Context, accountID, postID uuid.UUID, req generation.Request) (*generation.Result, error)
	GenerateAsync(ctx context.Context, accountID, postID uuid.UUID, req generation.Request) (*generation.Result, error)
}

// PostHandler serves /v1/posts endpoints.
type PostHandler struct {
	Posts     PostRepoForHandler
	Generator Generator
	Validator *services.Validator
	Logger    *slog.Logger
}

// --- POST /v1/posts ---

type createPostRequest struct {
	Title string `json:"title"`
}

func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, `{"error":"title is required"}`, http.StatusBadRequest)
		return
	}
	post := &models.Post{
		ID:        uuid.New(),
		AccountID: acc.ID,
		Title:     req.Title,
		Status:    models.PostStatusPending,
	}
	if err := h.Posts.Create(r.Context(), post); err != nil {
		h.Logger.Error("create post", "error", err)
		http.Error(w, `{"error":"failed to create post"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// --- POST /v1/posts/{id}/generate ---

// Generation modes. Sync blocks the request for up to the poll budget and
// returns the final result; async returns 202 and the client polls the post.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

type generateRequest struct {
	Mode    string          `json:"mode"`
	Variant string          `json:"variant"`
	Params  json.RawMessage `json:"params"`
}

type generateParams struct {
	Prompt struct {
		Subject string `json:"subject"`
		Scene   string `json:"scene"`
		Style   string `json:"style"`
		Extra   string `json:"extra"`
	} `json:"prompt"`
	ImageInputs   []string `json:"image_inputs"`
	AspectRatio   string   `json:"aspect_ratio"`
	Resolution    string   `json:"resolution"`
	OutputFormat  string   `json:"output_format"`
	SafetyLevel   string   `json:"safety_level"`
	GuidanceScale float64  `json:"guidance_scale"`
	Steps         int      `json:"steps"`
	Seed          *int64   `json:"seed"`
}

// GeneratePost handles POST /v1/posts/{id}/generate.
// Auth -> CreditGuard (via middleware) -> Validate Params -> Orchestrate.
func (h *PostHandler) GeneratePost(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	postID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid post id"}`, http.StatusBadRequest)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = ModeSync
	}
	if req.Mode != ModeSync && req.Mode != ModeAsync {
		http.Error(w, `{"error":"mode must be sync or async"}`, http.StatusBadRequest)
		return
	}

	if err := h.Validator.ValidateParams(req.Variant, req.Params); err != nil {
		if errors.Is(err, services.ErrValidation) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		h.Logger.Error("validate params", "error", err)
		http.Error(w, `{"error":"param validation failed"}`, http.StatusBadRequest)
		return
	}

	genReq, err := buildGenerationRequest(req.Variant, req.Params)
	if err != nil {
		http.Error(w, `{"error":"invalid params"}`, http.StatusBadRequest)
		return
	}

	var result *generation.Result
	if req.Mode == ModeAsync {
		result, err = h.Generator.GenerateAsync(r.Context(), acc.ID, postID, genReq)
	} else {
		result, err = h.Generator.Generate(r.Context(), acc.ID, postID, genReq)
	}
	if err != nil {
		h.writeGenerationError(w, postID, err)
		return
	}

	status := http.StatusOK
	if req.Mode == ModeAsync {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (h *PostHandler) writeGenerationError(w http.ResponseWriter, postID uuid.UUID, err error) {
	switch {
	case errors.Is(err, generation.ErrPostNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "post not found"})
	case errors.Is(err, generation.ErrNotOwner):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "post does not belong to caller"})
	case errors.Is(err, generation.ErrPreconditionNotMet):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, generation.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient credits"})
	case errors.Is(err, generation.ErrSubmissionFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "submission failed, credit refunded"})
	case errors.Is(err, generation.ErrGenerationTimedOut):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "generation timed out, credit refunded"})
	case errors.Is(err, generation.ErrGenerationFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "generation failed, credit refunded"})
	case errors.Is(err, generation.ErrSuperseded):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "superseded by a newer request, credit refunded"})
	default:
		h.Logger.Error("generate", "post_id", postID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// --- GET /v1/posts/{id} ---

func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	postID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid post id"}`, http.StatusBadRequest)
		return
	}
	post, err := h.Posts.GetByID(r.Context(), postID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"post not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get post", "post_id", postID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if post.AccountID != acc.ID {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// --- GET /v1/posts ---

func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	posts, err := h.Posts.ListByAccountID(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("list posts", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// --- helpers ---

func buildGenerationRequest(variant string, raw json.RawMessage) (generation.Request, error) {
	var p generateParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return generation.Request{}, err
		}
	}
	req := generation.Request{
		Variant: variant,
		Prompt: prompt.Request{
			Variant: variant,
			Subject: p.Prompt.Subject,
			Scene:   p.Prompt.Scene,
			Style:   p.Prompt.Style,
			Extra:   p.Prompt.Extra,
		},
		ImageInputs:   p.ImageInputs,
		AspectRatio:   defaultStr(p.AspectRatio, "1:1"),
		Resolution:    defaultStr(p.Resolution, "1024"),
		OutputFormat:  defaultStr(p.OutputFormat, "png"),
		SafetyLevel:   defaultStr(p.SafetyLevel, "standard"),
		GuidanceScale: p.GuidanceScale,
		Steps:         p.Steps,
		Seed:          p.Seed,
	}
	if variant == models.VariantClassic {
		if req.GuidanceScale == 0 {
			req.GuidanceScale = 3.5
		}
		if req.Steps == 0 {
			req.Steps = 28
		}
	}
	return req, nil
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
