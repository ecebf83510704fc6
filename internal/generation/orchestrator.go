package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/photogen/backend/internal/ledger"
	"github.com/photogen/backend/internal/models"
	"github.com/photogen/backend/internal/prediction"
	"github.com/photogen/backend/internal/prompt"
)

// Credit cost per generation variant.
const (
	CreditCostClassic = 1
	CreditCostPro     = 2
)

// CostForVariant returns the credit cost of a variant, or 0 for unknown ones.
func CostForVariant(variant string) int {
	switch variant {
	case models.VariantClassic:
		return CreditCostClassic
	case models.VariantPro:
		return CreditCostPro
	default:
		return 0
	}
}

// Ledger is the credit-ledger surface the orchestrator drives.
type Ledger interface {
	ReserveAndDeduct(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, kind, description, referenceID string) (int, error)
	Refund(ctx context.Context, accountID uuid.UUID, amount int, description, referenceID string) (bool, error)
	RewriteReferenceID(ctx context.Context, accountID uuid.UUID, oldRef, newRef string) error
}

// PostStore is the owning-record repository surface the orchestrator needs.
// Every finalize/fail write is version-checked so a superseded run can never
// clobber a newer one.
type PostStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Post, error)
	GetByJobHandle(ctx context.Context, handle string) (*models.Post, error)
	ClaimGeneration(ctx context.Context, tx pgx.Tx, id uuid.UUID, prompt string, creditCost int) (int, error)
	SetJobHandle(ctx context.Context, id uuid.UUID, version int, handle string) (bool, error)
	CompleteIfVersion(ctx context.Context, id uuid.UUID, version int, resultURL string) (bool, error)
	FailIfVersion(ctx context.Context, id uuid.UUID, version int, reason string) (bool, error)
}

// ModelStore resolves the trained model a classic generation requires.
type ModelStore interface {
	GetReadyByAccountID(ctx context.Context, accountID uuid.UUID) (*models.TrainedModel, error)
}

// JobPoller tracks a submitted job to a terminal state or timeout.
type JobPoller interface {
	Poll(ctx context.Context, handle string) (prediction.PollResult, error)
}

// ResultFinalizer re-persists a completed job's output to durable storage.
type ResultFinalizer interface {
	Finalize(ctx context.Context, postID uuid.UUID, sourceURL string) (string, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EnqueueGenerateTxFunc inserts a background generation job within the given
// transaction. Provided by main using river.Client.InsertTx.
type EnqueueGenerateTxFunc func(ctx context.Context, tx pgx.Tx, args GenerateJobArgs) error

// Request carries everything a generation needs besides the owning record.
type Request struct {
	Variant      string
	Prompt       prompt.Request
	ImageInputs  []string
	AspectRatio  string
	Resolution   string
	OutputFormat string
	SafetyLevel  string

	GuidanceScale float64
	Steps         int
	Seed          *int64
}

// Result is what a synchronous generation returns to the caller.
type Result struct {
	PostID    uuid.UUID `json:"post_id"`
	Status    string    `json:"status"`
	JobHandle string    `json:"job_handle,omitempty"`
	ResultURL string    `json:"result_url,omitempty"`
}

// Orchestrator sequences eligibility check, credit reservation, submission,
// tracking, and finalization/unwind. It is the only component that touches
// both the ledger and the job tracker.
type Orchestrator struct {
	DB        TxBeginner
	Posts     PostStore
	Models    ModelStore
	Ledger    Ledger
	Assembler prompt.Assembler
	Client    prediction.Client
	Poller    JobPoller
	Finalizer ResultFinalizer
	EnqueueTx EnqueueGenerateTxFunc
	Logger    *slog.Logger
}

func NewOrchestrator(
	db TxBeginner,
	posts PostStore,
	modelStore ModelStore,
	ledgerSvc Ledger,
	assembler prompt.Assembler,
	client prediction.Client,
	poller JobPoller,
	finalizer ResultFinalizer,
	enqueueTx EnqueueGenerateTxFunc,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		DB:        db,
		Posts:     posts,
		Models:    modelStore,
		Ledger:    ledgerSvc,
		Assembler: assembler,
		Client:    client,
		Poller:    poller,
		Finalizer: finalizer,
		EnqueueTx: enqueueTx,
		Logger:    logger,
	}
}

// flight is one claimed generation attempt: the reservation plus the version
// token that guards every subsequent write.
type flight struct {
	postID    uuid.UUID
	accountID uuid.UUID
	version   int
	cost      int
	reference string
	params    prediction.SubmitParams
	variant   string
}

// Generate runs the whole state machine synchronously: the caller blocks
// until a durable result URL exists or a typed error is returned. Any credit
// reserved along the way has been refunded before an error surfaces.
func (o *Orchestrator) Generate(ctx context.Context, accountID, postID uuid.UUID, req Request) (*Result, error) {
	fl, err := o.begin(ctx, accountID, postID, req, nil)
	if err != nil {
		return nil, err
	}

	handle, err := o.submit(ctx, fl)
	if err != nil {
		return nil, err
	}
	fl.reference = handle

	return o.track(ctx, fl, handle)
}

// GenerateAsync reserves credits, claims the post, and enqueues the
// submission/tracking work on the background queue, all in one transaction.
// The caller gets `generating` back immediately and polls the post for the
// outcome.
func (o *Orchestrator) GenerateAsync(ctx context.Context, accountID, postID uuid.UUID, req Request) (*Result, error) {
	if o.EnqueueTx == nil {
		return nil, fmt.Errorf("async generation not configured")
	}
	fl, err := o.begin(ctx, accountID, postID, req, func(ctx context.Context, tx pgx.Tx, fl *flight) error {
		return o.EnqueueTx(ctx, tx, GenerateJobArgs{
			PostID:      fl.postID,
			AccountID:   fl.accountID,
			Version:     fl.version,
			Variant:     fl.variant,
			CreditCost:  fl.cost,
			ReferenceID: fl.reference,
			Params:      fl.params,
		})
	})
	if err != nil {
		return nil, err
	}
	return &Result{PostID: fl.postID, Status: models.PostStatusGenerating}, nil
}

// begin performs Idle → EligibilityChecked → CreditsReserved: ownership and
// precondition checks (no credit touched on failure), then the reservation
// and the in-flight post write in one transaction. extra, when set, joins
// that same transaction (async enqueue).
func (o *Orchestrator) begin(ctx context.Context, accountID, postID uuid.UUID, req Request, extra func(context.Context, pgx.Tx, *flight) error) (*flight, error) {
	post, err := o.Posts.GetByID(ctx, postID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	if post.AccountID != accountID {
		return nil, ErrNotOwner
	}

	cost := CostForVariant(req.Variant)
	if cost == 0 {
		return nil, fmt.Errorf("%w: unknown variant %q", ErrPreconditionNotMet, req.Variant)
	}

	params := prediction.SubmitParams{
		ImageInputs:   req.ImageInputs,
		AspectRatio:   req.AspectRatio,
		Resolution:    req.Resolution,
		OutputFormat:  req.OutputFormat,
		SafetyLevel:   req.SafetyLevel,
		GuidanceScale: req.GuidanceScale,
		Steps:         req.Steps,
		Seed:          req.Seed,
	}

	switch req.Variant {
	case models.VariantClassic:
		model, err := o.Models.GetReadyByAccountID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if model == nil {
			return nil, fmt.Errorf("%w: no trained model ready", ErrPreconditionNotMet)
		}
		params.LoRAWeightsURL = model.WeightsURL
	case models.VariantPro:
		if len(req.ImageInputs) == 0 {
			return nil, fmt.Errorf("%w: at least one reference image required", ErrPreconditionNotMet)
		}
	}

	finalPrompt, err := o.Assembler.Assemble(ctx, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreconditionNotMet, err)
	}
	params.Prompt = finalPrompt

	fl := &flight{
		postID:    postID,
		accountID: accountID,
		cost:      cost,
		reference: models.NewTempReferenceID(),
		params:    params,
		variant:   req.Variant,
	}

	tx, err := o.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	desc := fmt.Sprintf("%s generation for post %s", req.Variant, postID)
	if _, err := o.Ledger.ReserveAndDeduct(ctx, tx, accountID, cost, models.CreditKindImage, desc, fl.reference); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, ErrInsufficientCredits
		}
		return nil, err
	}

	fl.version, err = o.Posts.ClaimGeneration(ctx, tx, postID, finalPrompt, cost)
	if err != nil {
		return nil, err
	}

	if extra != nil {
		if err := extra(ctx, tx, fl); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return fl, nil
}

// submit performs CreditsReserved → Submitted. On failure the reservation is
// refunded under the temporary reference and the post marked failed; no
// in-flight handle is ever persisted.
func (o *Orchestrator) submit(ctx context.Context, fl *flight) (string, error) {
	handle, err := o.Client.Submit(ctx, fl.variant, fl.params)
	if err != nil {
		o.Logger.Warn("submission failed", "post_id", fl.postID, "error", err)
		if uerr := o.unwind(ctx, fl, "submission failed"); uerr != nil {
			return "", uerr
		}
		return "", fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	ok, err := o.Posts.SetJobHandle(ctx, fl.postID, fl.version, handle)
	if err != nil {
		return "", err
	}
	if !ok {
		// A newer request claimed the slot while we were submitting.
		// Release our reservation; the winner's flight is untouched.
		o.Logger.Warn("generation superseded before handle persisted", "post_id", fl.postID, "job_handle", handle)
		if uerr := o.refund(ctx, fl, "superseded before start"); uerr != nil {
			return "", uerr
		}
		return "", ErrSuperseded
	}

	if err := o.Ledger.RewriteReferenceID(ctx, fl.accountID, fl.reference, handle); err != nil {
		// The deduction must not survive under its placeholder: a later
		// failure would refund under the handle while the reservation sweep
		// refunds the orphaned placeholder, crediting the account twice.
		// Settle the whole flight under the placeholder instead.
		o.Logger.Error("rewrite reference id failed", "post_id", fl.postID, "job_handle", handle, "error", err)
		if uerr := o.unwind(ctx, fl, "reservation rebind failed"); uerr != nil {
			return "", uerr
		}
		return "", fmt.Errorf("%w: rebind reservation: %v", ErrSubmissionFailed, err)
	}
	return handle, nil
}

// track performs Submitted → Polling → terminal.
func (o *Orchestrator) track(ctx context.Context, fl *flight, handle string) (*Result, error) {
	res, err := o.Poller.Poll(ctx, handle)
	if err != nil {
		if ctx.Err() != nil {
			// Caller went away mid-poll. Settle the flight now instead of
			// leaving it for the reconciliation sweep.
			if uerr := o.unwind(context.WithoutCancel(ctx), fl, "request cancelled while polling"); uerr != nil {
				o.Logger.Error("unwind after cancellation failed", "post_id", fl.postID, "error", uerr)
			}
		}
		return nil, err
	}
	if res.TimedOut {
		if uerr := o.unwind(ctx, fl, "timed out waiting for result"); uerr != nil {
			return nil, uerr
		}
		return nil, ErrGenerationTimedOut
	}
	return o.finish(ctx, fl, res.State)
}

// finish applies a terminal job state: finalize the asset on success, refund
// and fail otherwise. Shared by the sync path, the background worker, and the
// webhook handler.
func (o *Orchestrator) finish(ctx context.Context, fl *flight, state prediction.JobState) (*Result, error) {
	if state.Status != prediction.StatusSucceeded || state.OutputURL == "" {
		reason := state.Error
		if reason == "" {
			reason = "prediction service reported failure"
		}
		if uerr := o.unwind(ctx, fl, reason); uerr != nil {
			return nil, uerr
		}
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, reason)
	}

	durableURL, err := o.Finalizer.Finalize(ctx, fl.postID, state.OutputURL)
	if err != nil {
		o.Logger.Error("finalize failed", "post_id", fl.postID, "job_handle", state.Handle, "error", err)
		if uerr := o.unwind(ctx, fl, "result capture failed"); uerr != nil {
			return nil, uerr
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	ok, err := o.Posts.CompleteIfVersion(ctx, fl.postID, fl.version, durableURL)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The CAS loser is either a duplicate completion of this same run
		// (sync poller vs webhook, or a re-delivered webhook) or a genuinely
		// superseded one. Only the latter releases the reservation: refunding
		// a run whose result the user keeps would hand the credit back too.
		post, perr := o.Posts.GetByID(ctx, fl.postID)
		if perr != nil {
			return nil, perr
		}
		if post.GenerationVersion == fl.version && post.Status == models.PostStatusCompleted {
			o.Logger.Info("duplicate completion ignored", "post_id", fl.postID, "job_handle", state.Handle)
			res := &Result{PostID: fl.postID, Status: models.PostStatusCompleted, JobHandle: state.Handle}
			if post.ResultURL != nil {
				res.ResultURL = *post.ResultURL
			}
			return res, nil
		}
		o.Logger.Warn("stale finalize rejected", "post_id", fl.postID, "job_handle", state.Handle, "version", fl.version)
		if uerr := o.refund(ctx, fl, "superseded before finalize"); uerr != nil {
			return nil, uerr
		}
		return nil, ErrSuperseded
	}

	o.Logger.Info("generation completed", "post_id", fl.postID, "job_handle", state.Handle)
	return &Result{
		PostID:    fl.postID,
		Status:    models.PostStatusCompleted,
		JobHandle: state.Handle,
		ResultURL: durableURL,
	}, nil
}

// HandleCallback applies a webhook-delivered terminal status to the post the
// handle belongs to. Stale or unknown callbacks are dropped; the version
// checks and refund idempotency make a late callback after sweep or
// supersession harmless.
func (o *Orchestrator) HandleCallback(ctx context.Context, state prediction.JobState) error {
	if !state.Terminal() {
		return nil
	}
	post, err := o.Posts.GetByJobHandle(ctx, state.Handle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			o.Logger.Warn("callback for unknown job handle", "job_handle", state.Handle)
			return nil
		}
		return err
	}
	if post.Status != models.PostStatusGenerating {
		o.Logger.Info("callback for settled post ignored", "post_id", post.ID, "job_handle", state.Handle, "status", post.Status)
		return nil
	}

	fl := &flight{
		postID:    post.ID,
		accountID: post.AccountID,
		version:   post.GenerationVersion,
		cost:      post.CreditCost,
		reference: state.Handle,
	}
	_, err = o.finish(ctx, fl, state)
	if err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrGenerationFailed) {
		return err
	}
	return nil
}

// unwind refunds the flight's reservation and marks the post failed. The
// refund must land before the failure surfaces to the caller.
func (o *Orchestrator) unwind(ctx context.Context, fl *flight, reason string) error {
	if err := o.refund(ctx, fl, reason); err != nil {
		return err
	}
	ok, err := o.Posts.FailIfVersion(ctx, fl.postID, fl.version, reason)
	if err != nil {
		return err
	}
	if !ok {
		o.Logger.Warn("stale failure write rejected", "post_id", fl.postID, "version", fl.version)
	}
	return nil
}

func (o *Orchestrator) refund(ctx context.Context, fl *flight, reason string) error {
	refunded, err := o.Ledger.Refund(ctx, fl.accountID, fl.cost, reason, fl.reference)
	if err != nil {
		o.Logger.Error("refund failed", "post_id", fl.postID, "reference_id", fl.reference, "error", err)
		return fmt.Errorf("refund for %s: %w", fl.reference, err)
	}
	if !refunded {
		o.Logger.Info("refund already applied", "post_id", fl.postID, "reference_id", fl.reference)
	}
	return nil
}
