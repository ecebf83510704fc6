package generation

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/photogen/backend/internal/models"
	"github.com/photogen/backend/internal/prediction"
)

// GenerateJobArgs is the background-queue payload for an async generation.
// It is inserted transactionally with the credit reservation, so a committed
// reservation always has either a queued job or (after a crash) a stale
// placeholder reference the reconciler can see.
type GenerateJobArgs struct {
	PostID      uuid.UUID               `json:"post_id"`
	AccountID   uuid.UUID               `json:"account_id"`
	Version     int                     `json:"version"`
	Variant     string                  `json:"variant"`
	CreditCost  int                     `json:"credit_cost"`
	ReferenceID string                  `json:"reference_id"`
	Params      prediction.SubmitParams `json:"params"`
}

func (GenerateJobArgs) Kind() string { return "generate_post" }

// GenerateWorker drives a queued generation through submit, poll, and
// finalize/unwind.
type GenerateWorker struct {
	river.WorkerDefaults[GenerateJobArgs]
	orch *Orchestrator
}

func NewGenerateWorker(orch *Orchestrator) *GenerateWorker {
	return &GenerateWorker{orch: orch}
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateJobArgs]) error {
	return w.orch.RunJob(ctx, job.Args)
}

// RunJob executes the post-reservation half of the state machine for a queued
// generation. It is safe to re-run: a superseded or settled post is skipped,
// an already-submitted job resumes at polling, and refunds are idempotent.
func (o *Orchestrator) RunJob(ctx context.Context, args GenerateJobArgs) error {
	post, err := o.Posts.GetByID(ctx, args.PostID)
	if err != nil {
		return err
	}
	if post.GenerationVersion != args.Version || post.Status != models.PostStatusGenerating {
		o.Logger.Info("queued generation skipped", "post_id", args.PostID, "version", args.Version, "status", post.Status)
		return nil
	}

	fl := &flight{
		postID:    args.PostID,
		accountID: args.AccountID,
		version:   args.Version,
		cost:      args.CreditCost,
		reference: args.ReferenceID,
		params:    args.Params,
		variant:   args.Variant,
	}

	handle := ""
	if post.JobHandle != nil {
		handle = *post.JobHandle
		fl.reference = handle
	} else {
		handle, err = o.submit(ctx, fl)
		if err != nil {
			return o.settleWorkerError(err)
		}
		fl.reference = handle
	}

	_, err = o.track(ctx, fl, handle)
	return o.settleWorkerError(err)
}

// settleWorkerError keeps terminal business outcomes out of the queue's retry
// loop: the orchestrator has already refunded and persisted them. Anything
// else (a failed refund, a database error) is returned so the queue retries;
// re-running is safe because of the version and refund guards.
func (o *Orchestrator) settleWorkerError(err error) error {
	switch {
	case err == nil:
		return nil
	case isTerminalGenerationError(err):
		return nil
	default:
		return err
	}
}
