package generation

import (
	"context"
	"log/slog"
	"time"

	"github.com/photogen/backend/internal/models"
)

// ReconcilerCreditStore lists reservations the sweep needs to inspect.
type ReconcilerCreditStore interface {
	ListStaleTempReservations(ctx context.Context, olderThan time.Duration) ([]*models.CreditTransaction, error)
}

// ReconcilerPostStore lists posts stuck in generating past the poll budget.
type ReconcilerPostStore interface {
	ListStuckGenerating(ctx context.Context, olderThan time.Duration) ([]*models.Post, error)
}

// Reconciler is the periodic sweep that guarantees credits are never silently
// lost: reservations that never reached the prediction service (crash between
// reserve and submit) and posts stuck in generating past the poll budget are
// refunded and failed. Refund idempotency makes overlap with a slow in-flight
// poller or a late webhook harmless.
type Reconciler struct {
	Credits   ReconcilerCreditStore
	Posts     PostStore
	StuckScan ReconcilerPostStore
	Ledger    Ledger
	OlderThan time.Duration
	Logger    *slog.Logger
}

func NewReconciler(credits ReconcilerCreditStore, posts PostStore, stuckScan ReconcilerPostStore, ledgerSvc Ledger, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		Credits:   credits,
		Posts:     posts,
		StuckScan: stuckScan,
		Ledger:    ledgerSvc,
		OlderThan: DefaultSweepAge,
		Logger:    logger,
	}
}

// DefaultSweepAge is how old a reservation or in-flight record must be before
// the sweep touches it: comfortably past the 5-minute poll budget.
const DefaultSweepAge = 10 * time.Minute

// Sweep runs one reconciliation pass. Errors on individual records are logged
// and skipped so one bad row cannot wedge the sweep.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.sweepOrphanedReservations(ctx)
	r.sweepStuckPosts(ctx)
}

// sweepOrphanedReservations refunds deductions whose reference id was never
// rewritten to a job handle: the process died after reserving, before (or
// during) submission, so no job exists to resolve them.
func (r *Reconciler) sweepOrphanedReservations(ctx context.Context) {
	stale, err := r.Credits.ListStaleTempReservations(ctx, r.OlderThan)
	if err != nil {
		r.Logger.Error("reconciler: list stale reservations", "error", err)
		return
	}
	for _, t := range stale {
		refunded, err := r.Ledger.Refund(ctx, t.AccountID, -t.Amount, "orphaned reservation sweep", t.ReferenceID)
		if err != nil {
			r.Logger.Error("reconciler: refund orphaned reservation", "reference_id", t.ReferenceID, "error", err)
			continue
		}
		if refunded {
			r.Logger.Info("reconciler: orphaned reservation refunded", "account_id", t.AccountID, "reference_id", t.ReferenceID, "amount", -t.Amount)
		}
	}
}

// sweepStuckPosts fails and refunds posts that out-lived the poll budget with
// no terminal status, e.g. when the process polling them died.
func (r *Reconciler) sweepStuckPosts(ctx context.Context) {
	stuck, err := r.StuckScan.ListStuckGenerating(ctx, r.OlderThan)
	if err != nil {
		r.Logger.Error("reconciler: list stuck posts", "error", err)
		return
	}
	for _, p := range stuck {
		refunded := false
		if p.JobHandle != nil {
			// Money moves only for posts that reached submission; a claimed
			// post with no handle still carries its placeholder reference,
			// which the reservation sweep refunds.
			var err error
			refunded, err = r.Ledger.Refund(ctx, p.AccountID, p.CreditCost, "stuck generation sweep", *p.JobHandle)
			if err != nil {
				r.Logger.Error("reconciler: refund stuck post", "post_id", p.ID, "error", err)
				continue
			}
		}
		ok, err := r.Posts.FailIfVersion(ctx, p.ID, p.GenerationVersion, "abandoned by sweep")
		if err != nil {
			r.Logger.Error("reconciler: fail stuck post", "post_id", p.ID, "error", err)
			continue
		}
		r.Logger.Info("reconciler: stuck generation settled", "post_id", p.ID, "refunded", refunded, "failed", ok)
	}
}
