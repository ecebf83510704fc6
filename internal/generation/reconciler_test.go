package generation

import (
	"context"
	"testing"
	"time"

	"github.com/photogen/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockStaleCredits struct {
	stale []*models.CreditTransaction
}

func (m *mockStaleCredits) ListStaleTempReservations(context.Context, time.Duration) ([]*models.CreditTransaction, error) {
	return m.stale, nil
}

// mockStuckScan serves ListStuckGenerating from the shared post mock.
type mockStuckScan struct {
	posts *mockPosts
}

func (m *mockStuckScan) ListStuckGenerating(context.Context, time.Duration) ([]*models.Post, error) {
	m.posts.mu.Lock()
	defer m.posts.mu.Unlock()
	var out []*models.Post
	for _, p := range m.posts.posts {
		if p.Status == models.PostStatusGenerating {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// 1. TestSweep_OrphanedReservation
//    A crash between reserve and submit leaves a deduction under its
//    placeholder reference. The sweep refunds it exactly once.
// ---------------------------------------------------------------------------

func TestSweep_OrphanedReservation(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()

	ref := models.NewTempReferenceID()
	if _, err := f.ledger.ReserveAndDeduct(ctx, noopTx{}, f.accountID, 2, models.CreditKindImage, "", ref); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	credits := &mockStaleCredits{stale: []*models.CreditTransaction{{
		AccountID:   f.accountID,
		Amount:      -2,
		Kind:        models.CreditKindImage,
		ReferenceID: ref,
	}}}
	r := NewReconciler(credits, f.posts, &mockStuckScan{posts: f.posts}, f.ledger, testLogger())

	r.Sweep(ctx)
	if got := f.ledger.currentBalance(); got != 3 {
		t.Errorf("balance after sweep: got %d, want 3", got)
	}
	if n := f.ledger.refundCount(); n != 1 {
		t.Errorf("refund entries: got %d, want 1", n)
	}

	// Sweeps overlap in production; a second pass must be a no-op.
	r.Sweep(ctx)
	if got := f.ledger.currentBalance(); got != 3 {
		t.Errorf("balance after second sweep: got %d, want 3", got)
	}
	if n := f.ledger.refundCount(); n != 1 {
		t.Errorf("refund entries after second sweep: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 2. TestSweep_StuckPost
//    A post stuck in generating with a persisted handle is refunded under
//    that handle and marked failed.
// ---------------------------------------------------------------------------

func TestSweep_StuckPost(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()

	version, err := f.posts.ClaimGeneration(ctx, noopTx{}, f.postID, "prompt", 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.ledger.ReserveAndDeduct(ctx, noopTx{}, f.accountID, 2, models.CreditKindImage, "", testHandle); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok, _ := f.posts.SetJobHandle(ctx, f.postID, version, testHandle); !ok {
		t.Fatal("set handle")
	}

	r := NewReconciler(&mockStaleCredits{}, f.posts, &mockStuckScan{posts: f.posts}, f.ledger, testLogger())
	r.Sweep(ctx)

	if got := f.ledger.currentBalance(); got != 3 {
		t.Errorf("balance after sweep: got %d, want 3", got)
	}
	post := f.posts.get(f.postID)
	if post.Status != models.PostStatusFailed {
		t.Errorf("post status: got %q, want failed", post.Status)
	}

	// A late poller unwind for the same handle must not refund again.
	fl := &flight{postID: f.postID, accountID: f.accountID, version: version, cost: 2, reference: testHandle}
	if err := f.orch.unwind(ctx, fl, "timed out waiting for result"); err != nil {
		t.Fatalf("late unwind: %v", err)
	}
	if got := f.ledger.currentBalance(); got != 3 {
		t.Errorf("balance after late unwind: got %d, want 3", got)
	}
	if n := f.ledger.refundCount(); n != 1 {
		t.Errorf("refund entries: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 3. TestSweep_StuckPostWithoutHandle
//    A claimed post whose submission never happened has no handle; its money
//    is the placeholder reservation, which the other sweep refunds. The post
//    sweep must only fail the record, not refund it.
// ---------------------------------------------------------------------------

func TestSweep_StuckPostWithoutHandle(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()

	if _, err := f.posts.ClaimGeneration(ctx, noopTx{}, f.postID, "prompt", 2); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.ledger.ReserveAndDeduct(ctx, noopTx{}, f.accountID, 2, models.CreditKindImage, "", models.NewTempReferenceID()); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	r := NewReconciler(&mockStaleCredits{}, f.posts, &mockStuckScan{posts: f.posts}, f.ledger, testLogger())
	r.Sweep(ctx)

	// No refund from the post sweep: the reservation sweep owns that money.
	if n := f.ledger.refundCount(); n != 0 {
		t.Errorf("refund entries: got %d, want 0", n)
	}
	if post := f.posts.get(f.postID); post.Status != models.PostStatusFailed {
		t.Errorf("post status: got %q, want failed", post.Status)
	}
}
