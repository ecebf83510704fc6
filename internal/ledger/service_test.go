package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/photogen/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for AccountStore and CreditStore.
// These let us test the real Service logic without a database.
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- AccountStore mock ---

type mockAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
}

func newMockAccounts(accs ...*models.Account) *mockAccounts {
	m := &mockAccounts{accounts: make(map[uuid.UUID]*models.Account)}
	for _, a := range accs {
		cp := *a
		m.accounts[a.ID] = &cp
	}
	return m
}

func (m *mockAccounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccounts) DeductBalance(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return 0, fmt.Errorf("account %s not found", id)
	}
	// Mirrors the conditional UPDATE: no row matches when balance < amount.
	if a.Balance < amount {
		return 0, pgx.ErrNoRows
	}
	a.Balance -= amount
	return a.Balance, nil
}

func (m *mockAccounts) AddBalance(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return 0, fmt.Errorf("account %s not found", id)
	}
	a.Balance += amount
	return a.Balance, nil
}

func (m *mockAccounts) AddPurchased(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %s not found", id)
	}
	a.TotalPurchased += amount
	return nil
}

func (m *mockAccounts) balance(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Balance
}

func (m *mockAccounts) purchased(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].TotalPurchased
}

// --- CreditStore mock ---

type mockCredits struct {
	mu      sync.Mutex
	entries []*models.CreditTransaction
}

func (m *mockCredits) CreateTx(_ context.Context, _ pgx.Tx, c *models.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.entries = append(m.entries, &cp)
	return nil
}

// InsertRefundTx mirrors the partial unique index: at most one refund entry
// per reference id.
func (m *mockCredits) InsertRefundTx(_ context.Context, _ pgx.Tx, c *models.CreditTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Kind == models.CreditKindRefund && e.ReferenceID == c.ReferenceID {
			return false, nil
		}
	}
	cp := *c
	cp.Kind = models.CreditKindRefund
	m.entries = append(m.entries, &cp)
	return true, nil
}

func (m *mockCredits) UpdateReferenceID(_ context.Context, accountID uuid.UUID, oldRef, newRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.AccountID == accountID && e.ReferenceID == oldRef && e.Kind != models.CreditKindRefund {
			e.ReferenceID = newRef
		}
	}
	return nil
}

func (m *mockCredits) byKind(kind string) []*models.CreditTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CreditTransaction
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockCredits) sum(accountID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, e := range m.entries {
		if e.AccountID == accountID {
			total += e.Amount
		}
	}
	return total
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func acct(id uuid.UUID, balance int) *models.Account {
	return &models.Account{ID: id, Balance: balance}
}

func newTestService(accounts *mockAccounts, credits *mockCredits) *Service {
	return NewService(mockPool{}, accounts, credits)
}

// ---------------------------------------------------------------------------
// 1. TestReserveAndDeduct
// ---------------------------------------------------------------------------

func TestReserveAndDeduct(t *testing.T) {
	account := uuid.New()
	accounts := newMockAccounts(acct(account, 5))
	credits := &mockCredits{}
	svc := newTestService(accounts, credits)

	ctx := context.Background()
	balance, err := svc.ReserveAndDeduct(ctx, noopTx{}, account, 2, models.CreditKindImage, "pro generation", "res_abc")
	if err != nil {
		t.Fatalf("ReserveAndDeduct: %v", err)
	}
	if balance != 3 {
		t.Errorf("returned balance: got %d, want 3", balance)
	}
	if got := accounts.balance(account); got != 3 {
		t.Errorf("account balance: got %d, want 3", got)
	}

	deductions := credits.byKind(models.CreditKindImage)
	if len(deductions) != 1 {
		t.Fatalf("image entries: got %d, want 1", len(deductions))
	}
	if deductions[0].Amount != -2 {
		t.Errorf("deduction amount: got %d, want -2", deductions[0].Amount)
	}
	if deductions[0].ReferenceID != "res_abc" {
		t.Errorf("deduction reference: got %q, want %q", deductions[0].ReferenceID, "res_abc")
	}
}

// ---------------------------------------------------------------------------
// 2. TestReserveAndDeduct_Insufficient
// ---------------------------------------------------------------------------

func TestReserveAndDeduct_Insufficient(t *testing.T) {
	account := uuid.New()
	accounts := newMockAccounts(acct(account, 1))
	credits := &mockCredits{}
	svc := newTestService(accounts, credits)

	_, err := svc.ReserveAndDeduct(context.Background(), noopTx{}, account, 2, models.CreditKindImage, "pro generation", "res_low")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got: %v", err)
	}

	// Balance untouched and no audit entry written.
	if got := accounts.balance(account); got != 1 {
		t.Errorf("balance after failed reserve: got %d, want 1", got)
	}
	if n := len(credits.byKind(models.CreditKindImage)); n != 0 {
		t.Errorf("expected 0 image entries, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// 3. TestRefund_Idempotent
//    Two refund calls for the same reference credit the account exactly once.
// ---------------------------------------------------------------------------

func TestRefund_Idempotent(t *testing.T) {
	account := uuid.New()
	accounts := newMockAccounts(acct(account, 0))
	credits := &mockCredits{}
	svc := newTestService(accounts, credits)

	ctx := context.Background()
	const ref = "job-xyz"

	refunded, err := svc.Refund(ctx, account, 2, "generation failed", ref)
	if err != nil {
		t.Fatalf("first Refund: %v", err)
	}
	if !refunded {
		t.Fatal("first refund should report refunded=true")
	}
	if got := accounts.balance(account); got != 2 {
		t.Errorf("balance after first refund: got %d, want 2", got)
	}

	// Same reference again: no-op.
	refunded, err = svc.Refund(ctx, account, 2, "timeout sweep", ref)
	if err != nil {
		t.Fatalf("second Refund: %v", err)
	}
	if refunded {
		t.Error("second refund should report refunded=false")
	}
	if got := accounts.balance(account); got != 2 {
		t.Errorf("balance after duplicate refund: got %d, want 2", got)
	}
	if n := len(credits.byKind(models.CreditKindRefund)); n != 1 {
		t.Errorf("refund entries: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 4. TestRewriteReferenceID
//    Placeholder reference swaps to job handle; a later refund keyed by the
//    handle matches, and the placeholder can no longer be refunded twice.
// ---------------------------------------------------------------------------

func TestRewriteReferenceID(t *testing.T) {
	account := uuid.New()
	accounts := newMockAccounts(acct(account, 5))
	credits := &mockCredits{}
	svc := newTestService(accounts, credits)

	ctx := context.Background()
	tempRef := models.NewTempReferenceID()

	if _, err := svc.ReserveAndDeduct(ctx, noopTx{}, account, 1, models.CreditKindImage, "classic generation", tempRef); err != nil {
		t.Fatalf("ReserveAndDeduct: %v", err)
	}
	if err := svc.RewriteReferenceID(ctx, account, tempRef, "job-123"); err != nil {
		t.Fatalf("RewriteReferenceID: %v", err)
	}

	deductions := credits.byKind(models.CreditKindImage)
	if len(deductions) != 1 || deductions[0].ReferenceID != "job-123" {
		t.Fatalf("deduction reference after rewrite: got %q, want %q", deductions[0].ReferenceID, "job-123")
	}

	// Refund keyed by the job handle restores the credit.
	refunded, err := svc.Refund(ctx, account, 1, "generation failed", "job-123")
	if err != nil || !refunded {
		t.Fatalf("Refund by handle: refunded=%v err=%v", refunded, err)
	}
	if got := accounts.balance(account); got != 5 {
		t.Errorf("balance after refund: got %d, want 5", got)
	}
}

// ---------------------------------------------------------------------------
// 5. TestGrant
// ---------------------------------------------------------------------------

func TestGrant(t *testing.T) {
	account := uuid.New()
	accounts := newMockAccounts(acct(account, 0))
	credits := &mockCredits{}
	svc := newTestService(accounts, credits)

	ctx := context.Background()
	balance, err := svc.Grant(ctx, account, 10, models.CreditKindPurchase, "starter pack", "pay_123")
	if err != nil {
		t.Fatalf("Grant purchase: %v", err)
	}
	if balance != 10 {
		t.Errorf("balance after purchase: got %d, want 10", balance)
	}
	if got := accounts.purchased(account); got != 10 {
		t.Errorf("total purchased: got %d, want 10", got)
	}

	// Bonus grants do not bump total_purchased.
	if _, err := svc.Grant(ctx, account, 5, models.CreditKindBonus, "signup bonus", "signup:"+account.String()); err != nil {
		t.Fatalf("Grant bonus: %v", err)
	}
	if got := accounts.purchased(account); got != 10 {
		t.Errorf("total purchased after bonus: got %d, want 10", got)
	}
	if got := accounts.balance(account); got != 15 {
		t.Errorf("balance after bonus: got %d, want 15", got)
	}
}

// ---------------------------------------------------------------------------
// 6. TestLedgerIntegrity
//    After an arbitrary mix of operations, SUM(ledger) == balance.
// ---------------------------------------------------------------------------

func TestLedgerIntegrity(t *testing.T) {
	account := uuid.New()
	accounts := newMockAccounts(acct(account, 0))
	credits := &mockCredits{}
	svc := newTestService(accounts, credits)

	ctx := context.Background()

	if _, err := svc.Grant(ctx, account, 10, models.CreditKindPurchase, "pack", "pay_1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := svc.ReserveAndDeduct(ctx, noopTx{}, account, 2, models.CreditKindImage, "pro", "res_1"); err != nil {
		t.Fatalf("ReserveAndDeduct #1: %v", err)
	}
	if _, err := svc.ReserveAndDeduct(ctx, noopTx{}, account, 1, models.CreditKindImage, "classic", "res_2"); err != nil {
		t.Fatalf("ReserveAndDeduct #2: %v", err)
	}
	if _, err := svc.Refund(ctx, account, 2, "failed", "res_1"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	// Duplicate refund must not disturb the invariant.
	if _, err := svc.Refund(ctx, account, 2, "sweep", "res_1"); err != nil {
		t.Fatalf("duplicate Refund: %v", err)
	}

	if got, want := accounts.balance(account), 9; got != want {
		t.Errorf("balance: got %d, want %d", got, want)
	}
	if got := credits.sum(account); got != accounts.balance(account) {
		t.Errorf("ledger sum %d != balance %d", got, accounts.balance(account))
	}
}
