package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/photogen/backend/internal/models"
)

// ErrInsufficientFunds is returned when the account balance is too low for the
// requested reservation.
var ErrInsufficientFunds = errors.New("insufficient funds")

// AccountStore is the minimal account repository interface the ledger needs.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	DeductBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error)
	AddBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error)
	AddPurchased(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) error
}

// CreditStore is the minimal transaction-log interface the ledger needs.
type CreditStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditTransaction) error
	InsertRefundTx(ctx context.Context, tx pgx.Tx, c *models.CreditTransaction) (inserted bool, err error)
	UpdateReferenceID(ctx context.Context, accountID uuid.UUID, oldRef, newRef string) error
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the single owner of balance mutations. Every deduction and credit
// pairs a conditional row update with an audit transaction in the same pgx
// transaction; calling code never read-modify-writes a balance.
type Service struct {
	DB       TxBeginner
	Accounts AccountStore
	Credits  CreditStore
}

func NewService(db TxBeginner, accounts AccountStore, credits CreditStore) *Service {
	return &Service{DB: db, Accounts: accounts, Credits: credits}
}

// CheckSufficient reports whether the account can afford amount. No side
// effects; the authoritative check happens again inside ReserveAndDeduct.
func (s *Service) CheckSufficient(ctx context.Context, accountID uuid.UUID, amount int) (bool, error) {
	acc, err := s.Accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return acc.Balance >= amount, nil
}

// ReserveAndDeduct deducts amount and records a negative transaction, in the
// caller's pgx transaction. The conditional UPDATE serializes concurrent
// reservations on the same account: it fails with ErrInsufficientFunds rather
// than ever driving the balance negative.
func (s *Service) ReserveAndDeduct(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, kind, description, referenceID string) (int, error) {
	newBalance, err := s.Accounts.DeductBalance(ctx, tx, accountID, amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientFunds
		}
		return 0, err
	}
	entry := &models.CreditTransaction{
		ID:          uuid.New(),
		AccountID:   accountID,
		Amount:      -amount,
		Kind:        kind,
		Description: description,
		ReferenceID: referenceID,
	}
	if err := s.Credits.CreateTx(ctx, tx, entry); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Refund returns amount to the account, keyed by referenceID. Refunds are
// idempotent: a second call for the same reference inserts nothing and leaves
// the balance untouched. Runs in its own transaction.
func (s *Service) Refund(ctx context.Context, accountID uuid.UUID, amount int, description, referenceID string) (refunded bool, err error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	inserted, err := s.Credits.InsertRefundTx(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		AccountID:   accountID,
		Amount:      amount,
		Kind:        models.CreditKindRefund,
		Description: description,
		ReferenceID: referenceID,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	if _, err := s.Accounts.AddBalance(ctx, tx, accountID, amount); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// RewriteReferenceID swaps a reservation's placeholder reference for the real
// job handle. Used exactly once per generation, right after submission.
func (s *Service) RewriteReferenceID(ctx context.Context, accountID uuid.UUID, oldRef, newRef string) error {
	return s.Credits.UpdateReferenceID(ctx, accountID, oldRef, newRef)
}

// Grant credits the account with purchased or bonus credits. Purchases also
// bump the monotonic total_purchased counter.
func (s *Service) Grant(ctx context.Context, accountID uuid.UUID, amount int, kind, description, referenceID string) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	newBalance, err := s.Accounts.AddBalance(ctx, tx, accountID, amount)
	if err != nil {
		return 0, err
	}
	if kind == models.CreditKindPurchase {
		if err := s.Accounts.AddPurchased(ctx, tx, accountID, amount); err != nil {
			return 0, err
		}
	}
	if err := s.Credits.CreateTx(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		AccountID:   accountID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		ReferenceID: referenceID,
	}); err != nil {
		return 0, err
	}
	return newBalance, tx.Commit(ctx)
}
