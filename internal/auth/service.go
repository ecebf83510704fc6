package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/photogen/backend/internal/middleware"
	"github.com/photogen/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// CreditGranter grants the signup bonus through the ledger so the very first
// balance mutation is audited like every other one.
type CreditGranter interface {
	Grant(ctx context.Context, accountID uuid.UUID, amount int, kind, description, referenceID string) (int, error)
}

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (*models.Account, string, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

type service struct {
	repo    *Repository
	granter CreditGranter
	secret  []byte
}

// NewService builds the auth service. jwtSecret signs and verifies session
// tokens; the caller is responsible for refusing to start without one.
func NewService(repo *Repository, granter CreditGranter, jwtSecret string) *service {
	return &service{repo: repo, granter: granter, secret: []byte(jwtSecret)}
}

var _ Service = (*service)(nil)

// Register creates the account and returns it along with the raw API key,
// which is shown exactly once. The signup bonus lands as a `bonus` ledger
// entry.
func (s *service) Register(ctx context.Context, email, password, displayName string) (*models.Account, string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	rawKey := "pg_" + uuid.NewString()
	acc := &models.Account{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		APIKeyHash:   middleware.HashKey(rawKey),
	}
	if err := s.repo.Create(ctx, acc); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, "", ErrDuplicateEmail
		}
		return nil, "", err
	}

	balance, err := s.granter.Grant(ctx, acc.ID, models.SignupBonusCredits, models.CreditKindBonus, "signup bonus", "signup:"+acc.ID.String())
	if err != nil {
		return nil, "", fmt.Errorf("grant signup bonus: %w", err)
	}
	acc.Balance = balance
	return acc, rawKey, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	acc, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if acc == nil {
		return "", errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", errors.New("invalid credentials")
	}
	return s.issueToken(acc.ID)
}

func (s *service) issueToken(accountID uuid.UUID) (string, error) {
	c := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	return uuid.Parse(c.Subject)
}
