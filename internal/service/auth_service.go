package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/repository"
)

// tokenPrefix marks EdgeGate API tokens so that leaked strings are
// recognizable in scanners.
const tokenPrefix = "egt_"

// AuthService handles interactive principals: registration, password
// login, and opaque bearer tokens. CI callers never pass through here.
type AuthService interface {
	Register(ctx context.Context, req RegisterRequest) (*models.User, error)
	Login(ctx context.Context, email, password string) (*models.User, error)
	CreateToken(ctx context.Context, userID uuid.UUID) (string, *models.APIToken, error)
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

// RegisterRequest is the request for creating a user.
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=10,max=128"`
	DisplayName string `json:"display_name" validate:"max=255"`
}

type authService struct {
	users repository.UserRepository
}

var _ AuthService = (*authService)(nil)

// NewAuthService creates a new auth service.
func NewAuthService(users repository.UserRepository) AuthService {
	return &authService{users: users}
}

// Register creates a user with a bcrypt password hash.
func (s *authService) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	existing, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apierrors.NewConflictError("A user with this email already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		DisplayName:  req.DisplayName,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies a password. All failures collapse to ErrUnauthorized.
func (s *authService) Login(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, apierrors.ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, apierrors.ErrUnauthorized
	}
	return user, nil
}

// CreateToken mints a bearer token. Only the SHA-256 of the full token
// is stored; the plaintext is returned exactly once.
func (s *authService) CreateToken(ctx context.Context, userID uuid.UUID) (string, *models.APIToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plain := tokenPrefix + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(plain))

	token := &models.APIToken{
		UserID:      userID,
		TokenHash:   hex.EncodeToString(sum[:]),
		TokenPrefix: plain[:len(tokenPrefix)+8],
	}
	if err := s.users.CreateToken(ctx, token); err != nil {
		return "", nil, err
	}
	return plain, token, nil
}

// Authenticate resolves a bearer token to its user.
func (s *authService) Authenticate(ctx context.Context, token string) (*models.User, error) {
	sum := sha256.Sum256([]byte(token))
	row, err := s.users.GetTokenByHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apierrors.ErrUnauthorized
	}
	user, err := s.users.GetByID(ctx, row.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, apierrors.ErrUnauthorized
	}
	// Best effort; a failed touch must not fail the request.
	_ = s.users.TouchToken(ctx, row.ID, time.Now().UTC())
	return user, nil
}
