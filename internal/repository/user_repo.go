package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgegate/edgegate/internal/models"
)

// UserRepository defines data operations for users and API tokens.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	CreateToken(ctx context.Context, token *models.APIToken) error
	GetTokenByHash(ctx context.Context, hash string) (*models.APIToken, error)
	TouchToken(ctx context.Context, id uuid.UUID, usedAt time.Time) error
}

type userRepo struct {
	pool *pgxpool.Pool
}

var _ UserRepository = (*userRepo)(nil)

// NewUserRepository creates a new user repository.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

// Create inserts a new user.
func (r *userRepo) Create(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	query := `
		INSERT INTO users (id, email, password_hash, display_name, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.DisplayName, user.IsActive,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
}

// GetByID retrieves a user by id.
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.getOne(ctx, `
		SELECT id, email, password_hash, display_name, is_active, created_at, updated_at
		FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a user by email.
func (r *userRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, `
		SELECT id, email, password_hash, display_name, is_active, created_at, updated_at
		FROM users WHERE email = $1`, email)
}

func (r *userRepo) getOne(ctx context.Context, query string, arg any) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.IsActive,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateToken inserts a new API token row.
func (r *userRepo) CreateToken(ctx context.Context, token *models.APIToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	query := `
		INSERT INTO api_tokens (id, user_id, token_hash, token_prefix)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	return r.pool.QueryRow(ctx, query,
		token.ID, token.UserID, token.TokenHash, token.TokenPrefix,
	).Scan(&token.CreatedAt)
}

// GetTokenByHash retrieves a token row by its SHA-256 hash.
func (r *userRepo) GetTokenByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	query := `
		SELECT id, user_id, token_hash, token_prefix, created_at, last_used_at
		FROM api_tokens WHERE token_hash = $1`

	var t models.APIToken
	err := r.pool.QueryRow(ctx, query, hash).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.TokenPrefix, &t.CreatedAt, &t.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TouchToken records the last use time of a token.
func (r *userRepo) TouchToken(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE api_tokens SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	return err
}
