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

// WorkspaceRepository defines data operations for workspaces and their
// memberships.
type WorkspaceRepository interface {
	Create(ctx context.Context, q Querier, ws *models.Workspace) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Workspace, error)
	UpdateName(ctx context.Context, id uuid.UUID, name string) error
	SetCISecret(ctx context.Context, q Querier, id uuid.UUID, enc []byte, createdAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error

	AddMember(ctx context.Context, q Querier, m *models.WorkspaceMember) error
	GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*models.WorkspaceMember, error)
	ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]*models.WorkspaceMember, error)
	UpdateMemberRole(ctx context.Context, workspaceID, userID uuid.UUID, role models.Role) error
	RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID) error
	CountOwners(ctx context.Context, workspaceID uuid.UUID) (int, error)

	Pool() *pgxpool.Pool
}

type workspaceRepo struct {
	pool *pgxpool.Pool
}

var _ WorkspaceRepository = (*workspaceRepo)(nil)

// NewWorkspaceRepository creates a new workspace repository.
func NewWorkspaceRepository(pool *pgxpool.Pool) WorkspaceRepository {
	return &workspaceRepo{pool: pool}
}

func (r *workspaceRepo) Pool() *pgxpool.Pool {
	return r.pool
}

// Create inserts a new workspace within the caller's transaction.
func (r *workspaceRepo) Create(ctx context.Context, q Querier, ws *models.Workspace) error {
	if ws.ID == uuid.Nil {
		ws.ID = uuid.New()
	}
	query := `
		INSERT INTO workspaces (id, name)
		VALUES ($1, $2)
		RETURNING created_at, updated_at`
	return q.QueryRow(ctx, query, ws.ID, ws.Name).Scan(&ws.CreatedAt, &ws.UpdatedAt)
}

// GetByID retrieves a workspace by id.
func (r *workspaceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	query := `
		SELECT id, name, ci_secret_enc, ci_secret_created_at, created_at, updated_at
		FROM workspaces WHERE id = $1`

	var ws models.Workspace
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&ws.ID,
		&ws.Name,
		&ws.CISecretEnc,
		&ws.CISecretCreatedAt,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListForUser retrieves the workspaces the user is a member of.
func (r *workspaceRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Workspace, error) {
	query := `
		SELECT w.id, w.name, w.ci_secret_enc, w.ci_secret_created_at, w.created_at, w.updated_at
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []*models.Workspace
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(
			&ws.ID,
			&ws.Name,
			&ws.CISecretEnc,
			&ws.CISecretCreatedAt,
			&ws.CreatedAt,
			&ws.UpdatedAt,
		); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, &ws)
	}
	return workspaces, rows.Err()
}

// UpdateName renames a workspace.
func (r *workspaceRepo) UpdateName(ctx context.Context, id uuid.UUID, name string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE workspaces SET name = $2, updated_at = now() WHERE id = $1`, id, name)
	return err
}

// SetCISecret stores the envelope-encrypted CI signing secret.
func (r *workspaceRepo) SetCISecret(ctx context.Context, q Querier, id uuid.UUID, enc []byte, createdAt time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE workspaces
		SET ci_secret_enc = $2, ci_secret_created_at = $3, updated_at = now()
		WHERE id = $1`, id, enc, createdAt)
	return err
}

// Delete removes a workspace; owned rows cascade.
func (r *workspaceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	return err
}

// AddMember inserts a membership row within the caller's transaction.
func (r *workspaceRepo) AddMember(ctx context.Context, q Querier, m *models.WorkspaceMember) error {
	query := `
		INSERT INTO workspace_members (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING created_at`
	return q.QueryRow(ctx, query, m.WorkspaceID, m.UserID, m.Role).Scan(&m.CreatedAt)
}

// GetMember retrieves a membership row.
func (r *workspaceRepo) GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*models.WorkspaceMember, error) {
	query := `
		SELECT workspace_id, user_id, role, created_at
		FROM workspace_members
		WHERE workspace_id = $1 AND user_id = $2`

	var m models.WorkspaceMember
	err := r.pool.QueryRow(ctx, query, workspaceID, userID).Scan(
		&m.WorkspaceID, &m.UserID, &m.Role, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMembers retrieves all members of a workspace.
func (r *workspaceRepo) ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]*models.WorkspaceMember, error) {
	query := `
		SELECT workspace_id, user_id, role, created_at
		FROM workspace_members
		WHERE workspace_id = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*models.WorkspaceMember
	for rows.Next() {
		var m models.WorkspaceMember
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

// UpdateMemberRole changes a member's role.
func (r *workspaceRepo) UpdateMemberRole(ctx context.Context, workspaceID, userID uuid.UUID, role models.Role) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workspace_members SET role = $3
		WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID, role)
	return err
}

// RemoveMember deletes a membership row.
func (r *workspaceRepo) RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM workspace_members
		WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID)
	return err
}

// CountOwners counts members with the owner role.
func (r *workspaceRepo) CountOwners(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workspace_members
		WHERE workspace_id = $1 AND role = 'owner'`, workspaceID).Scan(&count)
	return count, err
}
