// Package repository provides the pgx-backed data access layer.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrInvalidStateTransition is returned when a run transition is not in
// the permitted-transitions table. The row is left untouched.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ErrWorkspaceBusy is returned by run admission when the workspace is
// at its concurrency budget. The run stays queued.
var ErrWorkspaceBusy = errors.New("workspace at concurrency budget")

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Querier is the query surface shared by pgxpool.Pool and pgx.Tx.
// Repositories accept it where a write must share a transaction with an
// audit insert.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
