package store

import (
	"context"
	"database/sql"
)

// DBTX is the minimal database seam the SQL-backed stores run against.
// Both *sql.DB and *sql.Tx satisfy it, so a store can execute its queries
// on a plain connection pool or inside a caller-managed transaction.
// Version: 1.0
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
