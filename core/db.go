package core

import (
	"context"
	"database/sql"
)

// DB is the slice of *sql.DB that the Schema Provisioner, Change Reader and
// Lease Manager need. It exists so tests can substitute a fake in-memory
// implementation without standing up a real SQL Server -- *sql.DB satisfies
// it directly, since its method set is a superset.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

var _ DB = (*sql.DB)(nil)
