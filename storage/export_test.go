package storage

import "github.com/jackc/pgx/v5/pgxpool"

// GetPool returns the underlying connection pool.
// Used by tests to seed and inspect fixtures directly.
func (pgr *PostgresRepo) GetPool() *pgxpool.Pool {
	return pgr.pool
}
