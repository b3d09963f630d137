package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// CounterRepo is a durable sequence allocator backed by a single-row lock.
// The account-chain withdrawal routine uses it to hand out nonces in strict
// order; the allocation is persisted in the same transaction that consumes
// it, so a crash after allocation simply retries with the same value.
type CounterRepo struct {
	db *DB
}

func NewCounterRepo(db *DB) *CounterRepo {
	return &CounterRepo{db: db}
}

func (r *CounterRepo) EnsureExists(ctx context.Context, name string, start int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO counters (name, value)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, name, start)
	if err != nil {
		return fmt.Errorf("ensure counter %s: %w", name, err)
	}
	return nil
}

// NextTx locks the counter row, increments it, and returns the value prior
// to the increment.
func (r *CounterRepo) NextTx(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var locked int64
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE name = $1 FOR UPDATE`, name,
	).Scan(&locked); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("counter %s not provisioned", name)
		}
		return 0, fmt.Errorf("lock counter %s: %w", name, err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE counters SET value = value + 1 WHERE name = $1
		RETURNING value
	`, name).Scan(&next); err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return next - 1, nil
}
