package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/shopspring/decimal"
)

type AccountRepo struct {
	db *DB
}

func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) Get(ctx context.Context, clientID int64, symbol model.CoinSymbol) (*model.Account, error) {
	var a model.Account
	err := r.db.QueryRowContext(ctx, `
		SELECT client_id, coin_symbol, balance, updated_at
		FROM accounts
		WHERE client_id = $1 AND coin_symbol = $2
	`, clientID, symbol).Scan(&a.ClientID, &a.CoinSymbol, &a.Balance, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// CreditTx opens the account row if absent and atomically adds amount.
// Runs inside the caller's transaction so the credit commits or rolls back
// together with the deposit status flip.
func (r *AccountRepo) CreditTx(ctx context.Context, tx *sql.Tx, clientID int64, symbol model.CoinSymbol, amount decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (client_id, coin_symbol)
		VALUES ($1, $2)
		ON CONFLICT (client_id, coin_symbol) DO NOTHING
	`, clientID, symbol); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $3::numeric, updated_at = now()
		WHERE client_id = $1 AND coin_symbol = $2
	`, clientID, symbol, amount); err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	return nil
}
