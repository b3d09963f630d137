package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/shopspring/decimal"
)

type CoinRepo struct {
	db *DB
}

func NewCoinRepo(db *DB) *CoinRepo {
	return &CoinRepo{db: db}
}

const coinColumns = `symbol, chain, deposit_fee, withdrawal_fee, fee_symbol, deposit_cursor, withdrawal_cursor, updated_at`

func scanCoin(row *sql.Row) (*model.Coin, error) {
	var c model.Coin
	err := row.Scan(
		&c.Symbol, &c.Chain, &c.DepositFee, &c.WithdrawalFee,
		&c.FeeSymbol, &c.DepositCursor, &c.WithdrawalCursor, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CoinRepo) Get(ctx context.Context, symbol model.CoinSymbol) (*model.Coin, error) {
	c, err := scanCoin(r.db.QueryRowContext(ctx,
		`SELECT `+coinColumns+` FROM coins WHERE symbol = $1`, symbol))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coin: %w", err)
	}
	return c, nil
}

// GetForUpdateTx locks the coin row for the lifetime of tx. Blocks until any
// concurrent holder commits or rolls back.
func (r *CoinRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, symbol model.CoinSymbol) (*model.Coin, error) {
	c, err := scanCoin(tx.QueryRowContext(ctx,
		`SELECT `+coinColumns+` FROM coins WHERE symbol = $1 FOR UPDATE`, symbol))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("coin %s not provisioned", symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("lock coin: %w", err)
	}
	return c, nil
}

func (r *CoinRepo) Ensure(ctx context.Context, coin *model.Coin) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO coins (symbol, chain, deposit_fee, withdrawal_fee, fee_symbol)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol) DO NOTHING
	`, coin.Symbol, coin.Chain, coin.DepositFee, coin.WithdrawalFee, coin.FeeSymbol)
	if err != nil {
		return fmt.Errorf("ensure coin: %w", err)
	}
	return nil
}

// UpdateCursorsTx persists both scan cursors. GREATEST guards monotonicity:
// a stale invocation can never move a cursor backwards.
func (r *CoinRepo) UpdateCursorsTx(ctx context.Context, tx *sql.Tx, symbol model.CoinSymbol, depositCursor, withdrawalCursor int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE coins SET
			deposit_cursor = GREATEST(deposit_cursor, $2),
			withdrawal_cursor = GREATEST(withdrawal_cursor, $3),
			updated_at = now()
		WHERE symbol = $1
	`, symbol, depositCursor, withdrawalCursor)
	if err != nil {
		return fmt.Errorf("update cursors: %w", err)
	}
	return nil
}

func (r *CoinRepo) UpdateWithdrawalFee(ctx context.Context, symbol model.CoinSymbol, fee decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		UPDATE coins SET withdrawal_fee = $2, updated_at = now() WHERE symbol = $1
	`, symbol, fee)
	if err != nil {
		return fmt.Errorf("update withdrawal fee: %w", err)
	}
	return nil
}
