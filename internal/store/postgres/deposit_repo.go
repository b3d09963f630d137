package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerdDan/braavos/internal/domain/model"
)

type DepositRepo struct {
	db *DB
}

func NewDepositRepo(db *DB) *DepositRepo {
	return &DepositRepo{db: db}
}

// InsertTx inserts a deposit sighting. The (coin_symbol, tx_hash) constraint
// is the dedup mechanism; a conflicting insert means the transaction was
// already recorded by an earlier scan and is reported as inserted=false.
func (r *DepositRepo) InsertTx(ctx context.Context, tx *sql.Tx, d *model.Deposit) (bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO deposits (coin_symbol, tx_hash, addr_path, client_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (coin_symbol, tx_hash) DO NOTHING
		RETURNING id
	`, d.CoinSymbol, d.TxHash, d.AddrPath, d.ClientID, d.Amount, model.DepositUnconfirmed).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert deposit: %w", err)
	}
	d.ID = id
	d.Status = model.DepositUnconfirmed
	return true, nil
}

func (r *DepositRepo) ListUnconfirmed(ctx context.Context, symbol model.CoinSymbol) ([]model.Deposit, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, coin_symbol, tx_hash, addr_path, client_id, amount, status, created_at, confirmed_at
		FROM deposits
		WHERE coin_symbol = $1 AND status = $2
		ORDER BY id ASC
	`, symbol, model.DepositUnconfirmed)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed deposits: %w", err)
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		var d model.Deposit
		if err := rows.Scan(
			&d.ID, &d.CoinSymbol, &d.TxHash, &d.AddrPath, &d.ClientID,
			&d.Amount, &d.Status, &d.CreatedAt, &d.ConfirmedAt,
		); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

// ConfirmTx flips an unconfirmed deposit to confirmed. The status predicate
// makes the transition single-shot even if two invocations race past the
// coin lock.
func (r *DepositRepo) ConfirmTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE deposits
		SET status = $2, confirmed_at = now()
		WHERE id = $1 AND status = $3
	`, id, model.DepositConfirmed, model.DepositUnconfirmed)
	if err != nil {
		return false, fmt.Errorf("confirm deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm deposit rows: %w", err)
	}
	return n == 1, nil
}
