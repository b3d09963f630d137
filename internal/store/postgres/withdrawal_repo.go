package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/nerdDan/braavos/internal/domain/model"
)

type WithdrawalRepo struct {
	db *DB
}

func NewWithdrawalRepo(db *DB) *WithdrawalRepo {
	return &WithdrawalRepo{db: db}
}

const withdrawalColumns = `id, client_id, idem_key, coin_symbol, recipient, memo, amount, fee, status, tx_hash, nonce, created_at, finished_at`

// ErrDuplicateRequest reports a payout request whose (client_id, idem_key)
// pair already exists.
var ErrDuplicateRequest = fmt.Errorf("withdrawal request already exists")

func (r *WithdrawalRepo) Insert(ctx context.Context, w *model.Withdrawal) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO withdrawals (client_id, idem_key, coin_symbol, recipient, memo, amount, fee, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, w.ClientID, w.IdemKey, w.CoinSymbol, w.Recipient, w.Memo, w.Amount, w.Fee, model.WithdrawalCreated).
		Scan(&w.ID, &w.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	w.Status = model.WithdrawalCreated
	return nil
}

func (r *WithdrawalRepo) ListCreatedTx(ctx context.Context, tx *sql.Tx, symbol model.CoinSymbol, limit int) ([]model.Withdrawal, error) {
	query := `
		SELECT ` + withdrawalColumns + ` FROM withdrawals
		WHERE coin_symbol = $1 AND status = $2
		ORDER BY id ASC`
	args := []interface{}{symbol, model.WithdrawalCreated}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list created withdrawals: %w", err)
	}
	defer rows.Close()

	var ws []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		if err := rows.Scan(
			&w.ID, &w.ClientID, &w.IdemKey, &w.CoinSymbol, &w.Recipient, &w.Memo,
			&w.Amount, &w.Fee, &w.Status, &w.TxHash, &w.Nonce, &w.CreatedAt, &w.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		ws = append(ws, w)
	}
	return ws, rows.Err()
}

func (r *WithdrawalRepo) FinishTx(ctx context.Context, tx *sql.Tx, ids []int64, txHash string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $2, tx_hash = $3, finished_at = now()
		WHERE id = ANY($1) AND status = $4
	`, pq.Array(ids), model.WithdrawalFinished, txHash, model.WithdrawalCreated)
	if err != nil {
		return fmt.Errorf("finish withdrawals: %w", err)
	}
	return nil
}

func (r *WithdrawalRepo) FinishUpToTx(ctx context.Context, tx *sql.Tx, symbol model.CoinSymbol, watermark int64, txHash string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $3, tx_hash = $4, finished_at = now()
		WHERE coin_symbol = $1 AND status = $5 AND id <= $2
	`, symbol, watermark, model.WithdrawalFinished, txHash, model.WithdrawalCreated)
	if err != nil {
		return 0, fmt.Errorf("finish withdrawals up to %d: %w", watermark, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("finish withdrawals rows: %w", err)
	}
	return n, nil
}

// RecordBroadcast notes the node-accepted hash on a still-created row. It
// runs outside the settlement transaction so the hash is durable the moment
// the statement returns; a crash before the settlement commit is then
// recoverable by nonce comparison.
func (r *WithdrawalRepo) RecordBroadcast(ctx context.Context, id int64, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		UPDATE withdrawals SET tx_hash = $2 WHERE id = $1 AND status = $3
	`, id, txHash, model.WithdrawalCreated)
	if err != nil {
		return fmt.Errorf("record broadcast: %w", err)
	}
	return nil
}

func (r *WithdrawalRepo) AssignNonceTx(ctx context.Context, tx *sql.Tx, id int64, nonce int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET nonce = $2 WHERE id = $1 AND nonce IS NULL
	`, id, nonce)
	if err != nil {
		return fmt.Errorf("assign nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign nonce rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("withdrawal %d already has a nonce", id)
	}
	return nil
}
