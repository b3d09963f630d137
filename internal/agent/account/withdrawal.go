package account

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerdDan/braavos/internal/agent"
	"github.com/nerdDan/braavos/internal/alert"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/metrics"
)

// RunWithdrawals settles the created backlog one payment at a time in
// allocated-nonce order. Phase one allocates missing nonces and commits
// them durably before any broadcast; phase two broadcasts, committing each
// settlement immediately so the window between node acceptance and
// bookkeeping stays one payment wide.
func (a *Agent) RunWithdrawals(ctx context.Context) error {
	if err := a.allocateNonces(ctx); err != nil {
		return err
	}

	for {
		done, err := a.broadcastNext(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// allocateNonces assigns the next counter values to created withdrawals
// that have none, in id order, inside one transaction under the coin lock.
// A crash after this commit retries broadcast with the same allocations,
// which is what makes the allocation idempotent.
func (a *Agent) allocateNonces(ctx context.Context) error {
	tx, _, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pending, err := a.withdrawals.ListCreatedTx(ctx, tx, a.cfg.Symbol, 0)
	if err != nil {
		return err
	}
	allocated := 0
	for _, w := range pending {
		if w.Nonce != nil {
			continue
		}
		nonce, err := a.counters.NextTx(ctx, tx, a.cfg.NonceCounter)
		if err != nil {
			return err
		}
		if err := a.withdrawals.AssignNonceTx(ctx, tx, w.ID, nonce); err != nil {
			return err
		}
		allocated++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit nonce allocation: %w", err)
	}
	if allocated > 0 {
		a.logger.Info("nonces allocated", "count", allocated)
	}
	return nil
}

// broadcastNext handles the oldest pending withdrawal. Returns done=true
// when the backlog is empty or the next payment must wait for an earlier
// sequence to land.
func (a *Agent) broadcastNext(ctx context.Context) (bool, error) {
	tx, _, err := a.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	pending, err := a.withdrawals.ListCreatedTx(ctx, tx, a.cfg.Symbol, 1)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return true, tx.Commit()
	}
	w := pending[0]
	if w.Nonce == nil {
		// Created after the allocation phase; the next tick picks it up.
		return true, tx.Commit()
	}
	nonce := uint64(*w.Nonce)

	chainNonce, err := a.client.NextNonce(ctx, a.hotAddr)
	if err != nil {
		return false, fmt.Errorf("chain nonce: %w", err)
	}

	switch {
	case nonce < chainNonce:
		return false, a.reconcilePastNonce(ctx, tx, w, chainNonce)

	case nonce > chainNonce:
		// An earlier sequence has not landed yet; broadcasting out of
		// order would be rejected or, worse, reorder payments.
		a.logger.Debug("waiting for earlier sequence",
			"withdrawal", w.ID, "nonce", nonce, "chain_nonce", chainNonce)
		return true, tx.Commit()

	default:
		if err := a.broadcast(ctx, tx, w, nonce); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit settlement: %w", err)
		}
		return false, nil
	}
}

// reconcilePastNonce handles a withdrawal whose allocated sequence the
// chain has already consumed. With a recorded hash this is the benign
// crash between the hash record and the settlement commit and the row is
// settled; without one, funds may have moved unattributably and the coin
// halts.
func (a *Agent) reconcilePastNonce(ctx context.Context, tx *sql.Tx, w model.Withdrawal, chainNonce uint64) error {
	if w.TxHash != nil {
		if err := a.withdrawals.FinishTx(ctx, tx, []int64{w.ID}, *w.TxHash); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit recovered settlement: %w", err)
		}
		metrics.WithdrawalsSettled.WithLabelValues(a.cfg.Symbol.String()).Inc()
		a.logger.Warn("settled withdrawal recovered by nonce comparison",
			"withdrawal", w.ID, "tx", *w.TxHash)
		return nil
	}

	a.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeInvariant,
		Coin:    a.cfg.Symbol.String(),
		Title:   "allocated nonce behind chain nonce",
		Message: "a broadcast may have landed without a recorded hash",
		Fields: map[string]string{
			"withdrawal":  fmt.Sprintf("%d", w.ID),
			"nonce":       fmt.Sprintf("%d", *w.Nonce),
			"chain_nonce": fmt.Sprintf("%d", chainNonce),
		},
	})
	return agent.Haltf(a.cfg.Symbol,
		"withdrawal %d nonce %d behind chain nonce %d with no recorded hash",
		w.ID, *w.Nonce, chainNonce)
}

func (a *Agent) broadcast(ctx context.Context, tx *sql.Tx, w model.Withdrawal, nonce uint64) error {
	gasPrice, err := a.pricer.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("quote gas price: %w", err)
	}
	fee := transferFee(gasPrice)

	balance, err := a.client.Balance(ctx, a.hotAddr)
	if err != nil {
		return fmt.Errorf("hot wallet balance: %w", err)
	}
	if balance.LessThan(w.Amount.Add(fee)) {
		a.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeInsufficientFunds,
			Coin:    a.cfg.Symbol.String(),
			Title:   "hot wallet cannot cover withdrawal",
			Message: "treasury top-up required",
			Fields: map[string]string{
				"withdrawal": fmt.Sprintf("%d", w.ID),
				"balance":    balance.String(),
				"required":   w.Amount.Add(fee).String(),
			},
		})
		return fmt.Errorf("withdrawal %d needs %s, hot wallet holds %s: %w",
			w.ID, w.Amount.Add(fee), balance, agent.ErrInsufficientFunds)
	}

	key, err := a.keyring.PrivateKey(a.cfg.HotClientID, a.cfg.HotSubPath)
	if err != nil {
		return fmt.Errorf("hot wallet key: %w", err)
	}
	txHash, err := a.client.SignAndSend(ctx, key, w.Recipient, w.Amount, gasPrice, nonce)
	if err != nil {
		return fmt.Errorf("broadcast withdrawal %d: %w", w.ID, err)
	}
	metrics.WithdrawalsBroadcast.WithLabelValues(a.cfg.Symbol.String()).Inc()

	// Committed outside the settlement transaction: from here on, a crash
	// leaves the hash on the created row and the next tick settles it by
	// nonce comparison.
	if err := a.withdrawals.RecordBroadcast(ctx, w.ID, txHash); err != nil {
		return fmt.Errorf("record broadcast hash for %d: %w", w.ID, err)
	}

	if err := a.withdrawals.FinishTx(ctx, tx, []int64{w.ID}, txHash); err != nil {
		return err
	}
	metrics.WithdrawalsSettled.WithLabelValues(a.cfg.Symbol.String()).Inc()

	a.logger.Info("withdrawal broadcast",
		"withdrawal", w.ID, "tx", txHash, "nonce", nonce, "amount", w.Amount)
	return nil
}
