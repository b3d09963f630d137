package utxo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/nerdDan/braavos/internal/agent"
	"github.com/nerdDan/braavos/internal/alert"
	"github.com/nerdDan/braavos/internal/chain"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/metrics"
	"github.com/shopspring/decimal"
)

// RunWithdrawals drains the created-withdrawal backlog in batches. The
// whole run executes under the coin row lock, and a batch is only broadcast
// after the outgoing-history scan proves the previous batch is settled, so
// a crash between broadcast and commit cannot double-pay: the next tick
// recognizes the batch by its watermark comment and settles it instead of
// re-issuing.
func (a *Agent) RunWithdrawals(ctx context.Context) error {
	tx, coin, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cursor := coin.WithdrawalCursor
	for {
		pending, err := a.withdrawals.ListCreatedTx(ctx, tx, a.cfg.Symbol, a.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}

		settled, newCursor, err := a.settleFromHistory(ctx, tx, cursor, pending[0].ID)
		if err != nil {
			return err
		}
		cursor = newCursor
		if settled {
			// The backlog shrank; re-select before deciding to broadcast.
			continue
		}

		if err := a.broadcastBatch(ctx, tx, pending); err != nil {
			return err
		}
	}

	if err := a.coins.UpdateCursorsTx(ctx, tx, a.cfg.Symbol, coin.DepositCursor, cursor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit withdrawal run: %w", err)
	}
	return nil
}

// settleFromHistory scans the wallet's outgoing history from cursor looking
// for a batch watermark at or above lowestPending. Observing one proves the
// batch carrying that watermark was broadcast; every created withdrawal it
// covered is settled with the observed hash.
func (a *Agent) settleFromHistory(ctx context.Context, tx *sql.Tx, cursor, lowestPending int64) (bool, int64, error) {
	settled := false
	for {
		page, err := a.client.ListTransactions(ctx, a.cfg.WalletTag, a.cfg.ScanStep, cursor)
		if err != nil {
			return false, cursor, fmt.Errorf("list outgoing history at %d: %w", cursor, err)
		}
		if len(page) == 0 {
			return settled, cursor, nil
		}

		for _, rec := range page {
			if rec.Category != chain.CategorySend {
				continue
			}
			watermark, err := parseWatermark(rec.Comment)
			if err != nil {
				a.alerter.Send(ctx, alert.Alert{
					Type:    alert.AlertTypeInvariant,
					Coin:    a.cfg.Symbol.String(),
					Title:   "outgoing transaction with unrecognizable watermark",
					Message: err.Error(),
					Fields:  map[string]string{"tx": rec.TxID, "comment": rec.Comment},
				})
				return false, cursor, agent.Haltf(a.cfg.Symbol,
					"send %s carries watermark %q: %v", rec.TxID, rec.Comment, err)
			}
			if watermark >= lowestPending {
				n, err := a.withdrawals.FinishUpToTx(ctx, tx, a.cfg.Symbol, watermark, rec.TxID)
				if err != nil {
					return false, cursor, err
				}
				if n > 0 {
					settled = true
					metrics.WithdrawalsSettled.WithLabelValues(a.cfg.Symbol.String()).Add(float64(n))
					a.logger.Info("recovered batch settled from history",
						"tx", rec.TxID, "watermark", watermark, "count", n)
				}
			}
		}
		cursor += int64(len(page))
	}
}

// broadcastBatch pays every pending withdrawal in one multi-output
// transaction tagged with the batch's highest id, then settles the rows in
// the same transaction that holds the coin lock.
func (a *Agent) broadcastBatch(ctx context.Context, tx *sql.Tx, pending []model.Withdrawal) error {
	outputs := make(map[string]decimal.Decimal, len(pending))
	ids := make([]int64, 0, len(pending))
	for _, w := range pending {
		// Two payouts to the same recipient collapse into one output.
		outputs[w.Recipient] = outputs[w.Recipient].Add(w.Amount)
		ids = append(ids, w.ID)
	}
	watermark := pending[len(pending)-1].ID

	txHash, err := a.client.SendMany(ctx, a.cfg.WalletTag, outputs, a.cfg.ConfThreshold,
		strconv.FormatInt(watermark, 10))
	if err != nil {
		return fmt.Errorf("broadcast batch %d: %w", watermark, err)
	}
	metrics.WithdrawalsBroadcast.WithLabelValues(a.cfg.Symbol.String()).Inc()

	if err := a.withdrawals.FinishTx(ctx, tx, ids, txHash); err != nil {
		return err
	}
	metrics.WithdrawalsSettled.WithLabelValues(a.cfg.Symbol.String()).Add(float64(len(ids)))

	a.logger.Info("withdrawal batch broadcast",
		"tx", txHash, "watermark", watermark, "count", len(ids))
	return nil
}

// parseWatermark decodes a batch comment. Anything but a positive integer
// on one of our sends means foreign writes to the hot wallet, which this
// engine must not reconcile past.
func parseWatermark(comment string) (int64, error) {
	n, err := strconv.ParseInt(comment, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive")
	}
	return n, nil
}
