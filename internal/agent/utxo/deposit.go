package utxo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerdDan/braavos/internal/agent"
	"github.com/nerdDan/braavos/internal/chain"
	domainevent "github.com/nerdDan/braavos/internal/domain/event"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/metrics"
)

// ScanDeposits walks the node's incoming history forward from the persisted
// cursor. Everything happens in one transaction under the coin row lock, so
// the cursor can never run ahead of durably inserted deposits: a crash
// before commit rolls both back together and the next tick re-scans the
// same pages, deduplicated by the (coin, tx_hash) constraint.
func (a *Agent) ScanDeposits(ctx context.Context) error {
	agent.RefreshAddresses(ctx, a.addresses, a.logger)

	tx, coin, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cursor := coin.DepositCursor
	for {
		page, err := a.client.ListTransactions(ctx, a.cfg.WalletTag, a.cfg.DepositStep, cursor)
		if err != nil {
			return fmt.Errorf("list history at %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			if rec.Category != chain.CategoryReceive {
				continue
			}
			if err := a.recordDeposit(ctx, tx, rec); err != nil {
				return err
			}
		}
		cursor += int64(len(page))
	}

	if err := a.coins.UpdateCursorsTx(ctx, tx, a.cfg.Symbol, cursor, coin.WithdrawalCursor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deposit scan: %w", err)
	}

	if cursor > coin.DepositCursor {
		a.logger.Debug("deposit cursor advanced", "from", coin.DepositCursor, "to", cursor)
	}
	return nil
}

// recordDeposit resolves one incoming history entry against the issued
// addresses and inserts a deposit row on first sighting. Transactions paid
// to unknown addresses are foreign and ignored.
func (a *Agent) recordDeposit(ctx context.Context, tx *sql.Tx, rec chain.TxRecord) error {
	addr, err := a.addresses.FindByAddress(ctx, a.cfg.Chain, rec.Address)
	if err != nil {
		return err
	}
	if addr == nil {
		return nil
	}

	d := &model.Deposit{
		CoinSymbol: a.cfg.Symbol,
		TxHash:     rec.TxID,
		AddrPath:   addr.Path,
		ClientID:   addr.ClientID,
		Amount:     rec.Amount,
	}
	inserted, err := a.deposits.InsertTx(ctx, tx, d)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	// Published before the commit: if the transaction rolls back, the next
	// scan re-inserts the row and re-publishes, and consumers dedup on
	// (coin, tx_hash). A publish failure aborts the tick so the sighting is
	// never committed without its event.
	if err := a.publisher.DepositCreated(ctx, domainevent.DepositCreated{
		CoinSymbol: a.cfg.Symbol,
		TxHash:     rec.TxID,
		ClientID:   addr.ClientID,
		AddrPath:   addr.Path,
		Amount:     rec.Amount,
	}); err != nil {
		return fmt.Errorf("publish deposit event: %w", err)
	}

	metrics.DepositsSeen.WithLabelValues(a.cfg.Symbol.String()).Inc()
	a.logger.Info("deposit recorded",
		"tx", rec.TxID, "client", addr.ClientID, "amount", rec.Amount)
	return nil
}

// ConfirmDeposits promotes unconfirmed deposits whose confirmation count
// has reached the threshold. Each promotion is one atomic unit: status flip
// and balance credit commit together, per deposit, so a crash mid-list
// leaves earlier credits durable and later ones retried untouched.
func (a *Agent) ConfirmDeposits(ctx context.Context) error {
	pending, err := a.deposits.ListUnconfirmed(ctx, a.cfg.Symbol)
	if err != nil {
		return err
	}

	for _, d := range pending {
		confs, err := a.client.GetTransactionConfirmations(ctx, d.TxHash)
		if err != nil {
			return fmt.Errorf("confirmations for %s: %w", d.TxHash, err)
		}
		// Confirmation depth is re-derived every tick; a deposit below the
		// threshold stays unconfirmed and is retried indefinitely.
		if confs < a.cfg.ConfThreshold {
			continue
		}
		if err := a.credit(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) credit(ctx context.Context, d model.Deposit) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	promoted, err := a.deposits.ConfirmTx(ctx, tx, d.ID)
	if err != nil {
		return err
	}
	if !promoted {
		// Another invocation credited it first.
		return tx.Commit()
	}
	if err := a.accounts.CreditTx(ctx, tx, d.ClientID, a.cfg.Symbol, d.Amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}

	metrics.DepositsCredited.WithLabelValues(a.cfg.Symbol.String()).Inc()
	a.logger.Info("deposit credited",
		"tx", d.TxHash, "client", d.ClientID, "amount", d.Amount)
	return nil
}
