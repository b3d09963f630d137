package account

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerdDan/braavos/internal/agent"
	"github.com/nerdDan/braavos/internal/alert"
	"github.com/nerdDan/braavos/internal/chain"
	domainevent "github.com/nerdDan/braavos/internal/domain/event"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/metrics"
)

// ScanDeposits walks whole blocks forward from the persisted cursor, which
// for account chains counts block numbers. The cursor only moves past
// fully-scanned blocks, in the same transaction as the deposits they
// produced.
func (a *Agent) ScanDeposits(ctx context.Context) error {
	agent.RefreshAddresses(ctx, a.addresses, a.logger)

	tx, coin, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	head, err := a.client.HeadNumber(ctx)
	if err != nil {
		return fmt.Errorf("head number: %w", err)
	}

	cursor := coin.DepositCursor
	if cursor == 0 && a.cfg.StartBlock > 0 {
		// A fresh ledger starts at the configured block; nothing before the
		// first issued address can pay a client.
		cursor = a.cfg.StartBlock
	}

	limit := cursor + a.cfg.DepositStep
	for cursor <= head && cursor < limit {
		transfers, err := a.client.BlockTransfers(ctx, cursor)
		if err != nil {
			return fmt.Errorf("block %d: %w", cursor, err)
		}
		for _, tr := range transfers {
			if err := a.recordDeposit(ctx, tx, tr); err != nil {
				return err
			}
		}
		cursor++
	}

	if err := a.coins.UpdateCursorsTx(ctx, tx, a.cfg.Symbol, cursor, coin.WithdrawalCursor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deposit scan: %w", err)
	}
	return nil
}

func (a *Agent) recordDeposit(ctx context.Context, tx *sql.Tx, tr chain.Transfer) error {
	addr, err := a.addresses.FindByAddress(ctx, a.cfg.Chain, tr.To)
	if err != nil {
		return err
	}
	if addr == nil {
		return nil
	}

	d := &model.Deposit{
		CoinSymbol: a.cfg.Symbol,
		TxHash:     tr.TxHash,
		AddrPath:   addr.Path,
		ClientID:   addr.ClientID,
		Amount:     tr.Amount,
	}
	inserted, err := a.deposits.InsertTx(ctx, tx, d)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	if err := a.publisher.DepositCreated(ctx, domainevent.DepositCreated{
		CoinSymbol: a.cfg.Symbol,
		TxHash:     tr.TxHash,
		ClientID:   addr.ClientID,
		AddrPath:   addr.Path,
		Amount:     tr.Amount,
	}); err != nil {
		return fmt.Errorf("publish deposit event: %w", err)
	}

	metrics.DepositsSeen.WithLabelValues(a.cfg.Symbol.String()).Inc()
	a.logger.Info("deposit recorded",
		"tx", tr.TxHash, "client", addr.ClientID, "amount", tr.Amount)
	return nil
}

// ConfirmDeposits promotes unconfirmed deposits whose receipts are deep
// enough. A reverted transaction is never credited: it is alerted once and
// left unconfirmed for the operator to resolve.
func (a *Agent) ConfirmDeposits(ctx context.Context) error {
	pending, err := a.deposits.ListUnconfirmed(ctx, a.cfg.Symbol)
	if err != nil {
		return err
	}

	for _, d := range pending {
		confs, reverted, found, err := a.client.TxConfirmations(ctx, d.TxHash)
		if err != nil {
			return fmt.Errorf("confirmations for %s: %w", d.TxHash, err)
		}
		if !found {
			continue
		}
		if reverted {
			a.alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeDepositIgnored,
				Coin:    a.cfg.Symbol.String(),
				Title:   "deposit transaction reverted on chain",
				Message: "deposit will not be credited",
				Fields:  map[string]string{"tx": d.TxHash},
			})
			continue
		}
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
