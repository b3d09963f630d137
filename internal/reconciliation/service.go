package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nerdDan/braavos/internal/alert"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/metrics"
)

// Result is one coin's ledger audit outcome. The ledger invariant is that
// client balances are credited exactly once per confirmed deposit, so the
// two sums must always agree.
type Result struct {
	Coin         model.CoinSymbol `json:"coin"`
	DepositTotal decimal.Decimal  `json:"deposit_total"`
	BalanceTotal decimal.Decimal  `json:"balance_total"`
	Difference   decimal.Decimal  `json:"difference"`
	Match        bool             `json:"match"`
	CheckedAt    time.Time        `json:"checked_at"`
}

// Service audits the internal ledger for double credits and lost credits.
// A mismatch means a bug or manual interference, never normal operation,
// so it alerts rather than repairs.
type Service struct {
	db      *sql.DB
	alerter alert.Alerter
	logger  *slog.Logger
}

func NewService(db *sql.DB, alerter alert.Alerter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Service{
		db:      db,
		alerter: alerter,
		logger:  logger.With("component", "reconciliation"),
	}
}

// Audit checks one coin and alerts on a mismatch.
func (s *Service) Audit(ctx context.Context, symbol model.CoinSymbol) (Result, error) {
	var depositTotal, balanceTotal string
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(amount) FROM deposits WHERE coin_symbol = $1 AND status = 'confirmed'), 0)::text,
			COALESCE((SELECT SUM(balance) FROM accounts WHERE coin_symbol = $1), 0)::text
	`, symbol).Scan(&depositTotal, &balanceTotal)
	if err != nil {
		return Result{}, fmt.Errorf("audit %s: %w", symbol, err)
	}

	deposits, err := decimal.NewFromString(depositTotal)
	if err != nil {
		return Result{}, fmt.Errorf("parse deposit total %q: %w", depositTotal, err)
	}
	balances, err := decimal.NewFromString(balanceTotal)
	if err != nil {
		return Result{}, fmt.Errorf("parse balance total %q: %w", balanceTotal, err)
	}

	res := Result{
		Coin:         symbol,
		DepositTotal: deposits,
		BalanceTotal: balances,
		Difference:   deposits.Sub(balances),
		Match:        deposits.Equal(balances),
		CheckedAt:    time.Now().UTC(),
	}

	if res.Match {
		s.logger.Debug("ledger audit passed", "coin", symbol, "total", deposits)
		metrics.LedgerAuditMismatch.WithLabelValues(symbol.String()).Set(0)
		return res, nil
	}

	s.logger.Error("ledger audit mismatch",
		"coin", symbol,
		"deposit_total", deposits,
		"balance_total", balances,
		"difference", res.Difference,
	)
	metrics.LedgerAuditMismatch.WithLabelValues(symbol.String()).Set(1)

	if err := s.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeInvariant,
		Coin:    symbol.String(),
		Title:   "Ledger audit mismatch",
		Message: "confirmed deposit total and client balance total diverged",
		Fields: map[string]string{
			"deposit_total": deposits.String(),
			"balance_total": balances.String(),
			"difference":    res.Difference.String(),
		},
	}); err != nil {
		s.logger.Warn("failed to send audit alert", "error", err)
	}
	return res, nil
}
