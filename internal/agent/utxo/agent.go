package utxo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nerdDan/braavos/internal/agent"
	"github.com/nerdDan/braavos/internal/alert"
	"github.com/nerdDan/braavos/internal/chain"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/event"
	"github.com/nerdDan/braavos/internal/keys"
	"github.com/nerdDan/braavos/internal/metrics"
	"github.com/nerdDan/braavos/internal/store"
	"github.com/shopspring/decimal"
)

// Config carries the per-coin tuning for a UTXO agent.
type Config struct {
	Symbol        model.CoinSymbol
	Chain         model.Chain
	WalletTag     string
	DepositStep   int64 // history page size for the deposit scan
	ScanStep      int64 // history page size for the outgoing watermark scan
	BatchSize     int   // withdrawals per broadcast batch
	ConfTarget    int64 // fee estimation target, blocks
	ConfThreshold int64 // confirmations before a deposit is credited
	TxSizeKB      decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.WalletTag == "" {
		c.WalletTag = "braavos"
	}
	if c.DepositStep <= 0 {
		c.DepositStep = 64
	}
	if c.ScanStep <= 0 {
		c.ScanStep = 64
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.ConfTarget <= 0 {
		c.ConfTarget = 6
	}
	if c.ConfThreshold <= 0 {
		c.ConfThreshold = 6
	}
	if c.TxSizeKB.IsZero() {
		c.TxSizeKB = decimal.NewFromFloat(0.5)
	}
}

// Agent reconciles one UTXO-family coin between the chain node's wallet and
// the ledger store.
type Agent struct {
	cfg     Config
	keyring *keys.UTXOKeyring
	client  chain.UTXOClient

	db          store.TxBeginner
	coins       store.CoinRepository
	addresses   store.AddressRepository
	deposits    store.DepositRepository
	withdrawals store.WithdrawalRepository
	accounts    store.AccountRepository

	publisher event.Publisher
	alerter   alert.Alerter
	logger    *slog.Logger
}

type Deps struct {
	Keyring     *keys.UTXOKeyring
	Client      chain.UTXOClient
	DB          store.TxBeginner
	Coins       store.CoinRepository
	Addresses   store.AddressRepository
	Deposits    store.DepositRepository
	Withdrawals store.WithdrawalRepository
	Accounts    store.AccountRepository
	Publisher   event.Publisher
	Alerter     alert.Alerter
	Logger      *slog.Logger
}

func New(cfg Config, deps Deps) (*Agent, error) {
	cfg.applyDefaults()
	if cfg.Symbol == "" || cfg.Chain == "" {
		return nil, fmt.Errorf("utxo agent: symbol and chain are required")
	}
	if deps.Keyring == nil || deps.Client == nil || deps.DB == nil {
		return nil, fmt.Errorf("utxo agent: keyring, client, and db are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = event.NoopPublisher{}
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Agent{
		cfg:         cfg,
		keyring:     deps.Keyring,
		client:      deps.Client,
		db:          deps.DB,
		coins:       deps.Coins,
		addresses:   deps.Addresses,
		deposits:    deps.Deposits,
		withdrawals: deps.Withdrawals,
		accounts:    deps.Accounts,
		publisher:   publisher,
		alerter:     alerter,
		logger:      logger.With("coin", cfg.Symbol),
	}, nil
}

var _ agent.CoinAgent = (*Agent)(nil)

func (a *Agent) Symbol() model.CoinSymbol {
	return a.cfg.Symbol
}

// GetOrCreateAddress returns the deposit address for (clientID, subPath).
// The watch key is imported before the row is inserted: the row is the
// source of truth, and a crash in between leaves only a harmless extra key
// in the node wallet. Both steps are idempotent.
func (a *Agent) GetOrCreateAddress(ctx context.Context, clientID int64, subPath string) (string, error) {
	path := keys.DerivationPath(clientID, subPath)

	existing, err := a.addresses.Find(ctx, a.cfg.Chain, clientID, path)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.Address, nil
	}

	addr, err := a.keyring.Address(clientID, subPath)
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	wif, err := a.keyring.PrivateKeyWIF(clientID, subPath)
	if err != nil {
		return "", fmt.Errorf("derive watch key: %w", err)
	}
	if err := a.client.ImportWatchKey(ctx, wif, a.cfg.WalletTag); err != nil {
		return "", fmt.Errorf("register watch key: %w", err)
	}
	if err := a.addresses.Insert(ctx, &model.Address{
		Chain:    a.cfg.Chain,
		ClientID: clientID,
		Path:     path,
		Address:  addr,
	}); err != nil {
		return "", err
	}

	a.logger.Info("deposit address issued", "client", clientID, "path", path, "address", addr)
	return addr, nil
}

func (a *Agent) IsValidAddress(addr string) bool {
	return a.keyring.ValidAddress(addr)
}

// RefreshFee re-quotes the withdrawal fee from the node's estimator and
// pushes the rate back as the wallet's ambient fee policy. Only the fee
// field is touched, so this is safe alongside the scanning routines.
func (a *Agent) RefreshFee(ctx context.Context) error {
	rate, err := a.client.EstimateFeeRate(ctx, a.cfg.ConfTarget)
	if err != nil {
		return fmt.Errorf("estimate fee: %w", err)
	}
	if err := a.client.SetFeeRate(ctx, rate); err != nil {
		return fmt.Errorf("push fee rate: %w", err)
	}

	fee := rate.Mul(a.cfg.TxSizeKB)
	if err := a.coins.UpdateWithdrawalFee(ctx, a.cfg.Symbol, fee); err != nil {
		return err
	}
	metrics.FeeRefreshes.WithLabelValues(a.cfg.Symbol.String()).Inc()
	a.logger.Debug("fee refreshed", "rate", rate, "fee", fee)
	return nil
}

// begin opens the reconciliation transaction for this coin and acquires the
// row lock that serializes invocations.
func (a *Agent) begin(ctx context.Context) (*sql.Tx, *model.Coin, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	coin, err := a.coins.GetForUpdateTx(ctx, tx, a.cfg.Symbol)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	return tx, coin, nil
}
