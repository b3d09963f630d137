package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nerdDan/braavos/internal/addressindex"
	"github.com/nerdDan/braavos/internal/agent"
	"github.com/nerdDan/braavos/internal/agent/account"
	"github.com/nerdDan/braavos/internal/agent/utxo"
	"github.com/nerdDan/braavos/internal/alert"
	"github.com/nerdDan/braavos/internal/chain/btcrpc"
	"github.com/nerdDan/braavos/internal/chain/ethrpc"
	"github.com/nerdDan/braavos/internal/chain/ratelimit"
	"github.com/nerdDan/braavos/internal/circuitbreaker"
	"github.com/nerdDan/braavos/internal/config"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/event"
	"github.com/nerdDan/braavos/internal/keys"
	"github.com/nerdDan/braavos/internal/reconciliation"
	"github.com/nerdDan/braavos/internal/schedule"
	"github.com/nerdDan/braavos/internal/store"
	"github.com/nerdDan/braavos/internal/store/postgres"
)

const defaultMigrationsDir = "internal/store/postgres/migrations"

const gweiPerWei = 1_000_000_000

type repos struct {
	coins       *postgres.CoinRepo
	addresses   store.AddressRepository
	deposits    *postgres.DepositRepo
	withdrawals *postgres.WithdrawalRepo
	accounts    *postgres.AccountRepo
	counters    *postgres.CounterRepo
}

func newRPCBreaker(symbol model.CoinSymbol, logger *slog.Logger) *circuitbreaker.Breaker {
	return circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("node rpc circuit state changed",
				"coin", symbol,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func netParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

func utxoConfig(settings config.CoinSettings) utxo.Config {
	cfg := utxo.Config{
		Symbol:        model.SymbolBTC,
		Chain:         model.ChainBitcoin,
		WalletTag:     settings.WalletTag,
		DepositStep:   int64(settings.DepositStep),
		ScanStep:      int64(settings.ScanStep),
		BatchSize:     settings.BatchSize,
		ConfThreshold: settings.ConfirmationThreshold,
	}
	if settings.FeeTxSizeKB > 0 {
		cfg.TxSizeKB = decimal.NewFromFloat(settings.FeeTxSizeKB)
	}
	return cfg
}

func accountConfig(settings config.CoinSettings, startBlock int64) account.Config {
	cfg := account.Config{
		Symbol:        model.SymbolETH,
		Chain:         model.ChainEthereum,
		DepositStep:   int64(settings.DepositStep),
		ConfThreshold: settings.ConfirmationThreshold,
		StartBlock:    startBlock,
	}
	if settings.StartBlock > 0 {
		cfg.StartBlock = settings.StartBlock
	}
	return cfg
}

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting walletd",
		"btc_rpc_configured", cfg.BTC.RPCURL != "",
		"btc_network", cfg.BTC.Network,
		"eth_rpc_configured", cfg.ETH.RPCURL != "",
		"eth_chain_id", cfg.ETH.ChainID,
	)

	seed, err := cfg.Wallet.Seed()
	if err != nil {
		logger.Error("failed to resolve wallet seed", "error", err)
		os.Exit(1)
	}

	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = defaultMigrationsDir
	}
	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err, "dir", migrationsDir)
		os.Exit(1)
	}

	addrIndex := addressindex.New(postgres.NewAddressRepo(db), addressindex.Config{}, logger)
	if err := addrIndex.Reload(context.Background()); err != nil {
		logger.Error("failed to warm address index", "error", err)
		os.Exit(1)
	}

	r := repos{
		coins:       postgres.NewCoinRepo(db),
		addresses:   addrIndex,
		deposits:    postgres.NewDepositRepo(db),
		withdrawals: postgres.NewWithdrawalRepo(db),
		accounts:    postgres.NewAccountRepo(db),
		counters:    postgres.NewCounterRepo(db),
	}

	alerters := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	alerter := alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)

	var publisher event.Publisher = event.NoopPublisher{}
	if cfg.Redis.URL != "" {
		redisPub, err := event.NewRedisPublisher(cfg.Redis.URL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
			os.Exit(1)
		}
		defer redisPub.Close()
		publisher = redisPub
	} else {
		logger.Info("no REDIS_URL configured, deposit events will not be published")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(ctx, 30*time.Second)
	defer startupCancel()

	var agents []agent.CoinAgent

	if cfg.BTC.RPCURL != "" {
		btcAgent, err := buildBTCAgent(cfg, seed, db, r, publisher, alerter, logger)
		if err != nil {
			logger.Error("failed to build btc agent", "error", err)
			os.Exit(1)
		}
		if err := r.coins.Ensure(startupCtx, &model.Coin{
			Symbol:    model.SymbolBTC,
			Chain:     model.ChainBitcoin,
			FeeSymbol: model.SymbolBTC,
		}); err != nil {
			logger.Error("failed to provision btc coin row", "error", err)
			os.Exit(1)
		}
		agents = append(agents, btcAgent)
	}

	if cfg.ETH.RPCURL != "" {
		ethAgent, err := buildETHAgent(startupCtx, cfg, seed, db, r, publisher, alerter, logger)
		if err != nil {
			logger.Error("failed to build eth agent", "error", err)
			os.Exit(1)
		}
		if err := r.coins.Ensure(startupCtx, &model.Coin{
			Symbol:    model.SymbolETH,
			Chain:     model.ChainEthereum,
			FeeSymbol: model.SymbolETH,
		}); err != nil {
			logger.Error("failed to provision eth coin row", "error", err)
			os.Exit(1)
		}
		agents = append(agents, ethAgent)
	}

	auditor := reconciliation.NewService(db.DB, alerter, logger)

	runner := schedule.NewRunner(logger)
	for _, a := range agents {
		a := a
		coin := a.Symbol().String()
		runner.Add(schedule.Routine{
			Name:     "fee_refresh",
			Coin:     coin,
			Interval: cfg.Schedule.FeeRefreshInterval,
			Tick:     a.RefreshFee,
		})
		runner.Add(schedule.Routine{
			Name:     "deposit_scan",
			Coin:     coin,
			Interval: cfg.Schedule.DepositScanInterval,
			Tick:     a.ScanDeposits,
		})
		runner.Add(schedule.Routine{
			Name:     "deposit_confirm",
			Coin:     coin,
			Interval: cfg.Schedule.ConfirmInterval,
			Tick:     a.ConfirmDeposits,
		})
		runner.Add(schedule.Routine{
			Name:     "withdrawal",
			Coin:     coin,
			Interval: cfg.Schedule.WithdrawalInterval,
			Tick:     a.RunWithdrawals,
		})
		symbol := a.Symbol()
		runner.Add(schedule.Routine{
			Name:     "ledger_audit",
			Coin:     coin,
			Interval: cfg.Schedule.AuditInterval,
			Tick: func(ctx context.Context) error {
				_, err := auditor.Audit(ctx, symbol)
				return err
			},
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, logger)
	})

	g.Go(func() error {
		return runner.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("walletd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("walletd shut down gracefully")
}

func buildBTCAgent(cfg *config.Config, seed []byte, db *postgres.DB, r repos, publisher event.Publisher, alerter alert.Alerter, logger *slog.Logger) (*utxo.Agent, error) {
	params, err := netParams(cfg.BTC.Network)
	if err != nil {
		return nil, err
	}

	settings := cfg.CoinSettings("BTC")
	keyring, err := keys.NewUTXOKeyring(seed, params, settings.Bech32)
	if err != nil {
		return nil, fmt.Errorf("build btc keyring: %w", err)
	}

	client, err := btcrpc.NewClient(cfg.BTC.RPCURL, logger)
	if err != nil {
		return nil, fmt.Errorf("build btc rpc client: %w", err)
	}
	if cfg.BTC.RateLimitRPS > 0 {
		client.SetRateLimiter(ratelimit.NewLimiter(cfg.BTC.RateLimitRPS, cfg.BTC.RateBurst, model.SymbolBTC.String()))
	}
	client.SetBreaker(newRPCBreaker(model.SymbolBTC, logger))

	return utxo.New(utxoConfig(settings), utxo.Deps{
		Keyring:     keyring,
		Client:      client,
		DB:          db,
		Coins:       r.coins,
		Addresses:   r.addresses,
		Deposits:    r.deposits,
		Withdrawals: r.withdrawals,
		Accounts:    r.accounts,
		Publisher:   publisher,
		Alerter:     alerter,
		Logger:      logger,
	})
}

func buildETHAgent(ctx context.Context, cfg *config.Config, seed []byte, db *postgres.DB, r repos, publisher event.Publisher, alerter alert.Alerter, logger *slog.Logger) (*account.Agent, error) {
	keyring, err := keys.NewAccountKeyring(seed)
	if err != nil {
		return nil, fmt.Errorf("build eth keyring: %w", err)
	}

	client, err := ethrpc.NewClient(ctx, cfg.ETH.RPCURL, cfg.ETH.ChainID, logger)
	if err != nil {
		return nil, fmt.Errorf("build eth rpc client: %w", err)
	}
	if cfg.ETH.RateLimitRPS > 0 {
		client.SetRateLimiter(ratelimit.NewLimiter(cfg.ETH.RateLimitRPS, cfg.ETH.RateBurst, model.SymbolETH.String()))
	}
	client.SetBreaker(newRPCBreaker(model.SymbolETH, logger))

	pricer := ethrpc.NewAdditivePricer(client, cfg.ETH.GasPremiumGwei*gweiPerWei)

	settings := cfg.CoinSettings("ETH")
	ethAgent, err := account.New(accountConfig(settings, cfg.ETH.StartBlock), account.Deps{
		Keyring:     keyring,
		Client:      client,
		Pricer:      pricer,
		DB:          db,
		Coins:       r.coins,
		Addresses:   r.addresses,
		Deposits:    r.deposits,
		Withdrawals: r.withdrawals,
		Accounts:    r.accounts,
		Counters:    r.counters,
		Publisher:   publisher,
		Alerter:     alerter,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	// Seed the nonce counter from the chain so the first allocation lines up
	// with the hot wallet's next usable sequence. Existing counters are left
	// untouched.
	chainNonce, err := client.NextNonce(ctx, ethAgent.HotAddress())
	if err != nil {
		return nil, fmt.Errorf("fetch hot wallet nonce: %w", err)
	}
	if err := r.counters.EnsureExists(ctx, "eth_withdrawal_nonce", int64(chainNonce)); err != nil {
		return nil, fmt.Errorf("provision nonce counter: %w", err)
	}

	return ethAgent, nil
}

func runHealthServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
