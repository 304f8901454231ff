package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/params"
	"github.com/uhyunpark/xchange/pkg/api"
	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/governance"
	"github.com/uhyunpark/xchange/pkg/app/exchange"
	"github.com/uhyunpark/xchange/pkg/crypto"
	"github.com/uhyunpark/xchange/pkg/events"
	"github.com/uhyunpark/xchange/pkg/metrics"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/token"
	"github.com/uhyunpark/xchange/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, closeLog, err := newLogger(cfg.Node)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer closeLog()
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("config_invalid", "err", err)
	}

	// ---- Storage ----
	var store *storage.PebbleStore
	if cfg.Node.DataDir == "" {
		store, err = storage.OpenInMemory()
	} else {
		store, err = storage.Open(cfg.Node.DataDir)
	}
	if err != nil {
		sugar.Fatalw("storage_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Node.JournalFile != "" {
		fj, err := storage.NewFileJournal(cfg.Node.JournalFile)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalFile, "err", err)
		}
		defer fj.Close()
		journal = fj
	}

	// ---- Tokens (devnet) ----
	tokens := token.NewRegistry()
	devTokens := deployDevTokens(tokens, cfg, sugar)

	// ---- Trade fan-out ----
	m := metrics.New()
	feeds := events.Fanout{events.PublisherFunc(func(_ context.Context, t core.Trade) error {
		m.ObserveTrade(t)
		return nil
	})}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, sugar)
		feeds = append(feeds, kp)
		sugar.Infow("kafka_feed_enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}
	defer feeds.Close()

	// ---- Exchange ----
	var srv *api.Server
	x, err := exchange.New(exchange.Config{
		Quorum:            cfg.Governance.Quorum,
		RequiredApprovals: cfg.Governance.RequiredApprovals,
		QuoteSymbol:       core.NewSymbol(cfg.Exchange.QuoteSymbol),
		Address:           cfg.Exchange.Address,
	}, tokens,
		exchange.WithStore(store),
		exchange.WithJournal(journal),
		exchange.WithLogger(sugar),
		exchange.WithObserver(m),
		exchange.WithTradeHook(func(t core.Trade) {
			if err := feeds.PublishTrade(context.Background(), t); err != nil {
				sugar.Warnw("trade_feed_failed", "trade", t.ID, "err", err)
			}
			srv.BroadcastTrade(t)
		}),
		exchange.WithBookHook(func(s core.Symbol) { srv.BroadcastBook(s) }),
	)
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}

	st, err := store.Load()
	if err != nil {
		sugar.Fatalw("state_load_failed", "err", err)
	}
	if err := x.Restore(st); err != nil {
		sugar.Fatalw("state_restore_failed", "err", err)
	}
	reseedCustody(x, devTokens, sugar)

	// ---- API ----
	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain(cfg.Exchange.ChainID, cfg.Exchange.Address))
	srv = api.NewServer(x, eip712, sugar,
		api.WithMetrics(m.Handler()),
		api.WithAllowedOrigins(cfg.Node.AllowedOrigins),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("node_starting",
		"quorum", len(cfg.Governance.Quorum),
		"required_approvals", cfg.Governance.RequiredApprovals,
		"quote", cfg.Exchange.QuoteSymbol,
		"exchange", cfg.Exchange.Address.Hex(),
		"chain_id", cfg.Exchange.ChainID,
		"listings", len(x.Listings()),
		"state_hash", x.StateHash().Hex(),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx, cfg.Node.APIAddr) }()

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_requested")
	case err := <-errCh:
		if err != nil {
			sugar.Errorw("api_failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Infow("node_stopped", "state_hash", x.StateHash().Hex())
}

// newLogger tees to cfg.LogFile when one is set and logs to stdout otherwise.
func newLogger(cfg params.Node) (*zap.Logger, func() error, error) {
	if cfg.LogFile != "" {
		return util.NewLoggerWithFile(cfg.LogFile, cfg.LogLevel)
	}
	logger, err := util.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() error { return nil }, nil
}

// deployDevTokens deploys the devnet tokens in memory, mints cfg.Devnet.Mint
// base units to every quorum member and approves the exchange to pull them.
func deployDevTokens(reg *token.Registry, cfg params.Config, log *zap.SugaredLogger) map[common.Address]*token.ERC20 {
	out := make(map[common.Address]*token.ERC20, len(cfg.Devnet.Tokens))
	mint := core.NewAmount(cfg.Devnet.Mint)
	for _, name := range cfg.Devnet.Tokens {
		tok, err := reg.Deploy(name)
		if err != nil {
			log.Fatalw("dev_token_deploy_failed", "token", name, "err", err)
		}
		for _, member := range cfg.Governance.Quorum {
			if err := tok.Mint(member, mint); err != nil {
				log.Fatalw("dev_mint_failed", "token", name, "err", err)
			}
			tok.Approve(member, cfg.Exchange.Address, mint)
		}
		out[tok.Address()] = tok
		log.Infow("dev_token_deployed", "symbol", name, "address", tok.Address().Hex())
	}
	return out
}

// reseedCustody mints what the restored ledger owes into custody. Devnet
// tokens live in memory and start empty on every run.
func reseedCustody(x *exchange.Exchange, devTokens map[common.Address]*token.ERC20, log *zap.SugaredLogger) {
	for _, l := range x.Listings() {
		if l.Status != governance.Listed {
			continue
		}
		tok, ok := devTokens[l.Token]
		if !ok {
			continue
		}
		owed, err := x.Owed(l.Symbol)
		if err != nil {
			log.Fatalw("custody_reseed_failed", "symbol", l.Symbol.String(), "err", err)
		}
		if owed.IsZero() {
			continue
		}
		if err := tok.Mint(x.Address(), owed); err != nil {
			log.Fatalw("custody_reseed_failed", "symbol", l.Symbol.String(), "err", err)
		}
		if err := x.CheckSolvency(context.Background(), l.Symbol); err != nil {
			log.Fatalw("custody_insolvent", "symbol", l.Symbol.String(), "err", err)
		}
		log.Infow("custody_reseeded", "symbol", l.Symbol.String(), "amount", owed.Dec())
	}
}
