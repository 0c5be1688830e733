package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/polyexec/internal/config"
	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/exchange"
	"github.com/GoPolymarket/polyexec/internal/exitmonitor"
	"github.com/GoPolymarket/polyexec/internal/handler"
	"github.com/GoPolymarket/polyexec/internal/hub"
	"github.com/GoPolymarket/polyexec/internal/manager"
	"github.com/GoPolymarket/polyexec/internal/market"
	"github.com/GoPolymarket/polyexec/internal/middleware"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/GoPolymarket/polyexec/internal/ratelimit"
	"github.com/GoPolymarket/polyexec/internal/repository"
	"github.com/GoPolymarket/polyexec/internal/retry"
	"github.com/GoPolymarket/polyexec/internal/settlement"
	"github.com/GoPolymarket/polyexec/internal/signer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
)

type walletStore interface {
	handler.WalletRepo
	custody.KeystoreSource
}

type positionStore interface {
	handler.PositionRepo
	exitmonitor.PositionRepo
}

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Initialize Persistence (Postgres > Memory)
	var (
		pairRepo     settlement.PairRepo = repository.NewMemoryPairRepo()
		positionRepo positionStore       = repository.NewMemoryPositionRepo()
		walletRepo   walletStore         = repository.NewMemoryWalletRepo()
	)
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL")
			pairRepo = repository.NewPostgresPairRepo(db)
			positionRepo = repository.NewPostgresPositionRepo(db)
			walletRepo = repository.NewPostgresWalletRepo(db)
		} else {
			logger.Error("⚠️ Failed to connect to DB, state will not survive restarts", "error", err)
		}
	}

	// Peaks and idempotency records (Redis > Memory)
	var (
		peaks exitmonitor.PeakStore = repository.NewMemoryPeakStore()
		idem  middleware.IdempotencyStore
	)
	if cfg.Redis.Addr != "" {
		rdb, err := repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			peaks = repository.NewRedisPeakStore(rdb, cfg.Redis.PeakKey)
			idem = repository.NewRedisIdempotencyStore(rdb, cfg.Redis.IdemKey, cfg.Server.IdempotencyTTL())
			defer rdb.Close()
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
		}
	}

	// keys never survive a restart, so neither does the flag
	resetAutoTrading(ctx, walletRepo)

	// 3. Initialize Core Services
	keys := custody.NewStore()
	unlocker := custody.NewUnlocker(walletRepo, keys)
	limiter := ratelimit.New(ratelimit.Limits{
		Window:      time.Duration(cfg.RateLimit.WindowSeconds * float64(time.Second)),
		General:     cfg.RateLimit.General,
		PlaceOrder:  cfg.RateLimit.PlaceOrder,
		CancelOrder: cfg.RateLimit.CancelOrder,
	})
	fanout := hub.New(cfg.Hub.Capacity)

	chain, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		log.Fatalf("Failed to dial chain rpc: %v", err)
	}
	defer chain.Close()

	nonces := manager.NewNonceManager(chain, common.HexToAddress(signer.ExchangeContractAddress))
	merger, err := exchange.NewCTFMerger(cfg.Chain, chain, nonces)
	if err != nil {
		log.Fatalf("Failed to initialize merger: %v", err)
	}
	clob := exchange.NewCLOB(cfg, walletRepo, nonces)

	// Market Data Service
	marketSvc := market.NewMarketService(cfg.Polymarket.WSURL)
	go marketSvc.Run(ctx)

	// User Execution Streams, one per auto-trading wallet
	fills := market.NewFillTracker()
	userStreams := market.NewUserStreams(ctx, cfg.Polymarket.WSURL, fills)

	settler := settlement.NewSettler(pairRepo, clob, merger, fills, limiter, keys, settlement.Options{
		Retry: retry.Policy{
			MaxRetries:    cfg.Retry.MaxRetries,
			InitialDelay:  cfg.Retry.InitialDelay(),
			MaxDelay:      cfg.Retry.MaxDelay(),
			BackoffFactor: cfg.Retry.BackoffFactor,
		},
		PartialFillTimeout: cfg.MintMaker.PartialFillTimeout(),
	})
	if cfg.MintMaker.Enabled {
		scanner := settlement.NewScanner(settler, pairRepo, fanout, keys, positionRepo, cfg.MintMaker.ScanInterval())
		go scanner.Run(ctx)
	}

	monitor := exitmonitor.New(exitmonitor.RulesFromConfig(cfg.Exit), keys, positionRepo, marketSvc, peaks)
	if cfg.Exit.Enabled {
		go monitor.Run(ctx, cfg.Exit.SweepInterval())
		go drainSignals(ctx, monitor, fanout)
	}

	// 4. Initialize Handlers
	r := handler.NewRouter(cfg, handler.Handlers{
		Wallets:   handler.NewWalletHandler(walletRepo, unlocker, keys, userStreams),
		Pairs:     handler.NewPairHandler(settler, pairRepo),
		Positions: handler.NewPositionHandler(positionRepo, monitor),
		Status:    handler.NewStatusHandler(limiter, fanout),
		Stream:    handler.NewStreamHandler(fanout),
	}, idem)

	// 5. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("🚀 PolyExec started", "port", cfg.Server.Port, "mintmaker", cfg.MintMaker.Enabled, "exit_monitor", cfg.Exit.Enabled)
	go serve(srv, quit)
	<-quit
	logger.Info("🛑 Shutting down server...")

	cancel()
	fanout.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	keys.Clear()
	logger.Info("Server exiting")
}

// serve runs srv until it is shut down. A listen failure is turned into a
// shutdown request so keys are still cleared on the way out.
func serve(srv *http.Server, quit chan<- os.Signal) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server listen failed", "error", err)
		select {
		case quit <- syscall.SIGTERM:
		default:
		}
	}
}

func resetAutoTrading(ctx context.Context, wallets walletStore) {
	list, err := wallets.ListWallets(ctx)
	if err != nil {
		logger.Error("list wallets", "error", err)
		return
	}
	for _, w := range list {
		if !w.AutoTrading {
			continue
		}
		if err := wallets.SetAutoTrading(ctx, w.Address, false); err != nil {
			logger.Error("reset auto-trading", "wallet", w.Address, "error", err)
			continue
		}
		logger.Warn("auto-trading needs re-enabling after restart", "wallet", w.Address)
	}
}

// drainSignals relays sell signals to observers. Execution belongs to the
// strategy layer, which closes the position through the API once it has sold.
func drainSignals(ctx context.Context, m *exitmonitor.Monitor, pub *hub.Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-m.Signals():
			logger.Info("sell signal",
				"position_id", sig.Position.ID,
				"wallet", sig.Position.Wallet,
				"token_id", sig.Position.TokenID,
				"trigger", sig.Trigger.Kind(),
			)
			pub.Publish(hub.TypeSellSignal, sig)
		}
	}
}
