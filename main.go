package main

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"gasless-relayer/apperr"
	"gasless-relayer/chain"
	"gasless-relayer/config"
	"gasless-relayer/controllers"
	"gasless-relayer/database"
	"gasless-relayer/kvstore"
	"gasless-relayer/logger"
	"gasless-relayer/middlewares"
	"gasless-relayer/ratelimit"
	"gasless-relayer/relay"
	"gasless-relayer/relay/bundler"
	"gasless-relayer/routes"
	"gasless-relayer/secrets"
	"gasless-relayer/sessionkey"
	"gasless-relayer/smartaccount"
	"gasless-relayer/status"
)

const sweepInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New(int(zerolog.InfoLevel), "console")
		boot.Fatal().Err(err).Msg("config")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.RequireChain(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Database
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer database.Close(db)
	if err := database.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}
	kv := kvstore.NewGormStore(db)

	// ---- Relayer credentials
	keys, err := keySource(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("relayer key source")
	}
	var relayerAddr common.Address
	if key, err := keys.RelayerKey(ctx); err != nil {
		// reads keep working; writes fail with a config error until fixed
		log.Error().Err(err).Msg("relayer key unavailable")
	} else {
		relayerAddr = crypto.PubkeyToAddress(key.PublicKey)
		log.Info().Str("relayer", relayerAddr.Hex()).Msg("relayer key loaded")
	}

	// ---- Chain
	chainID := big.NewInt(cfg.ChainID)
	contract := common.HexToAddress(cfg.GameContractAddress)
	game, eth, err := chain.Dial(ctx, cfg.ChainRPCURL, contract, chain.Options{
		ChainID:       chainID,
		RatePerSecond: cfg.RPCRatePerSecond,
		ScanFromBlock: cfg.EventScanFromBlock,
		ScanRange:     cfg.EventScanRange,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("chain")
	}
	defer eth.Close()

	var sponsor relay.Sponsor
	if cfg.BundlerRPCURL != "" {
		b, err := bundler.Dial(ctx, cfg.BundlerRPCURL, common.HexToAddress(cfg.EntryPointAddress), chainID, log)
		if err != nil {
			log.Fatal().Err(err).Msg("bundler")
		}
		defer b.Close()
		sponsor = b
	} else {
		log.Warn().Msg("no bundler configured, relaying direct only")
	}

	// ---- Domain services
	retry := apperr.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialDelay = cfg.RetryInitialDelay
	retry.MaxDelay = cfg.RetryMaxDelay

	resolver := smartaccount.NewResolver(game, game, keys, smartaccount.MaskDeriver{Index: cfg.DerivationIndex}, cfg.TxConfirmTimeout, log)
	reconciler := status.NewReconciler(kv, resolver, ratelimit.New(kv, "status", cfg.StatusMinInterval), log)

	sessions := sessionkey.NewStore(db, log)
	if cfg.SessionOnChainRegister {
		sessions.WithRegistrar(sessionkey.NewChainRegistrar(contract, game, keys))
	}
	executor := relay.NewExecutor(db, sessions, resolver, sponsor, game, keys, relay.Options{
		DedupWindow:    cfg.RelayDedupWindow,
		ConfirmTimeout: cfg.TxConfirmTimeout,
		Retry:          retry,
	}, log)
	sessions.WithRelay(executor, contract)

	api := &controllers.API{
		DB:                  db,
		KV:                  kv,
		Contract:            game,
		Resolver:            resolver,
		Status:              reconciler,
		Sessions:            sessions,
		Relay:               executor,
		EnableLimiter:       ratelimit.New(kv, "enable", cfg.EnableMinInterval),
		EnableMessageMaxAge: cfg.EnableMessageMaxAge,
		RelayerAddress:      relayerAddr,
		Logger:              log,
	}

	// ---- Fiber app with global error handler + body limit
	app := fiber.New(fiber.Config{
		ErrorHandler:          middlewares.ErrorHandler(log),
		BodyLimit:             cfg.BodyLimitBytes,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(middlewares.RequestLogger(log))

	// ---- CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: false, // bearer tokens only, no cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Idempotency-Key, X-Request-ID",
	}))

	// ---- Global per-IP rate limiter; per-wallet limits live in the handlers
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
	}))

	routes.Register(app, api, routes.Options{OperatorJWTSecret: cfg.OperatorJWTSecret})

	go sweep(ctx, sessions, executor, kv, log)

	// ---- Start
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("port", cfg.Port).Int64("chain_id", cfg.ChainID).Str("contract", contract.Hex()).Msg("relayer listening")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
}

func keySource(cfg *config.Config) (secrets.KeySource, error) {
	switch cfg.RelayerKeySource {
	case "ssm":
		src, err := secrets.NewSSMSource(cfg.AWSRegion, cfg.RelayerKeySSMParam)
		if err != nil {
			return nil, err
		}
		return secrets.NewCached(src), nil
	default:
		return secrets.NewCached(secrets.EnvSource{Key: cfg.RelayerPrivateKey}), nil
	}
}

// sweep periodically drops dead session keys, old ledger rows and expired KV entries.
func sweep(ctx context.Context, sessions *sessionkey.Store, executor *relay.Executor, kv *kvstore.GormStore, log zerolog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		keys, err := sessions.PurgeExpired(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("session sweep failed")
		}
		rows, err := executor.PurgeLedger(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("ledger sweep failed")
		}
		entries, err := kv.PurgeExpired(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("kv sweep failed")
		}
		log.Debug().Int64("session_keys", keys).Int64("ledger_rows", rows).Int64("kv_entries", entries).Msg("sweep")
	}
}
