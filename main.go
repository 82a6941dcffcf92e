package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"avatarchat/internal/api"
	"avatarchat/internal/config"
	"avatarchat/internal/logging"
	"avatarchat/internal/payment"
	"avatarchat/internal/ratelimit"
	"avatarchat/internal/redis"
	"avatarchat/internal/safety"
	"avatarchat/internal/service/ai"
	"avatarchat/internal/service/chat"
	"avatarchat/internal/service/entitlement"
	"avatarchat/internal/service/history"
	"avatarchat/internal/storage"
	"avatarchat/internal/worker"

	"github.com/gin-gonic/gin"
)

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func main() {
	exportPath := flag.String("export", "", "write every stored message as JSON lines to this path and exit")
	flag.Parse()

	cfgPath := os.Getenv("AVATARCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("load config", err)
	}
	logger := logging.Init(cfg.BasicConfig.LogLevel)

	dbType := os.Getenv("AVATARCHAT_DB")
	if dbType == "" {
		dbType = storage.DriverSQLite
	}
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		fatal("open database", err)
	}
	defer db.Close()

	// Create necessary tables: messages, users
	if err := storage.Migrate(db, dbType); err != nil {
		fatal("migrate database", err)
	}

	messages := history.NewStore(db)
	if *exportPath != "" {
		if err := exportHistory(messages, *exportPath); err != nil {
			fatal("export history", err)
		}
		return
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			fatal("create redis client", err)
		}
		defer rdb.Close()
	}

	entOpts := []entitlement.Option{entitlement.WithLogger(logger)}
	if rdb != nil {
		entOpts = append(entOpts, entitlement.WithCache(entitlement.NewRedisCache(rdb, entitlement.DefaultCacheTTL)))
	}
	entitlements, err := entitlement.NewStore(db, dbType, entOpts...)
	if err != nil {
		fatal("init entitlement store", err)
	}

	for _, missing := range cfg.MissingCredentials() {
		logger.Warn("credential not configured", "setting", missing)
	}

	basic := cfg.BasicConfig
	completer, err := ai.NewService(context.Background(), cfg.AI, time.Duration(basic.CompletionTimeoutSeconds)*time.Second)
	if err != nil {
		fatal("init completion model", err)
	}

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        basic.MinWorkers,
		MaxWorkers:        basic.MaxWorkers,
		QueueSize:         basic.QueueSize,
		WorkerIdleTimeout: time.Duration(basic.WorkerIdleTimeoutSeconds) * time.Second,
	})
	defer dispatcher.Stop()

	chatService := chat.NewService(messages, entitlements, completer,
		chat.WithSafety(safety.NewFilter(basic.BannedTerms).Allowed),
		chat.WithRunner(dispatcher),
		chat.WithDailyQuota(basic.FreeDailyQuota),
		chat.WithHistoryLimit(basic.HistoryLimit),
		chat.WithLogger(logger),
	)

	providerTimeout := time.Duration(basic.ProviderTimeoutSeconds) * time.Second
	stripe := payment.NewStripe(cfg.Payments.Stripe, cfg.Payments.PublicOrigin, entitlements, providerTimeout, logger)
	if !stripe.VerifiesWebhooks() {
		logger.Warn("stripe webhook secret not set; webhook events are accepted without signature verification")
	}
	paypal := payment.NewPayPal(cfg.Payments.PayPal, cfg.Payments.PublicOrigin, entitlements, providerTimeout, logger)

	var limits []gin.HandlerFunc
	if rdb != nil && basic.RateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewFixedWindowLimiter(rdb, "avatarchat:ratelimit", basic.RateLimitPerMinute, time.Minute, logger)
		if err != nil {
			fatal("init rate limiter", err)
		}
		limits = append(limits, ratelimit.Middleware(limiter))
	}

	handlers := api.NewHandler(chatService, entitlements, stripe, paypal, api.PublicConfig{
		PayPalClientID:  cfg.Payments.PayPal.ClientID,
		PublicOrigin:    cfg.Payments.PublicOrigin,
		PriceCents:      cfg.Payments.Stripe.PriceCents,
		TrialDays:       cfg.Payments.Stripe.TrialPeriodDays(),
		FreeChatsPerDay: basic.FreeDailyQuota,
		HasAIKey:        completer.Configured(),
		HasStripe:       stripe.Configured(),
	}, logger)

	router := gin.Default()
	handlers.RegisterRoutes(router, limits...)

	logger.Info("server listening", "addr", basic.ServerAddress)
	if err := router.Run(basic.ServerAddress); err != nil {
		fatal("server stopped", err)
	}
}

func exportHistory(messages *history.Store, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := messages.Export(context.Background(), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	slog.Info("history exported", "path", path, "messages", n)
	return nil
}
