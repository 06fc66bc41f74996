package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sendbridge/remitd/internal/account"
	"github.com/sendbridge/remitd/internal/api"
	"github.com/sendbridge/remitd/internal/api/handler"
	"github.com/sendbridge/remitd/internal/api/middleware"
	"github.com/sendbridge/remitd/internal/config"
	"github.com/sendbridge/remitd/internal/db"
	"github.com/sendbridge/remitd/internal/fx"
	"github.com/sendbridge/remitd/internal/gateway"
	"github.com/sendbridge/remitd/internal/observability"
	"github.com/sendbridge/remitd/internal/outbox"
	"github.com/sendbridge/remitd/internal/refcache"
	"github.com/sendbridge/remitd/internal/service"
	"github.com/sendbridge/remitd/internal/storage/postgres"
	"github.com/sendbridge/remitd/internal/worker"
)

// Run bootstraps the HTTP server and the background workers, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	loc, err := time.LoadLocation(cfg.LocalTimeZone)
	if err != nil {
		return fmt.Errorf("load time zone: %w", err)
	}
	handler.SetLocalTimeZone(loc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := postgres.NewStore(pool)
	cache := refcache.New(redisClient, cfg.CacheTTL)
	rates := fx.NewResolver(store, cache)
	accounts := account.NewValidator()
	quotes := service.NewQuotationService(cfg.QuotationTTL)
	audit := service.NewAuditService()
	transfers := service.NewTransferService(store, rates, accounts, quotes, audit)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build gateway registry: %w", err)
	}
	dispatcher := outbox.NewDispatcher(store, registry, transfers, outbox.Config{
		BatchSize:      cfg.DispatchBatchSize,
		MaxAttempts:    cfg.DispatchMaxAttempts,
		BackoffBase:    cfg.DispatchBackoffBase,
		AttemptTimeout: cfg.ProviderTimeout,
	})

	dispatchWorker := worker.NewDispatchWorker(dispatcher).WithInterval(cfg.DispatchPollInterval)
	stopDispatch := dispatchWorker.Run(ctx)
	logger.Info("dispatch worker started",
		zap.Duration("interval", cfg.DispatchPollInterval),
		zap.Int32("batch", cfg.DispatchBatchSize),
		zap.Strings("providers", registry.Names()))

	expiryWorker := worker.NewExpiryWorker(transfers, quotes, store).WithInterval(cfg.ExpirySweepInterval)
	stopExpiry := expiryWorker.Run(ctx)
	logger.Info("expiry worker started", zap.Duration("interval", cfg.ExpirySweepInterval))

	router := api.NewRouter(cfg, logger, store, pool, redisClient, transfers, rates)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopDispatch()
	stopExpiry()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func buildRegistry(cfg *config.Config) (*gateway.Registry, error) {
	gateways := make([]gateway.Gateway, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		var auth gateway.Authenticator
		switch p.Auth {
		case "api_key":
			auth = gateway.APIKeyAuth{Header: p.AuthHeader, Key: p.Credential}
		case "bearer":
			auth = gateway.BearerAuth{Token: p.Credential}
		case "hmac":
			auth = gateway.HMACAuth{Header: p.AuthHeader, Secret: []byte(p.Credential)}
		default:
			return nil, fmt.Errorf("provider %s: unknown auth scheme %q", p.Code, p.Auth)
		}
		timeout := time.Duration(p.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = cfg.ProviderTimeout
		}
		gateways = append(gateways, gateway.NewHTTPGateway(gateway.HTTPGatewayConfig{
			Name:      p.Code,
			SendURL:   p.SendURL,
			StatusURL: p.StatusURL,
			Auth:      auth,
			Timeout:   timeout,
		}))
	}
	return gateway.NewRegistry(gateways...), nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
