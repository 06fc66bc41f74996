package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"

	"github.com/sendbridge/remitd/internal/api/handler"
	"github.com/sendbridge/remitd/internal/api/middleware"
	"github.com/sendbridge/remitd/internal/api/spec"
	"github.com/sendbridge/remitd/internal/config"
	"github.com/sendbridge/remitd/internal/fx"
	"github.com/sendbridge/remitd/internal/service"
	"github.com/sendbridge/remitd/internal/storage"
)

// Router wires handlers, middleware and integrations into the HTTP surface.
type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     storage.Store
	pool      *pgxpool.Pool
	redis     redis.Cmdable
	transfers *service.TransferService
	rates     *fx.Resolver
}

func NewRouter(cfg *config.Config, logger *zap.Logger, store storage.Store, pool *pgxpool.Pool, redisClient redis.Cmdable, transfers *service.TransferService, rates *fx.Resolver) *Router {
	return &Router{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		pool:      pool,
		redis:     redisClient,
		transfers: transfers,
		rates:     rates,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.pool, api.redis)
	transferHandler := handler.NewTransferHandler(api.transfers)
	agentHandler := handler.NewAgentHandler(api.transfers)
	rateHandler := handler.NewRateHandler(api.rates)
	adminHandler := handler.NewAdminHandler(api.transfers, api.store)

	// Public routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
		r.Get("/openapi.yaml", spec.OpenAPIHandler())
		r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Agent routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AgentRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Post("/v1/transfers/check", transferHandler.Check)
		r.Post("/v1/transfers/prepare", transferHandler.Prepare)
		r.Post("/v1/transfers/confirm", transferHandler.Confirm)
		r.Get("/v1/transfers/{externalID}", transferHandler.GetStatus)

		r.Get("/v1/balance", agentHandler.GetBalance)
		r.Get("/v1/rates", rateHandler.ListRates)
		r.Get("/v1/rates/{base}/{quote}", rateHandler.GetRate)
	})

	// Admin routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RequireRole("admin"))

		r.Put("/v1/admin/rates", rateHandler.UpsertRate)
		r.Get("/v1/admin/account-definitions", adminHandler.ListAccountDefinitions)
		r.Put("/v1/admin/account-definitions", adminHandler.UpsertAccountDefinition)
		r.Get("/v1/admin/transfers", adminHandler.ListTransfersByStatus)
		r.Get("/v1/admin/transfers/{transferID}/outbox", adminHandler.GetOutbox)
		r.Post("/v1/admin/transfers/{transferID}/fraud", adminHandler.MarkFraud)
	})

	return r
}
