package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/envelope-vault/internal/api"
	"github.com/kenneth/envelope-vault/internal/audit"
	"github.com/kenneth/envelope-vault/internal/cache"
	"github.com/kenneth/envelope-vault/internal/config"
	"github.com/kenneth/envelope-vault/internal/crypto"
	"github.com/kenneth/envelope-vault/internal/kms"
	"github.com/kenneth/envelope-vault/internal/metrics"
	"github.com/kenneth/envelope-vault/internal/middleware"
	"github.com/kenneth/envelope-vault/internal/storage"
	"github.com/kenneth/envelope-vault/internal/vault"
)

// gateway is the fully wired HTTP surface of the daemon.
type gateway struct {
	handler http.Handler
	api     *api.Handler
	metrics *metrics.Metrics
	audit   audit.Logger

	closers []func()
}

// Close stops background work and releases idle connections.
func (g *gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
}

func newGateway(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*gateway, error) {
	gw := &gateway{}

	if cfg.Metrics.Enabled {
		gw.metrics = metrics.NewMetrics()
		stop := make(chan struct{})
		gw.metrics.StartSystemMetricsCollector(15*time.Second, stop)
		gw.closers = append(gw.closers, func() { close(stop) })
	}

	keys, err := kms.NewClient(cfg.KMS)
	if err != nil {
		return nil, err
	}
	gw.closers = append(gw.closers, keys.Close)

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		gw.Close()
		return nil, err
	}
	gw.closers = append(gw.closers, func() { storage.Release(store) })
	logger.WithField("backend", store.Name()).Info("Storage backend initialized")

	opts := []vault.Option{
		vault.WithLogger(logger),
		vault.WithOperationTimeout(cfg.OperationTimeout),
	}
	if gw.metrics != nil {
		opts = append(opts, vault.WithMetrics(gw.metrics))
	}
	if cfg.Cache.Enabled {
		opts = append(opts, vault.WithListCache(
			cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.DefaultTTL),
			cfg.Cache.DefaultTTL,
		))
		logger.WithFields(logrus.Fields{
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Listing cache enabled")
	}
	if cfg.Audit.Enabled {
		gw.audit = audit.NewLogger(
			cfg.Audit.MaxEvents,
			audit.NewLogrusWriter(logger),
			vault.ClassifyError,
		)
		opts = append(opts, vault.WithAudit(gw.audit))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	v := vault.New(crypto.NewCodec(), keys, store, opts...)
	gw.api = api.NewHandler(v, logger, cfg.Server.MaxUploadBytes)

	router := mux.NewRouter()
	router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	if gw.metrics != nil {
		router.Use(middleware.MetricsMiddleware(gw.metrics))
		router.Handle(cfg.Metrics.Path, gw.metrics.Handler()).Methods("GET")
	}
	gw.api.RegisterRoutes(router)

	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.FileNameValidationMiddleware(logger)(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		gw.closers = append(gw.closers, rateLimiter.Stop)
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	gw.handler = httpHandler
	return gw, nil
}
