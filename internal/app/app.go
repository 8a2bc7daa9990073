// Package app wires CF-X Router's components together and runs the HTTP
// server until the given context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cfxhq/router/internal/alertsink"
	"github.com/cfxhq/router/internal/auth"
	"github.com/cfxhq/router/internal/breaker"
	"github.com/cfxhq/router/internal/concurrency"
	"github.com/cfxhq/router/internal/config"
	"github.com/cfxhq/router/internal/httpserver"
	"github.com/cfxhq/router/internal/logqueue"
	"github.com/cfxhq/router/internal/pipeline"
	"github.com/cfxhq/router/internal/platform"
	"github.com/cfxhq/router/internal/quota"
	"github.com/cfxhq/router/internal/security"
	"github.com/cfxhq/router/internal/stageconfig"
	"github.com/cfxhq/router/internal/store"
	"github.com/cfxhq/router/internal/telemetry"
	"github.com/cfxhq/router/internal/upstream"
)

// upstreamName labels the single upstream client in metrics and alerts.
// The gateway proxies exactly one multiplexer today; this constant is the
// seam a multi-upstream future would key off of.
const upstreamName = "default"

// Run takes the loaded configuration, connects to infrastructure, wires
// every component, and serves HTTP until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting cfx-router", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	stages := stageconfig.Load(cfg.StageConfigPath, logger)

	hasher, err := security.NewHasher(cfg.HashSalt, cfg.KeyHashPepper)
	if err != nil {
		return fmt.Errorf("initializing hasher: %w", err)
	}

	var st store.Store = store.NewPostgresStore(db)
	st = store.NewCachedStore(st, rdb, logger)

	authr := auth.NewAuthenticator(hasher, st, logger)
	quotaChecker := quota.NewChecker(st, cfg.DailyRequestLimit, logger)
	slots := concurrency.NewLedger(cfg.StreamingConcurrencyCap)

	breakerEvents := make(chan breaker.Event, 16)
	cb := breaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerRecovery, breakerEvents)
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamConnectTimeout, cfg.UpstreamRequestTimeout, cb)

	sink := alertsink.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	go observeBreaker(ctx, breakerEvents, sink)

	logQueue := logqueue.New(st, cfg.LogQueueCapacity, logger)
	logQueue.Start(ctx)
	defer logQueue.Close()

	pipelineHandler := pipeline.New(stages, quotaChecker, slots, upstreamClient, logQueue, st, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	srv.Router.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(authr))
		r.Post("/chat/completions", pipelineHandler.ServeHTTP)
	})

	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     srv,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: a streaming chat-completions response can stay
		// open for the lifetime of the upstream call, well past any fixed
		// write deadline.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// observeBreaker is the circuit breaker's single event consumer: it records
// every transition in Prometheus and forwards alerting transitions to
// Slack. One reader only, matching the breaker's non-blocking single-send
// contract.
func observeBreaker(ctx context.Context, events <-chan breaker.Event, sink *alertsink.Sink) {
	for {
		select {
		case ev := <-events:
			telemetry.CircuitBreakerTransitionsTotal.WithLabelValues(upstreamName, ev.From.String(), ev.To.String()).Inc()
			telemetry.CircuitBreakerState.WithLabelValues(upstreamName).Set(breakerStateValue(ev.To))
			sink.HandleEvent(ctx, upstreamName, ev)
		case <-ctx.Done():
			return
		}
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
