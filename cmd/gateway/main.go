package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"payment-gateway/internal/api"
	"payment-gateway/internal/bus"
	"payment-gateway/internal/config"
	"payment-gateway/internal/dispatch"
	"payment-gateway/internal/health"
	"payment-gateway/internal/metrics"
	"payment-gateway/internal/registry"
	"payment-gateway/internal/store"
	"payment-gateway/internal/upstream"
)

func main() {
	// Local development convenience; production injects real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	log := newLogger(cfg)
	log.Info().
		Bool("leader", cfg.IsLeader()).
		Int("workers", cfg.NumConsumer).
		Int("fallback_threshold", cfg.FallbackThreshold()).
		Msg("gateway starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Connect(ctx, cfg.DBURL, cfg.StorePoolSize(), cfg.StoreTTL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store unavailable")
	}
	defer db.Close()

	channel, err := connectBus(ctx, cfg, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus unavailable")
	}
	defer channel.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	reg := registry.New(cfg.URLDefault, cfg.URLFallback)
	client := upstream.New(upstream.Options{})

	dispatcher := dispatch.New(reg, db, client, m, log, dispatch.Config{
		MaxAttempts:       cfg.MaxAttempts,
		InitialDelay:      cfg.InitialDelay,
		MaxDelay:          cfg.MaxDelay,
		FallbackThreshold: cfg.FallbackThreshold(),
	})

	queues := dispatch.NewQueues(cfg.NumConsumer, cfg.QueueDepth)
	defer queues.Close()
	for i := 0; i < cfg.NumConsumer; i++ {
		go dispatcher.RunWorker(ctx, i, queues.Shard(i))
	}

	if cfg.IsLeader() {
		health.NewProber(reg, client, channel, cfg.ProbeInterval, log).Run(ctx)
	} else {
		if err := health.NewSubscriber(reg, channel, log).Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("health subscription failed")
		}
	}

	handler := api.New(dispatcher, queues, db, int64(cfg.FastPathPermits), m, log)
	router := mux.NewRouter()
	handler.RegisterRoutes(router, promReg)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	// Detached dispatches still in flight are dropped with the process.
	cancel()
}

// newLogger follows the AMBIENTE split: structured JSON at info level
// for PROD, a human console at debug for everything else.
func newLogger(cfg config.Config) zerolog.Logger {
	if cfg.IsProd() {
		return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

// connectBus picks the health channel implementation: NATS when a bus
// URL is configured, the store's own pub/sub otherwise.
func connectBus(ctx context.Context, cfg config.Config, db *store.Store, log zerolog.Logger) (bus.HealthChannel, error) {
	if cfg.NATSURL == "" {
		log.Info().Msg("no bus configured, using store pub/sub for health updates")
		return bus.NewRedisChannel(db.Client(), log), nil
	}
	return bus.ConnectNATS(ctx, cfg.NATSURL, log)
}
