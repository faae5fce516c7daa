package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/wa-gateway/internal/config"
	"github.com/Cypherspark/wa-gateway/internal/core"
	"github.com/Cypherspark/wa-gateway/internal/db"
	"github.com/Cypherspark/wa-gateway/internal/engine"
	httpapi "github.com/Cypherspark/wa-gateway/internal/http"
	"github.com/Cypherspark/wa-gateway/internal/metrics"
	"github.com/Cypherspark/wa-gateway/internal/sessions"
	"github.com/Cypherspark/wa-gateway/internal/transport"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Error().Err(err).Msg("config")
		exitCode = 1
		return
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	pool, err := db.Connect(rootCtx, cfg.Database.PostgresURL)
	if err != nil {
		log.Error().Err(err).Msg("db connect")
		exitCode = 1
		return
	}
	defer pool.Close()

	if err := db.Migrate(rootCtx, pool); err != nil {
		log.Error().Err(err).Msg("db migrate")
		exitCode = 1
		return
	}

	store := &core.Store{DB: pool}

	// ---- Session pool (+ optional redis cache) ----
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable; session cache disabled")
			rdb = nil
		}
	}
	sessPool := sessions.NewStorePool(store, rdb, cfg.Redis.TTL, log.With().Str("component", "sessions").Logger())

	// ---- Metrics ----
	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(pool)
	statsStop := make(chan struct{})
	go poolStats.Start(10*time.Second, statsStop)
	defer close(statsStop)

	// ---- Engine ----
	// Wire a real WhatsApp client here; the dummy simulates one.
	tr := transport.NewDummy()
	eng := engine.New(store, store, store, sessPool, tr, engine.Options{
		TransportQPS:   cfg.Engine.TransportQPS,
		TransportBurst: cfg.Engine.TransportBurst,
		SendTimeout:    cfg.Engine.SendTimeout,
		StorageRetries: cfg.Engine.StorageRetries,
		StorageBackoff: cfg.Engine.StorageBackoff,
	}, log.With().Str("component", "engine").Logger())

	// ---- Allowance janitor ----
	jlog := log.With().Str("component", "janitor").Logger()
	c := cron.New()
	if _, err := c.AddFunc(cfg.Janitor.Schedule, func() {
		ctx, jcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer jcancel()
		n, err := store.ExpireAllowances(ctx)
		if err != nil {
			jlog.Error().Err(err).Msg("expire sweep failed")
			return
		}
		if n > 0 {
			metrics.AllowancesExpired.Add(float64(n))
			jlog.Info().Int64("expired", n).Msg("allowances expired")
		}
	}); err != nil {
		log.Error().Err(err).Msg("janitor schedule")
		exitCode = 1
		return
	}
	c.Start()

	// ---- HTTP server ----
	srv := httpapi.NewServer(store, eng, sessPool, cfg.Pacing)
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server")
			cancel()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down")

	// Stop accepting, then drain in-flight batches before the pool goes away.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	<-c.Stop().Done()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("engine drain cut short")
	}
}
