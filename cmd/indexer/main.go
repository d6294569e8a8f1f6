package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-indexer/internal/api"
	"github.com/atmx/options-indexer/internal/config"
	"github.com/atmx/options-indexer/internal/logging"
	"github.com/atmx/options-indexer/internal/snapshot"
	"github.com/atmx/options-indexer/internal/source"
	"github.com/atmx/options-indexer/internal/store"
	"github.com/atmx/options-indexer/internal/trade"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "err", err)
	}

	configPath := flag.String("config", os.Getenv("OPTIONS_INDEXER_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger, logOut, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		slog.Error("logger setup failed", "err", err)
		os.Exit(1)
	}
	defer logOut.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("indexer stopped", "err", err)
		logOut.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	backend, cleanup, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	st := store.New(backend)

	engine, err := snapshot.NewEngine(st, cfg.Periods.Hourly, cfg.Periods.Candles, logger)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	hub := trade.NewWSHub(logger)
	go hub.Run(ctx.Done())

	svc := trade.NewService(st, engine, hub, logger)

	// --- Backfill ---
	if cfg.Replay.File != "" {
		f, err := os.Open(cfg.Replay.File)
		if err != nil {
			return fmt.Errorf("open replay file: %w", err)
		}
		n, err := source.Replay(ctx, f, svc)
		f.Close()
		if err != nil {
			return err
		}
		logger.Info("replay complete", "file", cfg.Replay.File, "events", n)
	}

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewHandler(st, hub, logger).Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		logger.Info("options-indexer listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	// --- Live events ---
	if cfg.Kafka.Enabled {
		src := source.NewKafkaSource(source.KafkaConfig{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			GroupID:        cfg.Kafka.GroupID,
			SessionTimeout: cfg.Kafka.SessionTimeout,
		}, logger)
		defer src.Close()
		go func() {
			if err := src.Run(ctx, svc); err != nil {
				errc <- fmt.Errorf("kafka source: %w", err)
			}
		}()
	}

	// Graceful shutdown.
	select {
	case <-ctx.Done():
		err = nil
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down options-indexer...")
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("shutdown error", "err", serr)
	}
	return err
}

// openBackend connects the configured document backend. The returned
// cleanup closes every connection opened.
func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Backend, func(), error) {
	if cfg.Backend == "memory" {
		logger.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryBackend(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	pg := store.NewPostgresBackend(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to PostgreSQL")

	if cfg.RedisURL == "" {
		return pg, pool.Close, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	cleanup := func() {
		rdb.Close()
		pool.Close()
	}
	return store.NewCachedBackend(pg, rdb, cfg.CacheTTL), cleanup, nil
}
