package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/spysignal/relay/internal/api"
	"github.com/spysignal/relay/internal/auth"
	"github.com/spysignal/relay/internal/config"
	"github.com/spysignal/relay/internal/relay"
	"github.com/spysignal/relay/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx := context.Background()

	// Initialize record store
	ds, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.StoreKind()).Msg("store connection failed")
	}
	defer ds.Close()

	logger.Info().Msg("running database migrations...")
	if err := ds.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("migrations completed")

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret, err = auth.RandomSecret()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to generate JWT secret")
		}
		logger.Warn().Msg("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	issuer := auth.NewIssuer(secret, cfg.TokenTTL, ds)

	queue := relay.NewSignalQueue(ds, logger, relay.WithInlineSweep(cfg.InlineSweep))

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go relay.NewSweeper(queue, cfg.SweepInterval, logger).Run(sweepCtx)

	// Create router
	router := api.NewRouter(logger, cfg, api.Services{
		Store:     ds,
		Redis:     redisStore,
		Auth:      issuer,
		Queue:     queue,
		Mailbox:   relay.NewMailbox(ds, logger, nil),
		Directory: relay.NewDirectory(ds, issuer, logger),
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("store", cfg.StoreKind()).
			Msg("starting relay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stopSweeper()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

// openStore picks the record store from configuration.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.DataStore, error) {
	switch cfg.StoreKind() {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return s, nil
	case "memory":
		logger.Warn().Msg("using in-memory store; nothing survives a restart")
		return store.NewMemoryStore(), nil
	default:
		s, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
		return s, nil
	}
}
