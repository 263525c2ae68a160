package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"comic-forge/internal/config"
	"comic-forge/internal/genai"
	"comic-forge/internal/queue"
	"comic-forge/internal/rooms"
	"comic-forge/internal/store"
	"comic-forge/internal/telemetry"
	workerproc "comic-forge/internal/worker"
)

func newLogger(env string) zerolog.Logger {
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker: migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQKey:            cfg.DLQKey,
	})
	registry := rooms.New(redisClient, cfg.OutcomeCacheTTL, log)

	backend, err := genai.New(genai.Options{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.BackendTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("worker: init generative backend")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("worker: metrics server stopped")
		}
	}()

	processor := workerproc.New(cfg, q, st, backend, registry, log)
	log.Info().
		Int("workers", cfg.WorkerCount).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}
