package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	api "comic-forge/internal/api"
	"comic-forge/internal/config"
	"comic-forge/internal/genai"
	"comic-forge/internal/queue"
	"comic-forge/internal/ratelimit"
	"comic-forge/internal/rooms"
	"comic-forge/internal/store"
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
		log.Fatal().Err(err).Msg("api: connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("api: migrations")
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
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	registry := rooms.New(redisClient, cfg.OutcomeCacheTTL, log)
	go registry.Listen(ctx)

	backend, err := genai.New(genai.Options{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.BackendTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("api: init generative backend")
	}

	server := api.New(cfg, st, q, limiter, registry, backend, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api: listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
