// Package api exposes the client-facing gateway: job submission, entity
// CRUD, the polling fallback reads, and the websocket subscription
// endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"comic-forge/internal/config"
	"comic-forge/internal/models"
	"comic-forge/internal/queue"
	"comic-forge/internal/ratelimit"
	"comic-forge/internal/rooms"
	"comic-forge/internal/store"
	"comic-forge/internal/telemetry"
)

// Store is the persistence surface the gateway depends on.
type Store interface {
	CreateHero(ctx context.Context, h models.Hero) (models.Hero, error)
	CreateVillain(ctx context.Context, v models.Villain) (models.Villain, error)
	ListHeroes(ctx context.Context) ([]models.Hero, error)
	ListVillains(ctx context.Context) ([]models.Villain, error)
	ListComics(ctx context.Context) ([]models.Comic, error)
	GetComic(ctx context.Context, id int64) (models.Comic, error)
	CreateJob(ctx context.Context, taskID string, heroIDs, villainIDs []int64, maxAttempts int) (models.GenerationJob, error)
	GetJob(ctx context.Context, taskID string) (models.GenerationJob, error)
	MarkFailed(ctx context.Context, taskID, kind, msg string) error
}

// Generator is the generative backend used for synchronous profile
// creation.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      config.Config
	store    Store
	queue    *queue.Queue
	limiter  *ratelimit.TokenBucket
	registry *rooms.Registry
	backend  Generator
	log      zerolog.Logger
}

// New constructs the gateway server.
func New(cfg config.Config, st Store, q *queue.Queue, limiter *ratelimit.TokenBucket, registry *rooms.Registry, backend Generator, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		registry: registry,
		backend:  backend,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/comics", s.handleSubmit)
	r.Get("/comics", s.handleListComics)
	r.Get("/comics/{id}", s.handleGetComic)
	r.Get("/tasks/{id}", s.handleGetTask)

	r.Post("/heroes", s.handleCreateHero)
	r.Get("/heroes", s.handleListHeroes)
	r.Post("/villains", s.handleCreateVillain)
	r.Get("/villains", s.handleListVillains)

	r.Get("/ws", s.handleWS)
	return r
}

type submitRequest struct {
	HeroIDs    []int64 `json:"hero_ids"`
	VillainIDs []int64 `json:"villain_ids"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// handleSubmit validates a submission, enqueues a job, and returns the task
// id without waiting for execution.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		// non-integer ids land here too: the id lists decode as int64 only
		writeError(w, http.StatusBadRequest, "invalid request body: ids must be integers")
		return
	}
	for _, id := range append(append([]int64{}, req.HeroIDs...), req.VillainIDs...) {
		if id <= 0 {
			writeError(w, http.StatusBadRequest, "entity ids must be positive integers")
			return
		}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	taskID := uuid.New().String()
	job, err := s.store.CreateJob(r.Context(), taskID, req.HeroIDs, req.VillainIDs, s.cfg.MaxAttempts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persist job failed")
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.TaskID); err != nil {
		// never leave a queued-looking job that no worker will ever see
		_ = s.store.MarkFailed(r.Context(), job.TaskID, models.ErrKindQueueUnavailable, err.Error())
		s.log.Error().Err(err).Str("task_id", job.TaskID).Msg("api: enqueue failed")
		writeError(w, http.StatusServiceUnavailable, models.ErrKindQueueUnavailable)
		return
	}

	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: job.TaskID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load task failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListComics(w http.ResponseWriter, r *http.Request) {
	comics, err := s.store.ListComics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list comics failed")
		return
	}
	writeJSON(w, http.StatusOK, comics)
}

func (s *Server) handleGetComic(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "comic id must be an integer")
		return
	}
	comic, err := s.store.GetComic(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "comic not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load comic failed")
		return
	}
	writeJSON(w, http.StatusOK, comic)
}

func (s *Server) handleListHeroes(w http.ResponseWriter, r *http.Request) {
	heroes, err := s.store.ListHeroes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list heroes failed")
		return
	}
	writeJSON(w, http.StatusOK, heroes)
}

func (s *Server) handleListVillains(w http.ResponseWriter, r *http.Request) {
	villains, err := s.store.ListVillains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list villains failed")
		return
	}
	writeJSON(w, http.StatusOK, villains)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"error": detail})
}

// profile creation is synchronous; keep it bounded even without a client
// deadline
const profileTimeout = 90 * time.Second
