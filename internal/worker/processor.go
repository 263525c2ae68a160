// Package worker executes generation jobs pulled from the queue. Each job
// is leased to exactly one worker slot at a time; the queue redelivers on
// lease expiry, and the handler plus keyed artifact upsert keep that
// at-least-once delivery idempotent.
package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"comic-forge/internal/config"
	"comic-forge/internal/models"
	"comic-forge/internal/queue"
	"comic-forge/internal/store"
	"comic-forge/internal/telemetry"
)

// JobStore is the slice of the entity store the worker depends on.
type JobStore interface {
	GetJob(ctx context.Context, taskID string) (models.GenerationJob, error)
	MarkRunning(ctx context.Context, taskID string) error
	UpdateAttempts(ctx context.Context, taskID string, attempts int, lastErr string) error
	MarkSucceeded(ctx context.Context, taskID string, comicID int64) error
	MarkFailed(ctx context.Context, taskID, kind, msg string) error
	UpsertComic(ctx context.Context, c models.Comic) (models.Comic, error)
	GetHeroesByIDs(ctx context.Context, ids []int64) ([]models.Hero, error)
	GetVillainsByIDs(ctx context.Context, ids []int64) ([]models.Villain, error)
}

// Backend is the generative text collaborator.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Publisher emits the terminal outcome of a job.
type Publisher interface {
	Publish(ctx context.Context, outcome models.Outcome) error
}

// Processor drives the worker pool.
type Processor struct {
	cfg     config.Config
	queue   *queue.Queue
	store   JobStore
	handler *comicHandler
	rooms   Publisher
	log     zerolog.Logger
}

// New creates a processor.
func New(cfg config.Config, q *queue.Queue, st JobStore, backend Backend, rooms Publisher, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:     cfg,
		queue:   q,
		store:   st,
		handler: &comicHandler{store: st, backend: backend, timeout: cfg.BackendTimeout},
		rooms:   rooms,
		log:     log,
	}
}

// Run starts the sweep loop and the worker pool, blocking until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweep(ctx)
	}()

	workers := p.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// sweep promotes due retries and reclaims expired leases.
func (p *Processor) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := p.queue.PromoteRetries(ctx, time.Now(), 100); err != nil {
			p.log.Warn().Err(err).Msg("worker: promote retries failed")
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			p.log.Warn().Err(err).Msg("worker: requeue expired failed")
		} else if reclaimed > 0 {
			p.log.Info().Int("count", reclaimed).Msg("worker: reclaimed expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		taskID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || taskID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		p.processTask(ctx, taskID)
	}
}

// processTask runs one leased job through the pipeline.
func (p *Processor) processTask(ctx context.Context, taskID string) {
	log := p.log.With().Str("task_id", taskID).Logger()

	job, err := p.store.GetJob(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		// queue entry with no job row: nothing to run
		log.Warn().Msg("worker: dropping orphan queue entry")
		_ = p.queue.Ack(ctx, taskID)
		return
	}
	if err != nil {
		// transient store failure; keep the lease so the queue redelivers
		log.Error().Err(err).Msg("worker: load job failed")
		return
	}
	if job.Terminal() {
		// redelivery of a finished job: outcome already published once
		log.Debug().Str("status", job.Status).Msg("worker: skipping terminal job")
		_ = p.queue.Ack(ctx, taskID)
		return
	}

	if err := p.store.MarkRunning(ctx, taskID); err != nil {
		log.Error().Err(err).Msg("worker: mark running failed")
		return
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	comic, jerr := p.handler.Handle(ctx, job)
	if jerr == nil {
		if err := p.store.MarkSucceeded(ctx, taskID, comic.ID); err != nil {
			log.Error().Err(err).Msg("worker: mark succeeded failed")
			return
		}
		p.publish(ctx, log, models.Outcome{
			Event:      models.EventCompleted,
			TaskID:     taskID,
			ComicID:    comic.ID,
			ComicTitle: comic.Title,
		})
		_ = p.queue.Ack(ctx, taskID)
		telemetry.JobsSucceeded.Inc()
		log.Info().Int64("comic_id", comic.ID).Msg("worker: job succeeded")
		return
	}

	if jerr.retryable {
		attempts := job.Attempts + 1
		if attempts < job.MaxAttempts {
			_ = p.store.UpdateAttempts(ctx, taskID, attempts, jerr.msg)
			delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
			if err := p.queue.Retry(ctx, taskID, delay); err != nil {
				log.Error().Err(err).Msg("worker: schedule retry failed")
			}
			telemetry.BackendRetries.Inc()
			log.Warn().Err(jerr).Int("attempts", attempts).Dur("delay", delay).Msg("worker: retrying job")
			return
		}
		// retries exhausted: escalate to a terminal failure
	}

	p.fail(ctx, log, taskID, jerr)
}

// fail finalizes a job and publishes its single failed outcome. A job that
// fails terminally is never silently dropped.
func (p *Processor) fail(ctx context.Context, log zerolog.Logger, taskID string, jerr *jobError) {
	if err := p.store.MarkFailed(ctx, taskID, jerr.kind, jerr.msg); err != nil {
		log.Error().Err(err).Msg("worker: mark failed failed")
		return
	}
	p.publish(ctx, log, models.Outcome{
		Event:      models.EventFailed,
		TaskID:     taskID,
		ErrKind:    jerr.kind,
		ErrMessage: jerr.msg,
	})
	_ = p.queue.Ack(ctx, taskID)
	_ = p.queue.DLQPush(ctx, taskID)
	telemetry.JobsFailed.WithLabelValues(jerr.kind).Inc()
	log.Warn().Str("kind", jerr.kind).Str("detail", jerr.msg).Msg("worker: job failed terminally")
}

func (p *Processor) publish(ctx context.Context, log zerolog.Logger, outcome models.Outcome) {
	// job state is already persisted; a publish failure only degrades the
	// push path, clients can still poll the artifact store
	if err := p.rooms.Publish(ctx, outcome); err != nil {
		log.Error().Err(err).Msg("worker: publish outcome failed")
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
