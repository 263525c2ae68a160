package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"comic-forge/internal/config"
	"comic-forge/internal/models"
	"comic-forge/internal/queue"
	"comic-forge/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]models.GenerationJob
	heroes      map[int64]models.Hero
	villains    map[int64]models.Villain
	comics      map[string]models.Comic
	nextComicID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     map[string]models.GenerationJob{},
		heroes:   map[int64]models.Hero{},
		villains: map[int64]models.Villain{},
		comics:   map[string]models.Comic{},
	}
}

func (s *fakeStore) GetJob(_ context.Context, taskID string) (models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[taskID]
	if !ok {
		return models.GenerationJob{}, store.ErrNotFound
	}
	return job, nil
}

func (s *fakeStore) MarkRunning(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[taskID]
	if !job.Terminal() {
		job.Status = models.StatusRunning
		s.jobs[taskID] = job
	}
	return nil
}

func (s *fakeStore) UpdateAttempts(_ context.Context, taskID string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[taskID]
	job.Attempts = attempts
	job.LastError = &lastErr
	s.jobs[taskID] = job
	return nil
}

func (s *fakeStore) MarkSucceeded(_ context.Context, taskID string, comicID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[taskID]
	if job.Status != models.StatusFailed {
		job.Status = models.StatusSucceeded
		job.ComicID = &comicID
		s.jobs[taskID] = job
	}
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, taskID, kind, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[taskID]
	if job.Status != models.StatusSucceeded {
		job.Status = models.StatusFailed
		job.ErrorKind = &kind
		job.LastError = &msg
		s.jobs[taskID] = job
	}
	return nil
}

func (s *fakeStore) UpsertComic(_ context.Context, c models.Comic) (models.Comic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.comics[c.TaskID]; ok {
		return existing, nil
	}
	s.nextComicID++
	c.ID = s.nextComicID
	s.comics[c.TaskID] = c
	return c, nil
}

func (s *fakeStore) GetHeroesByIDs(_ context.Context, ids []int64) ([]models.Hero, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Hero
	for _, id := range ids {
		if h, ok := s.heroes[id]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *fakeStore) GetVillainsByIDs(_ context.Context, ids []int64) ([]models.Villain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Villain
	for _, id := range ids {
		if v, ok := s.villains[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (string, error)
}

func (b *fakeBackend) Generate(_ context.Context, _ string) (string, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()
	return b.fn(call)
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakePublisher struct {
	mu       sync.Mutex
	outcomes []models.Outcome
}

func (p *fakePublisher) Publish(_ context.Context, o models.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, o)
	return nil
}

func (p *fakePublisher) published() []models.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Outcome(nil), p.outcomes...)
}

const goodComicJSON = "```json\n{\"summary_title\":\"The Final Dawn\",\"summary\":\"Heroes clash with villains and hope prevails.\"}\n```"

func newTestProcessor(t *testing.T, st *fakeStore, backend *fakeBackend, pub *fakePublisher) (*Processor, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client, queue.Options{VisibilityTimeout: time.Minute})

	cfg := config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		WorkerCount:        1,
		MaxAttempts:        3,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
		BackendTimeout:     time.Second,
	}
	return New(cfg, q, st, backend, pub, zerolog.Nop()), q
}

func seedJob(st *fakeStore, taskID string) {
	st.heroes[1] = models.Hero{ID: 1, HeroName: "Batman"}
	st.villains[2] = models.Villain{ID: 2, VillainName: "Joker"}
	st.jobs[taskID] = models.GenerationJob{
		TaskID:      taskID,
		HeroIDs:     []int64{1},
		VillainIDs:  []int64{2},
		Status:      models.StatusQueued,
		MaxAttempts: 3,
	}
}

func TestProcessTaskSuccess(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	backend := &fakeBackend{fn: func(int) (string, error) { return goodComicJSON, nil }}
	pub := &fakePublisher{}
	p, _ := newTestProcessor(t, st, backend, pub)

	seedJob(st, "t1")
	p.processTask(ctx, "t1")

	job := st.jobs["t1"]
	if job.Status != models.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", job.Status)
	}
	if len(st.comics) != 1 {
		t.Fatalf("comics = %d, want 1", len(st.comics))
	}
	if st.comics["t1"].Title != "The Final Dawn" {
		t.Fatalf("title = %q", st.comics["t1"].Title)
	}
	got := pub.published()
	if len(got) != 1 || got[0].Event != models.EventCompleted || got[0].ComicID != 1 {
		t.Fatalf("outcomes = %+v, want one completed", got)
	}
}

func TestProcessTaskNoJSONFound(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	backend := &fakeBackend{fn: func(int) (string, error) { return "no idea", nil }}
	pub := &fakePublisher{}
	p, _ := newTestProcessor(t, st, backend, pub)

	seedJob(st, "t1")
	p.processTask(ctx, "t1")

	// one fresh generation is attempted before giving up
	if backend.callCount() != 2 {
		t.Fatalf("backend calls = %d, want 2", backend.callCount())
	}
	job := st.jobs["t1"]
	if job.Status != models.StatusFailed || job.ErrorKind == nil || *job.ErrorKind != models.ErrKindNoJSONFound {
		t.Fatalf("job = %+v, want failed/no_json_found", job)
	}
	if len(st.comics) != 0 {
		t.Fatal("no artifact may be created on sanitize failure")
	}
	got := pub.published()
	if len(got) != 1 || got[0].Event != models.EventFailed || got[0].ErrKind != models.ErrKindNoJSONFound {
		t.Fatalf("outcomes = %+v, want one failed no_json_found", got)
	}
}

func TestProcessTaskSanitizeRecoversOnFreshGeneration(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	backend := &fakeBackend{fn: func(call int) (string, error) {
		if call == 1 {
			return "garbage with no object", nil
		}
		return goodComicJSON, nil
	}}
	pub := &fakePublisher{}
	p, _ := newTestProcessor(t, st, backend, pub)

	seedJob(st, "t1")
	p.processTask(ctx, "t1")

	if st.jobs["t1"].Status != models.StatusSucceeded {
		t.Fatalf("status = %q", st.jobs["t1"].Status)
	}
	if backend.callCount() != 2 {
		t.Fatalf("backend calls = %d, want 2", backend.callCount())
	}
}

func TestProcessTaskBackendRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	backend := &fakeBackend{fn: func(call int) (string, error) {
		if call <= 2 {
			return "", errors.New("timeout")
		}
		return goodComicJSON, nil
	}}
	pub := &fakePublisher{}
	p, q := newTestProcessor(t, st, backend, pub)

	seedJob(st, "t1")

	// each delivery attempt: process, then promote the scheduled retry
	for i := 0; i < 3; i++ {
		p.processTask(ctx, "t1")
		if st.jobs["t1"].Terminal() {
			break
		}
		if _, err := q.PromoteRetries(ctx, time.Now().Add(time.Second), 10); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}

	job := st.jobs["t1"]
	if job.Status != models.StatusSucceeded {
		t.Fatalf("status = %q (attempts=%d), want succeeded", job.Status, job.Attempts)
	}
	if len(st.comics) != 1 {
		t.Fatalf("comics = %d, want exactly one", len(st.comics))
	}
	if got := pub.published(); len(got) != 1 || got[0].Event != models.EventCompleted {
		t.Fatalf("outcomes = %+v, want exactly one completed", got)
	}
}

func TestProcessTaskBackendExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	backend := &fakeBackend{fn: func(int) (string, error) { return "", errors.New("timeout") }}
	pub := &fakePublisher{}
	p, q := newTestProcessor(t, st, backend, pub)

	seedJob(st, "t1")
	for i := 0; i < 5 && !st.jobs["t1"].Terminal(); i++ {
		p.processTask(ctx, "t1")
		_, _ = q.PromoteRetries(ctx, time.Now().Add(time.Second), 10)
	}

	job := st.jobs["t1"]
	if job.Status != models.StatusFailed || *job.ErrorKind != models.ErrKindBackendUnavailable {
		t.Fatalf("job = %+v, want failed/backend_unavailable", job)
	}
	if got := pub.published(); len(got) != 1 || got[0].ErrKind != models.ErrKindBackendUnavailable {
		t.Fatalf("outcomes = %+v, want one failed backend_unavailable", got)
	}
	items, _ := q.DLQPeek(ctx, 10)
	if len(items) != 1 || items[0] != "t1" {
		t.Fatalf("dlq = %v, want [t1]", items)
	}
}

func TestProcessTaskUnknownEntity(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	backend := &fakeBackend{fn: func(int) (string, error) { return goodComicJSON, nil }}
	pub := &fakePublisher{}
	p, _ := newTestProcessor(t, st, backend, pub)

	st.jobs["t1"] = models.GenerationJob{
		TaskID:      "t1",
		HeroIDs:     []int64{404},
		Status:      models.StatusQueued,
		MaxAttempts: 3,
	}
	p.processTask(ctx, "t1")

	if backend.callCount() != 0 {
		t.Fatal("backend must not be called for unresolvable entities")
	}
	got := pub.published()
	if len(got) != 1 || got[0].ErrKind != models.ErrKindUnknownEntity {
		t.Fatalf("outcomes = %+v, want one failed unknown_entity", got)
	}
}

func TestProcessTaskRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	backend := &fakeBackend{fn: func(int) (string, error) { return goodComicJSON, nil }}
	pub := &fakePublisher{}
	p, _ := newTestProcessor(t, st, backend, pub)

	seedJob(st, "t1")
	p.processTask(ctx, "t1")
	// at-least-once queue hands the same task to a worker again
	p.processTask(ctx, "t1")

	if len(st.comics) != 1 {
		t.Fatalf("comics = %d, want exactly one despite redelivery", len(st.comics))
	}
	if got := pub.published(); len(got) != 1 {
		t.Fatalf("outcomes = %d, want exactly one despite redelivery", len(got))
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := time.Second
	max := 8 * time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		b := backoffWithJitter(base, max, attempt)
		if b < base/2 || b > max {
			t.Fatalf("attempt %d: backoff %s out of range", attempt, b)
		}
	}
}
