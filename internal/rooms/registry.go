// Package rooms maps task IDs to the live connections awaiting their
// outcome. Workers publish through Redis so delivery crosses process
// boundaries, and a Redis-cached copy of each outcome lets connections that
// join after completion still receive it (late-join replay).
package rooms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"comic-forge/internal/models"
	"comic-forge/internal/telemetry"
)

const (
	eventsChannel   = "comics:events"
	outcomePrefix   = "comics:outcome:"
	defaultCacheTTL = 10 * time.Minute
)

// Sender delivers one outcome event to a subscriber connection. Send errors
// mean the connection is gone; delivery to it is then a no-op, not a
// failure.
type Sender interface {
	Send(outcome models.Outcome) error
}

// room tracks subscribers for one task. Each room has its own lock so
// unrelated tasks never serialize on each other.
type room struct {
	mu sync.Mutex
	// delivered flips once per subscriber; the exactly-once guard between
	// live delivery and cache replay.
	subs map[Sender]bool
}

// add registers the subscriber; reports whether it was new.
func (r *room) add(sub Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub]; ok {
		return false
	}
	r.subs[sub] = false
	return true
}

// claim marks the subscriber delivered, returning false if it already was
// or never joined. The send itself happens outside the lock.
func (r *room) claim(sub Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivered, ok := r.subs[sub]
	if !ok || delivered {
		return false
	}
	r.subs[sub] = true
	return true
}

func (r *room) members() []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sender, 0, len(r.subs))
	for sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Registry is the task room registry.
type Registry struct {
	client   *redis.Client
	cacheTTL time.Duration
	log      zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// New builds a registry around an existing Redis client.
func New(client *redis.Client, cacheTTL time.Duration, log zerolog.Logger) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Registry{
		client:   client,
		cacheTTL: cacheTTL,
		log:      log,
		rooms:    make(map[string]*room),
	}
}

func (g *Registry) room(taskID string, create bool) *room {
	g.mu.RLock()
	r := g.rooms[taskID]
	g.mu.RUnlock()
	if r != nil || !create {
		return r
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if r = g.rooms[taskID]; r == nil {
		r = &room{subs: make(map[Sender]bool)}
		g.rooms[taskID] = r
	}
	return r
}

// Join subscribes the connection to a task. If the task already finished,
// the cached outcome is replayed immediately: a worker finishing before the
// client subscribes must not leave the client waiting for a publish that
// will never come.
func (g *Registry) Join(ctx context.Context, taskID string, sub Sender) error {
	r := g.room(taskID, true)
	if r.add(sub) {
		telemetry.RoomSubscribers.Inc()
	}
	return g.Replay(ctx, taskID, sub)
}

// Leave removes the connection from every room; called on disconnect.
func (g *Registry) Leave(sub Sender) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for taskID, r := range g.rooms {
		r.mu.Lock()
		if _, ok := r.subs[sub]; ok {
			delete(r.subs, sub)
			telemetry.RoomSubscribers.Dec()
		}
		empty := len(r.subs) == 0
		r.mu.Unlock()
		if empty {
			delete(g.rooms, taskID)
		}
	}
}

// Publish stores the outcome in the cache and broadcasts it. One cached
// outcome per task; a republish supersedes the previous value.
func (g *Registry) Publish(ctx context.Context, outcome models.Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	// Cache before broadcast so a joiner racing the publish finds the
	// outcome on replay.
	if err := g.client.Set(ctx, outcomePrefix+outcome.TaskID, payload, g.cacheTTL).Err(); err != nil {
		return err
	}
	return g.client.Publish(ctx, eventsChannel, payload).Err()
}

// Replay consults the outcome cache and delivers to one subscriber if the
// task already finished. A cache miss is not an error.
func (g *Registry) Replay(ctx context.Context, taskID string, sub Sender) error {
	payload, err := g.client.Get(ctx, outcomePrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	var outcome models.Outcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return err
	}
	g.deliver(outcome, sub)
	return nil
}

// Listen consumes the events channel and fans outcomes out to local rooms.
// It returns when ctx is cancelled.
func (g *Registry) Listen(ctx context.Context) {
	pubsub := g.client.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var outcome models.Outcome
			if err := json.Unmarshal([]byte(msg.Payload), &outcome); err != nil {
				g.log.Warn().Err(err).Msg("rooms: dropping undecodable outcome event")
				continue
			}
			g.Dispatch(outcome)
		}
	}
}

// Dispatch delivers an outcome to every local subscriber of its task that
// has not received it yet.
func (g *Registry) Dispatch(outcome models.Outcome) {
	r := g.room(outcome.TaskID, false)
	if r == nil {
		return
	}
	for _, sub := range r.members() {
		g.deliver(outcome, sub)
	}
}

func (g *Registry) deliver(outcome models.Outcome, sub Sender) {
	r := g.room(outcome.TaskID, false)
	if r == nil || !r.claim(sub) {
		return
	}
	// Send happens outside any registry lock; a dead connection is a no-op.
	if err := sub.Send(outcome); err != nil {
		g.log.Debug().Err(err).Str("task_id", outcome.TaskID).Msg("rooms: subscriber send failed")
	}
}
