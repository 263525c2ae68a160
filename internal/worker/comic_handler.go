package worker

import (
	"context"
	"fmt"
	"time"

	"comic-forge/internal/genai"
	"comic-forge/internal/models"
	"comic-forge/internal/sanitize"
	"comic-forge/internal/telemetry"
)

// jobError classifies a pipeline failure. Retryable errors go back to the
// queue with backoff; the rest are terminal.
type jobError struct {
	kind      string
	msg       string
	retryable bool
}

func (e *jobError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func transient(msg string, err error) *jobError {
	return &jobError{kind: models.ErrKindBackendUnavailable, msg: fmt.Sprintf("%s: %v", msg, err), retryable: true}
}

// comicHandler runs the generation pipeline for one job: resolve entities,
// call the backend, sanitize, persist the artifact.
type comicHandler struct {
	store   JobStore
	backend Backend
	timeout time.Duration
}

func (h *comicHandler) Handle(ctx context.Context, job models.GenerationJob) (models.Comic, *jobError) {
	heroes, villains, jerr := h.resolve(ctx, job)
	if jerr != nil {
		return models.Comic{}, jerr
	}

	prompt, err := genai.ComicPrompt(heroes, villains)
	if err != nil {
		return models.Comic{}, &jobError{kind: models.ErrKindSchemaViolation, msg: err.Error()}
	}

	raw, err := h.generate(ctx, prompt)
	if err != nil {
		return models.Comic{}, transient("backend call failed", err)
	}

	rec, serr := sanitize.Sanitize(raw, sanitize.ComicSchema)
	if serr != nil {
		// The same text would fail again, so the sanitize step is never
		// retried. One fresh generation is requested before giving up.
		telemetry.SanitizeFailures.WithLabelValues(sanitize.KindOf(serr)).Inc()
		raw, err = h.generate(ctx, prompt)
		if err != nil {
			return models.Comic{}, transient("backend call failed", err)
		}
		rec, serr = sanitize.Sanitize(raw, sanitize.ComicSchema)
		if serr != nil {
			telemetry.SanitizeFailures.WithLabelValues(sanitize.KindOf(serr)).Inc()
			return models.Comic{}, &jobError{kind: sanitize.KindOf(serr), msg: serr.Error()}
		}
	}

	comic, err := h.store.UpsertComic(ctx, models.Comic{
		TaskID:     job.TaskID,
		HeroIDs:    job.HeroIDs,
		VillainIDs: job.VillainIDs,
		Title:      rec.String("summary_title"),
		Summary:    rec.String("summary"),
	})
	if err != nil {
		return models.Comic{}, transient("persist artifact failed", err)
	}
	return comic, nil
}

// resolve loads the referenced entities. A named id the store does not know
// is fatal for the job.
func (h *comicHandler) resolve(ctx context.Context, job models.GenerationJob) ([]models.Hero, []models.Villain, *jobError) {
	heroes, err := h.store.GetHeroesByIDs(ctx, job.HeroIDs)
	if err != nil {
		return nil, nil, transient("load heroes failed", err)
	}
	if missing := missingIDs(job.HeroIDs, heroIDs(heroes)); len(missing) > 0 {
		return nil, nil, &jobError{kind: models.ErrKindUnknownEntity, msg: fmt.Sprintf("unknown hero ids %v", missing)}
	}

	villains, err := h.store.GetVillainsByIDs(ctx, job.VillainIDs)
	if err != nil {
		return nil, nil, transient("load villains failed", err)
	}
	if missing := missingIDs(job.VillainIDs, villainIDs(villains)); len(missing) > 0 {
		return nil, nil, &jobError{kind: models.ErrKindUnknownEntity, msg: fmt.Sprintf("unknown villain ids %v", missing)}
	}
	return heroes, villains, nil
}

// generate calls the backend under its own timeout. No registry or store
// lock is ever held here; this is the only long-blocking call in the
// pipeline.
func (h *comicHandler) generate(ctx context.Context, prompt string) (string, error) {
	timeout := h.timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.backend.Generate(callCtx, prompt)
}

func heroIDs(heroes []models.Hero) map[int64]bool {
	out := make(map[int64]bool, len(heroes))
	for _, h := range heroes {
		out[h.ID] = true
	}
	return out
}

func villainIDs(villains []models.Villain) map[int64]bool {
	out := make(map[int64]bool, len(villains))
	for _, v := range villains {
		out[v.ID] = true
	}
	return out
}

func missingIDs(want []int64, have map[int64]bool) []int64 {
	var missing []int64
	for _, id := range want {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
