// Package store persists entities, artifacts, and job state in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"comic-forge/internal/models"
)

// ErrNotFound is returned for lookups of missing rows.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const heroColumns = `hero_name, real_name, age, origin, height_cm, weight_kg, eye_color, hair_color,
	powers, strength_level, speed_level, durability_level, intelligence_level, weaknesses, strengths, description`

const villainColumns = `villain_name, real_name, age, origin, height_cm, weight_kg, eye_color, hair_color,
	powers, strength_level, speed_level, durability_level, intelligence_level, weaknesses, strengths, description`

// CreateHero inserts a hero profile and returns it with the assigned id.
func (s *Store) CreateHero(ctx context.Context, h models.Hero) (models.Hero, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO heroes (`+heroColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`, h.HeroName, h.RealName, h.Age, h.Origin, h.HeightCm, h.WeightKg, h.EyeColor, h.HairColor,
		h.Powers, h.StrengthLevel, h.SpeedLevel, h.DurabilityLevel, h.IntelligenceLevel,
		h.Weaknesses, h.Strengths, h.Description).Scan(&h.ID)
	if err != nil {
		return models.Hero{}, fmt.Errorf("insert hero: %w", err)
	}
	return h, nil
}

// CreateVillain inserts a villain profile and returns it with the assigned id.
func (s *Store) CreateVillain(ctx context.Context, v models.Villain) (models.Villain, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO villains (`+villainColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`, v.VillainName, v.RealName, v.Age, v.Origin, v.HeightCm, v.WeightKg, v.EyeColor, v.HairColor,
		v.Powers, v.StrengthLevel, v.SpeedLevel, v.DurabilityLevel, v.IntelligenceLevel,
		v.Weaknesses, v.Strengths, v.Description).Scan(&v.ID)
	if err != nil {
		return models.Villain{}, fmt.Errorf("insert villain: %w", err)
	}
	return v, nil
}

func scanHero(row pgx.Row) (models.Hero, error) {
	var h models.Hero
	err := row.Scan(&h.ID, &h.HeroName, &h.RealName, &h.Age, &h.Origin, &h.HeightCm, &h.WeightKg,
		&h.EyeColor, &h.HairColor, &h.Powers, &h.StrengthLevel, &h.SpeedLevel, &h.DurabilityLevel,
		&h.IntelligenceLevel, &h.Weaknesses, &h.Strengths, &h.Description)
	return h, err
}

func scanVillain(row pgx.Row) (models.Villain, error) {
	var v models.Villain
	err := row.Scan(&v.ID, &v.VillainName, &v.RealName, &v.Age, &v.Origin, &v.HeightCm, &v.WeightKg,
		&v.EyeColor, &v.HairColor, &v.Powers, &v.StrengthLevel, &v.SpeedLevel, &v.DurabilityLevel,
		&v.IntelligenceLevel, &v.Weaknesses, &v.Strengths, &v.Description)
	return v, err
}

// ListHeroes returns all heroes, oldest first.
func (s *Store) ListHeroes(ctx context.Context) ([]models.Hero, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, `+heroColumns+` FROM heroes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list heroes: %w", err)
	}
	defer rows.Close()

	heroes := []models.Hero{}
	for rows.Next() {
		h, err := scanHero(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hero: %w", err)
		}
		heroes = append(heroes, h)
	}
	return heroes, rows.Err()
}

// ListVillains returns all villains, oldest first.
func (s *Store) ListVillains(ctx context.Context) ([]models.Villain, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, `+villainColumns+` FROM villains ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list villains: %w", err)
	}
	defer rows.Close()

	villains := []models.Villain{}
	for rows.Next() {
		v, err := scanVillain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan villain: %w", err)
		}
		villains = append(villains, v)
	}
	return villains, rows.Err()
}

// GetHeroesByIDs fetches the named heroes. Callers are responsible for
// noticing ids the result does not cover.
func (s *Store) GetHeroesByIDs(ctx context.Context, ids []int64) ([]models.Hero, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, `+heroColumns+` FROM heroes WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("get heroes: %w", err)
	}
	defer rows.Close()

	var heroes []models.Hero
	for rows.Next() {
		h, err := scanHero(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hero: %w", err)
		}
		heroes = append(heroes, h)
	}
	return heroes, rows.Err()
}

// GetVillainsByIDs fetches the named villains.
func (s *Store) GetVillainsByIDs(ctx context.Context, ids []int64) ([]models.Villain, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, `+villainColumns+` FROM villains WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("get villains: %w", err)
	}
	defer rows.Close()

	var villains []models.Villain
	for rows.Next() {
		v, err := scanVillain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan villain: %w", err)
		}
		villains = append(villains, v)
	}
	return villains, rows.Err()
}

// CreateJob inserts a queued generation job row.
func (s *Store) CreateJob(ctx context.Context, taskID string, heroIDs, villainIDs []int64, maxAttempts int) (models.GenerationJob, error) {
	heroJSON, err := json.Marshal(idsOrEmpty(heroIDs))
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("marshal hero ids: %w", err)
	}
	villainJSON, err := json.Marshal(idsOrEmpty(villainIDs))
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("marshal villain ids: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO generation_jobs (task_id, hero_ids, villain_ids, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
	`, taskID, heroJSON, villainJSON, models.StatusQueued, maxAttempts, now)
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("insert job: %w", err)
	}
	return models.GenerationJob{
		TaskID:      taskID,
		HeroIDs:     heroIDs,
		VillainIDs:  villainIDs,
		Status:      models.StatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job by task id.
func (s *Store) GetJob(ctx context.Context, taskID string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT task_id, hero_ids, villain_ids, status, attempts, max_attempts, last_error, error_kind, comic_id, created_at, updated_at
		FROM generation_jobs WHERE task_id = $1
	`, taskID)

	var job models.GenerationJob
	var heroJSON, villainJSON []byte
	var lastErr, errKind pgtype.Text
	var comicID pgtype.Int8

	err := row.Scan(&job.TaskID, &heroJSON, &villainJSON, &job.Status, &job.Attempts, &job.MaxAttempts,
		&lastErr, &errKind, &comicID, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, ErrNotFound
	}
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(heroJSON, &job.HeroIDs); err != nil {
		return models.GenerationJob{}, fmt.Errorf("unmarshal hero ids: %w", err)
	}
	if err := json.Unmarshal(villainJSON, &job.VillainIDs); err != nil {
		return models.GenerationJob{}, fmt.Errorf("unmarshal villain ids: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.ErrorKind = textPtr(errKind)
	if comicID.Valid {
		job.ComicID = &comicID.Int64
	}
	return job, nil
}

// MarkRunning transitions a job to running unless it already reached a
// terminal state. Monotonic: terminal rows are never rewound.
func (s *Store) MarkRunning(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $2, updated_at = NOW()
		WHERE task_id = $1 AND status NOT IN ($3, $4)
	`, taskID, models.StatusRunning, models.StatusSucceeded, models.StatusFailed)
	return err
}

// UpdateAttempts records a retryable failure.
func (s *Store) UpdateAttempts(ctx context.Context, taskID string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs SET attempts = $2, last_error = $3, updated_at = NOW()
		WHERE task_id = $1 AND status NOT IN ($4, $5)
	`, taskID, attempts, lastErr, models.StatusSucceeded, models.StatusFailed)
	return err
}

// MarkSucceeded finalizes a job with its artifact reference.
func (s *Store) MarkSucceeded(ctx context.Context, taskID string, comicID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $2, comic_id = $3, last_error = NULL, error_kind = NULL, updated_at = NOW()
		WHERE task_id = $1 AND status != $4
	`, taskID, models.StatusSucceeded, comicID, models.StatusFailed)
	return err
}

// MarkFailed finalizes a job with an error kind and message.
func (s *Store) MarkFailed(ctx context.Context, taskID, kind, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $2, error_kind = $3, last_error = $4, updated_at = NOW()
		WHERE task_id = $1 AND status != $5
	`, taskID, models.StatusFailed, kind, msg, models.StatusSucceeded)
	return err
}

// UpsertComic persists the artifact keyed by task id. Redelivered jobs hit
// the conflict arm, so a task yields at most one comic row.
func (s *Store) UpsertComic(ctx context.Context, c models.Comic) (models.Comic, error) {
	heroJSON, err := json.Marshal(idsOrEmpty(c.HeroIDs))
	if err != nil {
		return models.Comic{}, fmt.Errorf("marshal hero ids: %w", err)
	}
	villainJSON, err := json.Marshal(idsOrEmpty(c.VillainIDs))
	if err != nil {
		return models.Comic{}, fmt.Errorf("marshal villain ids: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO comics (task_id, hero_ids, villain_ids, title, summary)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE SET title = comics.title
		RETURNING id, created_at
	`, c.TaskID, heroJSON, villainJSON, c.Title, c.Summary).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return models.Comic{}, fmt.Errorf("upsert comic: %w", err)
	}
	return c, nil
}

// GetComic fetches one comic by id.
func (s *Store) GetComic(ctx context.Context, id int64) (models.Comic, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, hero_ids, villain_ids, title, summary, created_at FROM comics WHERE id = $1
	`, id)
	return scanComic(row)
}

// ListComics returns all comics, newest first; the polling fallback for
// clients that missed the push event.
func (s *Store) ListComics(ctx context.Context) ([]models.Comic, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, hero_ids, villain_ids, title, summary, created_at FROM comics ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list comics: %w", err)
	}
	defer rows.Close()

	comics := []models.Comic{}
	for rows.Next() {
		c, err := scanComic(rows)
		if err != nil {
			return nil, err
		}
		comics = append(comics, c)
	}
	return comics, rows.Err()
}

func scanComic(row pgx.Row) (models.Comic, error) {
	var c models.Comic
	var heroJSON, villainJSON []byte
	err := row.Scan(&c.ID, &c.TaskID, &heroJSON, &villainJSON, &c.Title, &c.Summary, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Comic{}, ErrNotFound
	}
	if err != nil {
		return models.Comic{}, fmt.Errorf("scan comic: %w", err)
	}
	if err := json.Unmarshal(heroJSON, &c.HeroIDs); err != nil {
		return models.Comic{}, fmt.Errorf("unmarshal hero ids: %w", err)
	}
	if err := json.Unmarshal(villainJSON, &c.VillainIDs); err != nil {
		return models.Comic{}, fmt.Errorf("unmarshal villain ids: %w", err)
	}
	return c, nil
}

func idsOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
