package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Transitions are monotonic:
// queued -> running -> succeeded|failed.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Error kinds carried in failed outcomes and job rows.
const (
	ErrKindQueueUnavailable   = "queue_unavailable"
	ErrKindUnknownEntity      = "unknown_entity"
	ErrKindBackendUnavailable = "backend_unavailable"
	ErrKindNoJSONFound        = "no_json_found"
	ErrKindMalformedJSON      = "malformed_json"
	ErrKindSchemaViolation    = "schema_violation"
)

// GenerationJob represents one comic-generation request persisted in Postgres.
// The queue owns it until a worker claims the lease; only the worker writes
// status after submission.
type GenerationJob struct {
	TaskID      string    `json:"task_id"`
	HeroIDs     []int64   `json:"hero_ids"`
	VillainIDs  []int64   `json:"villain_ids"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   *string   `json:"last_error,omitempty"`
	ErrorKind   *string   `json:"error_kind,omitempty"`
	ComicID     *int64    `json:"comic_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether the job has reached a final state.
func (j GenerationJob) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Hero is a stored superhero profile.
type Hero struct {
	ID                int64  `json:"id"`
	HeroName          string `json:"hero_name"`
	RealName          string `json:"real_name"`
	Age               int    `json:"age"`
	Origin            string `json:"origin"`
	HeightCm          int    `json:"height_cm"`
	WeightKg          int    `json:"weight_kg"`
	EyeColor          string `json:"eye_color"`
	HairColor         string `json:"hair_color"`
	Powers            string `json:"powers"`
	StrengthLevel     int    `json:"strength_level"`
	SpeedLevel        int    `json:"speed_level"`
	DurabilityLevel   int    `json:"durability_level"`
	IntelligenceLevel int    `json:"intelligence_level"`
	Weaknesses        string `json:"weaknesses"`
	Strengths         string `json:"strengths"`
	Description       string `json:"description"`
}

// Villain is a stored supervillain profile. Same shape as Hero apart from
// the name column.
type Villain struct {
	ID                int64  `json:"id"`
	VillainName       string `json:"villain_name"`
	RealName          string `json:"real_name"`
	Age               int    `json:"age"`
	Origin            string `json:"origin"`
	HeightCm          int    `json:"height_cm"`
	WeightKg          int    `json:"weight_kg"`
	EyeColor          string `json:"eye_color"`
	HairColor         string `json:"hair_color"`
	Powers            string `json:"powers"`
	StrengthLevel     int    `json:"strength_level"`
	SpeedLevel        int    `json:"speed_level"`
	DurabilityLevel   int    `json:"durability_level"`
	IntelligenceLevel int    `json:"intelligence_level"`
	Weaknesses        string `json:"weaknesses"`
	Strengths         string `json:"strengths"`
	Description       string `json:"description"`
}

// Comic is the produced artifact. task_id -> Comic is a partial injective
// function: a task yields zero or one comic, enforced by a unique constraint.
type Comic struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	HeroIDs    []int64   `json:"hero_ids"`
	VillainIDs []int64   `json:"villain_ids"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	CreatedAt  time.Time `json:"created_at"`
}

// Outcome event names pushed to subscribers.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Outcome is the terminal result of a job, published once per task.
type Outcome struct {
	Event      string `json:"event"`
	TaskID     string `json:"task_id"`
	ComicID    int64  `json:"comic_id,omitempty"`
	ComicTitle string `json:"comic_title,omitempty"`
	ErrKind    string `json:"error,omitempty"`
	ErrMessage string `json:"message,omitempty"`
}
