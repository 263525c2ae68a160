package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"comic-forge/internal/genai"
	"comic-forge/internal/models"
	"comic-forge/internal/sanitize"
	"comic-forge/internal/telemetry"
)

type profileRequest struct {
	HeroName    string `json:"hero_name,omitempty"`
	VillainName string `json:"villain_name,omitempty"`
}

// handleCreateHero generates a hero profile from the name and stores it.
// Unlike comic generation this is synchronous: profile generation is short
// and the created entity is the response body.
func (s *Server) handleCreateHero(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.HeroName) == "" {
		writeError(w, http.StatusBadRequest, "hero_name is required")
		return
	}

	rec, ok := s.generateProfile(w, r.Context(), genai.HeroPrompt(req.HeroName), sanitize.HeroSchema)
	if !ok {
		return
	}
	hero, err := s.store.CreateHero(r.Context(), heroFromRecord(rec))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persist hero failed")
		return
	}
	writeJSON(w, http.StatusCreated, hero)
}

func (s *Server) handleCreateVillain(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.VillainName) == "" {
		writeError(w, http.StatusBadRequest, "villain_name is required")
		return
	}

	rec, ok := s.generateProfile(w, r.Context(), genai.VillainPrompt(req.VillainName), sanitize.VillainSchema)
	if !ok {
		return
	}
	villain, err := s.store.CreateVillain(r.Context(), villainFromRecord(rec))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persist villain failed")
		return
	}
	writeJSON(w, http.StatusCreated, villain)
}

// generateProfile runs one backend call plus sanitize, writing the HTTP
// error itself when either step fails.
func (s *Server) generateProfile(w http.ResponseWriter, ctx context.Context, prompt string, schema sanitize.Schema) (*sanitize.Record, bool) {
	callCtx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	raw, err := s.backend.Generate(callCtx, prompt)
	if err != nil {
		s.log.Error().Err(err).Msg("api: profile generation failed")
		writeError(w, http.StatusBadGateway, models.ErrKindBackendUnavailable)
		return nil, false
	}
	rec, err := sanitize.Sanitize(raw, schema)
	if err != nil {
		telemetry.SanitizeFailures.WithLabelValues(sanitize.KindOf(err)).Inc()
		s.log.Warn().Err(err).Msg("api: profile response rejected")
		writeError(w, http.StatusBadGateway, sanitize.KindOf(err))
		return nil, false
	}
	return rec, true
}

func heroFromRecord(rec *sanitize.Record) models.Hero {
	return models.Hero{
		HeroName:          rec.String("hero_name"),
		RealName:          rec.String("real_name"),
		Age:               intOrZero(rec, "age"),
		Origin:            rec.String("origin"),
		HeightCm:          intOrZero(rec, "height_cm"),
		WeightKg:          intOrZero(rec, "weight_kg"),
		EyeColor:          rec.String("eye_color"),
		HairColor:         rec.String("hair_color"),
		Powers:            rec.String("powers"),
		StrengthLevel:     intOrZero(rec, "strength_level"),
		SpeedLevel:        intOrZero(rec, "speed_level"),
		DurabilityLevel:   intOrZero(rec, "durability_level"),
		IntelligenceLevel: intOrZero(rec, "intelligence_level"),
		Weaknesses:        rec.String("weaknesses"),
		Strengths:         rec.String("strengths"),
		Description:       rec.String("description"),
	}
}

func villainFromRecord(rec *sanitize.Record) models.Villain {
	return models.Villain{
		VillainName:       rec.String("villain_name"),
		RealName:          rec.String("real_name"),
		Age:               intOrZero(rec, "age"),
		Origin:            rec.String("origin"),
		HeightCm:          intOrZero(rec, "height_cm"),
		WeightKg:          intOrZero(rec, "weight_kg"),
		EyeColor:          rec.String("eye_color"),
		HairColor:         rec.String("hair_color"),
		Powers:            rec.String("powers"),
		StrengthLevel:     intOrZero(rec, "strength_level"),
		SpeedLevel:        intOrZero(rec, "speed_level"),
		DurabilityLevel:   intOrZero(rec, "durability_level"),
		IntelligenceLevel: intOrZero(rec, "intelligence_level"),
		Weaknesses:        rec.String("weaknesses"),
		Strengths:         rec.String("strengths"),
		Description:       rec.String("description"),
	}
}

func intOrZero(rec *sanitize.Record, name string) int {
	n, _ := rec.Int(name)
	return n
}
