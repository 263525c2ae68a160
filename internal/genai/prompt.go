package genai

import (
	"encoding/json"
	"fmt"
	"strings"

	"comic-forge/internal/models"
)

const profileInstructions = `Create a JSON object describing the character's key attributes:
%s,
real_name,
age,
origin,
height_cm,
weight_kg,
eye_color,
hair_color,
powers (comma separated string),
strength_level (0-100),
speed_level (0-100),
durability_level (0-100),
intelligence_level (0-100),
weaknesses,
strengths,
description.
NOTE: Respond ONLY with the JSON.`

// HeroPrompt asks for a superhero profile derived from the name.
func HeroPrompt(heroName string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Here is a superhero name %q.\n", heroName)
	sb.WriteString("Use a bright, inspiring tone.\n")
	fmt.Fprintf(&sb, profileInstructions, "hero_name")
	return sb.String()
}

// VillainPrompt asks for a supervillain profile derived from the name.
func VillainPrompt(villainName string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Here is a supervillain name %q.\n", villainName)
	sb.WriteString("Use a dark, menacing tone.\n")
	fmt.Fprintf(&sb, profileInstructions, "villain_name")
	return sb.String()
}

// ComicPrompt asks for a plot summary pitting the resolved heroes against
// the resolved villains. Profiles are embedded as JSON so the model uses
// only stored data, never invented attributes.
func ComicPrompt(heroes []models.Hero, villains []models.Villain) (string, error) {
	heroJSON, err := json.MarshalIndent(heroes, "", "  ")
	if err != nil {
		return "", fmt.Errorf("genai: marshal heroes: %w", err)
	}
	villainJSON, err := json.MarshalIndent(villains, "", "  ")
	if err != nil {
		return "", fmt.Errorf("genai: marshal villains: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(`You are a creative comic book writer. Generate an exciting, dramatic comic
book plot summary based on the following superheroes and supervillains.
Use ONLY the profile data below; do not invent attributes.

`)
	fmt.Fprintf(&sb, "HEROES:\n%s\n\nVILLAINS:\n%s\n\n", heroJSON, villainJSON)
	sb.WriteString(`Weigh team power (average of strength, speed, durability, intelligence per
character), synergy, and how strengths exploit the other side's weaknesses
to decide the winner. Good ultimately triumphs in spirit even when villains
win a battle.

Write a plot of 800-1600 words with a beginning (setup, stakes), middle
(conflict, action, betrayal), and end (climax, resolution), weaving in every
character's powers, personality, and backstory.

Respond ONLY with a JSON object of the form
{"summary_title": "<title>", "summary": "<full story>"}.
No explanations, no metadata, no extra text.`)
	return sb.String(), nil
}
