// Package persona loads and validates character card definitions in the
// three tavern card schema variants (V1 flat, V2 chara_card_v2, V3
// chara_card_v3), from JSON, YAML, or PNG-embedded sources.
package persona

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Card is the raw structured card document. The accepted shapes differ per
// schema version, so it stays an open map and is interpreted through
// Validate/Resolve.
type Card map[string]any

const (
	SpecV2 = "chara_card_v2"
	SpecV3 = "chara_card_v3"

	defaultName = "Assistant"
)

// Profile is the resolved view of a validated card: everything the
// conversation store and prompts need.
type Profile struct {
	Version      int
	Name         string
	SystemPrompt string
	FirstMessage string
}

// Resolve validates the card and derives its prompt-facing fields.
func Resolve(card Card) (Profile, error) {
	version, err := Validate(card)
	if err != nil {
		return Profile{}, err
	}

	if version == 1 {
		return Profile{
			Version:      1,
			Name:         stringField(card, "name", defaultName),
			SystemPrompt: composedSystemPrompt(card),
			FirstMessage: stringField(card, "first_mes", ""),
		}, nil
	}

	data, _ := card["data"].(map[string]any)
	prompt := strings.TrimSpace(stringField(data, "system_prompt", ""))
	if prompt == "" {
		prompt = composedSystemPrompt(data)
	}
	return Profile{
		Version:      version,
		Name:         stringField(data, "name", defaultName),
		SystemPrompt: prompt,
		FirstMessage: stringField(data, "first_mes", ""),
	}, nil
}

// Name reports the card's character name without requiring full resolution.
func (c Card) Name() string {
	if data, ok := c["data"].(map[string]any); ok {
		if name := stringField(data, "name", ""); name != "" {
			return name
		}
	}
	return stringField(c, "name", defaultName)
}

// RawJSON renders the card as indented JSON for embedding into prompts.
func (c Card) RawJSON() string {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func composedSystemPrompt(fields map[string]any) string {
	return fmt.Sprintf("You are %s, %s. Your personality: %s. Scenario: %s",
		stringField(fields, "name", defaultName),
		stringField(fields, "description", ""),
		stringField(fields, "personality", ""),
		stringField(fields, "scenario", ""),
	)
}

func stringField(fields map[string]any, key, fallback string) string {
	if fields == nil {
		return fallback
	}
	if raw, ok := fields[key]; ok {
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return fallback
}
