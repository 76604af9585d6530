package persona

import (
	"fmt"
	"strconv"
)

// ValidationError names the first missing or invalid field of the schema
// variant that failed.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("persona: invalid card field: %s", e.Field)
}

var v1RequiredFields = []string{
	"name", "description", "personality", "scenario", "first_mes", "mes_example",
}

var v2RequiredDataFields = []string{
	"name", "description", "personality", "scenario", "first_mes", "mes_example",
	"creator_notes", "system_prompt", "post_history_instructions",
	"alternate_greetings", "tags", "creator", "character_version", "extensions",
}

// Validate tries the V1, V2 and V3 schema shapes in order and returns the
// matching version. Each variant validator is independent and exhaustive for
// its own fields. When all three fail, the surfaced error comes from the
// variant the card's spec tag declares, so a chara_card_v2 card missing one
// nested field reports that field rather than another variant's mismatch;
// untagged cards report the V1 failure.
func Validate(card Card) (int, error) {
	if card == nil {
		return 0, &ValidationError{Field: "card"}
	}
	v1Err := validateV1(card)
	if v1Err == nil {
		return 1, nil
	}
	v2Err := validateV2(card)
	if v2Err == nil {
		return 2, nil
	}
	v3Err := validateV3(card)
	if v3Err == nil {
		return 3, nil
	}
	switch spec, _ := card["spec"].(string); spec {
	case SpecV2:
		return 0, v2Err
	case SpecV3:
		return 0, v3Err
	default:
		return 0, v1Err
	}
}

func validateV1(card Card) *ValidationError {
	for _, field := range v1RequiredFields {
		if _, ok := card[field]; !ok {
			return &ValidationError{Field: field}
		}
	}
	return nil
}

func validateV2(card Card) *ValidationError {
	if spec, _ := card["spec"].(string); spec != SpecV2 {
		return &ValidationError{Field: "spec"}
	}
	if version, _ := card["spec_version"].(string); version != "2.0" {
		return &ValidationError{Field: "spec_version"}
	}
	data, ok := card["data"].(map[string]any)
	if !ok || len(data) == 0 {
		return &ValidationError{Field: "data"}
	}
	for _, field := range v2RequiredDataFields {
		if _, ok := data[field]; !ok {
			return &ValidationError{Field: "data." + field}
		}
	}
	if !isList(data["alternate_greetings"]) {
		return &ValidationError{Field: "data.alternate_greetings"}
	}
	if !isList(data["tags"]) {
		return &ValidationError{Field: "data.tags"}
	}
	if !isMap(data["extensions"]) {
		return &ValidationError{Field: "data.extensions"}
	}
	return nil
}

func validateV3(card Card) *ValidationError {
	if spec, _ := card["spec"].(string); spec != SpecV3 {
		return &ValidationError{Field: "spec"}
	}
	version, ok := numericSpecVersion(card["spec_version"])
	if !ok || version < 3.0 || version >= 4.0 {
		return &ValidationError{Field: "spec_version"}
	}
	data, ok := card["data"].(map[string]any)
	if !ok || len(data) == 0 {
		return &ValidationError{Field: "data"}
	}
	return nil
}

func numericSpecVersion(raw any) (float64, bool) {
	switch v := raw.(type) {
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func isList(raw any) bool {
	_, ok := raw.([]any)
	return ok
}

func isMap(raw any) bool {
	_, ok := raw.(map[string]any)
	return ok
}
