package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a card file. JSON, YAML and PNG (embedded card) sources are
// accepted, keyed by file extension.
func Load(path string) (Card, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read card %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var card Card
		if err := json.Unmarshal(raw, &card); err != nil {
			return nil, fmt.Errorf("persona: decode card %s: %w", path, err)
		}
		return card, nil
	case ".yaml", ".yml":
		var card Card
		if err := yaml.Unmarshal(raw, &card); err != nil {
			return nil, fmt.Errorf("persona: decode card %s: %w", path, err)
		}
		return card, nil
	case ".png":
		card, err := ExtractFromPNG(raw)
		if err != nil {
			return nil, fmt.Errorf("persona: extract card %s: %w", path, err)
		}
		return card, nil
	default:
		return nil, fmt.Errorf("persona: unsupported card format: %s", filepath.Ext(path))
	}
}
