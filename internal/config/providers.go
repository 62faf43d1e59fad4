package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"llm_orchestrator/internal/models"
)

// providersFile is the on-disk layout of PROVIDERS_FILE.
type providersFile struct {
	Providers []models.ProviderConfig `yaml:"providers"`
}

// DefaultProviders is used when no providers file is configured: a single
// local model served by Ollama on the default port.
func DefaultProviders() []models.ProviderConfig {
	return []models.ProviderConfig{
		{
			ID:                 "local",
			Kind:               models.ProviderKindLocal,
			Model:              "llama3",
			Priority:           0,
			Enabled:            true,
			DefaultMaxTokens:   512,
			DefaultTemperature: 0.7,
			BaseURL:            "http://localhost:11434",
		},
	}
}

// LoadProviders reads provider descriptors from a YAML file. An empty path
// returns DefaultProviders.
func LoadProviders(path string) ([]models.ProviderConfig, error) {
	if path == "" {
		return DefaultProviders(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	return ParseProviders(data)
}

// ParseProviders decodes and validates a providers document.
func ParseProviders(data []byte) ([]models.ProviderConfig, error) {
	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("providers file declares no providers")
	}

	seen := make(map[string]struct{}, len(file.Providers))
	for i := range file.Providers {
		p := &file.Providers[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	return file.Providers, nil
}
