package models

import (
	"testing"
	"time"
)

func TestProviderKind_Constants(t *testing.T) {
	tests := []struct {
		name     string
		kind     ProviderKind
		expected string
	}{
		{"Local", ProviderKindLocal, "local"},
		{"Remote", ProviderKindRemote, "remote"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.kind) != tt.expected {
				t.Errorf("ProviderKind = %s, want %s", tt.kind, tt.expected)
			}
		})
	}
}

func TestProviderConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ProviderConfig
		wantErr bool
	}{
		{
			name:   "valid local",
			config: ProviderConfig{ID: "local", Kind: ProviderKindLocal, Model: "llama3"},
		},
		{
			name:   "valid remote with cost",
			config: ProviderConfig{ID: "openai", Kind: ProviderKindRemote, CostPerToken: 0.00002, RateLimitPerSecond: 5},
		},
		{
			name:    "missing id",
			config:  ProviderConfig{Kind: ProviderKindLocal},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			config:  ProviderConfig{ID: "x", Kind: "bedrock"},
			wantErr: true,
		},
		{
			name:    "negative cost",
			config:  ProviderConfig{ID: "x", Kind: ProviderKindRemote, CostPerToken: -1},
			wantErr: true,
		},
		{
			name:    "negative rate limit",
			config:  ProviderConfig{ID: "x", Kind: ProviderKindRemote, RateLimitPerSecond: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProviderConfig_CalculateCost(t *testing.T) {
	p := ProviderConfig{ID: "openai", Kind: ProviderKindRemote, CostPerToken: 0.00002}

	cost := p.CalculateCost(1500)
	if diff := cost - 0.03; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("CalculateCost(1500) = %f, want 0.03", cost)
	}

	free := ProviderConfig{ID: "local", Kind: ProviderKindLocal}
	if got := free.CalculateCost(1000); got != 0 {
		t.Errorf("CalculateCost on free provider = %f, want 0", got)
	}
}

func TestProviderConfig_CallTimeout(t *testing.T) {
	p := ProviderConfig{ID: "a"}
	if got := p.CallTimeout(10 * time.Second); got != 10*time.Second {
		t.Errorf("CallTimeout() = %v, want 10s fallback", got)
	}

	p.TimeoutSeconds = 3
	if got := p.CallTimeout(10 * time.Second); got != 3*time.Second {
		t.Errorf("CallTimeout() = %v, want 3s", got)
	}
}
