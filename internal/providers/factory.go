package providers

import (
	"fmt"
	"sort"
	"sync"

	"llm_orchestrator/internal/models"
)

// Creator builds an adapter for one descriptor
type Creator func(cfg models.ProviderConfig) (Provider, error)

// Factory maps variant tags to adapter constructors.
type Factory struct {
	mu       sync.RWMutex
	creators map[models.ProviderKind]Creator
}

// NewFactory creates a factory with the built-in local and remote variants registered
func NewFactory() *Factory {
	f := &Factory{
		creators: make(map[models.ProviderKind]Creator),
	}

	f.Register(models.ProviderKindLocal, NewLocalProvider)
	f.Register(models.ProviderKindRemote, NewRemoteProvider)

	return f
}

// Register installs or replaces the creator for kind
func (f *Factory) Register(kind models.ProviderKind, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[kind] = creator
}

// Create builds the adapter for cfg
func (f *Factory) Create(cfg models.ProviderConfig) (Provider, error) {
	f.mu.RLock()
	creator, exists := f.creators[cfg.Kind]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, cfg.Kind)
	}

	provider, err := creator(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s (%s): %w", cfg.ID, cfg.Kind, err)
	}

	return provider, nil
}

// SupportedKinds returns the registered variant tags, sorted
func (f *Factory) SupportedKinds() []models.ProviderKind {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]models.ProviderKind, 0, len(f.creators))
	for k := range f.creators {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
