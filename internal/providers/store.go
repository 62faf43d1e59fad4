package providers

import (
	"errors"
	"fmt"
	"sync/atomic"

	"llm_orchestrator/internal/models"
)

type storeEntry struct {
	config  models.ProviderConfig
	enabled atomic.Bool
	adapter Provider
}

// Store holds the provider descriptors loaded at startup and the adapter
// resolved for each. Descriptors are immutable except for the enabled flag.
type Store struct {
	order   []string
	entries map[string]*storeEntry
}

// NewStore validates configs and resolves one adapter per descriptor.
func NewStore(configs []models.ProviderConfig, factory *Factory) (*Store, error) {
	if factory == nil {
		factory = NewFactory()
	}

	s := &Store{
		order:   make([]string, 0, len(configs)),
		entries: make(map[string]*storeEntry, len(configs)),
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			s.Close()
			return nil, err
		}
		if _, dup := s.entries[cfg.ID]; dup {
			s.Close()
			return nil, fmt.Errorf("duplicate provider id %q", cfg.ID)
		}

		adapter, err := factory.Create(cfg)
		if err != nil {
			s.Close()
			return nil, err
		}

		entry := &storeEntry{config: cfg, adapter: adapter}
		entry.enabled.Store(cfg.Enabled)
		s.entries[cfg.ID] = entry
		s.order = append(s.order, cfg.ID)
	}

	return s, nil
}

// List returns every descriptor in load order with its current enabled flag
func (s *Store) List() []models.ProviderConfig {
	out := make([]models.ProviderConfig, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshot(s.entries[id]))
	}
	return out
}

// Get returns one descriptor
func (s *Store) Get(id string) (models.ProviderConfig, error) {
	entry, ok := s.entries[id]
	if !ok {
		return models.ProviderConfig{}, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return s.snapshot(entry), nil
}

// Adapter returns the resolved adapter for id
func (s *Store) Adapter(id string) (Provider, error) {
	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return entry.adapter, nil
}

// SetEnabled toggles a provider. In-flight calls are unaffected.
func (s *Store) SetEnabled(id string, enabled bool) error {
	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	entry.enabled.Store(enabled)
	return nil
}

// IsEnabled reports the current enabled flag; unknown ids are disabled
func (s *Store) IsEnabled(id string) bool {
	entry, ok := s.entries[id]
	return ok && entry.enabled.Load()
}

// IDs returns the descriptor ids in load order
func (s *Store) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Close closes every adapter
func (s *Store) Close() error {
	var errs []error
	for _, id := range s.order {
		if err := s.entries[id].adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) snapshot(entry *storeEntry) models.ProviderConfig {
	cfg := entry.config
	cfg.Enabled = entry.enabled.Load()
	return cfg
}
