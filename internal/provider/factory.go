package provider

import (
	"fmt"
	"sync"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

// Factory builds the adapter for a provider configuration.
type Factory func(p domain.Provider) (Adapter, error)

// NewAdapter builds the adapter matching the provider's settings.
func NewAdapter(p domain.Provider) (Adapter, error) {
	switch s := p.Settings.(type) {
	case domain.SMTPSettings:
		return NewSMTPProvider(s, p.Limits.Timeout)
	case domain.HTTPAPISettings:
		return NewHTTPAPIProvider(s, p.Limits.Timeout)
	case domain.MessagingSettings:
		return NewMessagingProvider(s, p.Limits.Timeout)
	default:
		return nil, fmt.Errorf("%w: provider %s has unsupported settings %T", domain.ErrValidation, p.Key, p.Settings)
	}
}

type pooled struct {
	provider domain.Provider
	adapter  Adapter
}

// Pool caches one adapter per provider key. An entry is rebuilt when the
// provider configuration it was built from changes.
type Pool struct {
	mu       sync.RWMutex
	adapters map[string]pooled
	factory  Factory
}

func NewPool(factory Factory) *Pool {
	if factory == nil {
		factory = NewAdapter
	}
	return &Pool{adapters: make(map[string]pooled), factory: factory}
}

func (p *Pool) Get(provider domain.Provider) (Adapter, error) {
	p.mu.RLock()
	entry, ok := p.adapters[provider.Key]
	p.mu.RUnlock()
	if ok && entry.provider == provider {
		return entry.adapter, nil
	}

	adapter, err := p.factory(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for %s: %w", provider.Key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.adapters[provider.Key]; ok && current.provider == provider {
		return current.adapter, nil
	}
	p.adapters[provider.Key] = pooled{provider: provider, adapter: adapter}
	return adapter, nil
}

// Reset drops every cached adapter.
func (p *Pool) Reset() {
	p.mu.Lock()
	p.adapters = make(map[string]pooled)
	p.mu.Unlock()
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.adapters)
}
