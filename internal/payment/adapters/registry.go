package adapters

import (
	"strings"

	"github.com/smallbiznis/tsumshop/internal/payment/domain"
)

// Registry resolves a provider name, taken from the route, to a fresh adapter.
type Registry struct {
	factories map[string]domain.AdapterFactory
	configs   map[string]domain.AdapterConfig
}

func NewRegistry(configs []domain.AdapterConfig, factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		configs:   map[string]domain.AdapterConfig{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	for _, cfg := range configs {
		provider := normalize(cfg.Provider)
		if provider == "" {
			continue
		}
		cfg.Provider = provider
		registry.configs[provider] = cfg
	}
	return registry
}

// ProviderExists reports whether a factory is registered for provider.
func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

// NewAdapter builds an adapter per call so hot-reloaded provider settings apply
// to the next notification.
func (r *Registry) NewAdapter(provider string) (domain.Verifier, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	cfg, ok := r.configs[provider]
	if !ok {
		cfg = domain.AdapterConfig{Provider: provider}
	}
	return factory.NewAdapter(cfg)
}

func (r *Registry) SignatureVerifier(provider string) (domain.SignatureVerifier, error) {
	adapter, err := r.NewAdapter(provider)
	if err != nil {
		return nil, err
	}
	verifier, ok := adapter.(domain.SignatureVerifier)
	if !ok {
		return nil, domain.ErrUnsupportedVariant
	}
	return verifier, nil
}

func (r *Registry) ConfirmationVerifier(provider string) (domain.ConfirmationVerifier, error) {
	adapter, err := r.NewAdapter(provider)
	if err != nil {
		return nil, err
	}
	verifier, ok := adapter.(domain.ConfirmationVerifier)
	if !ok {
		return nil, domain.ErrUnsupportedVariant
	}
	return verifier, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
