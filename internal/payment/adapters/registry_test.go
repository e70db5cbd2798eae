package adapters_test

import (
	"errors"
	"testing"

	"github.com/smallbiznis/tsumshop/internal/payment/adapters"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters/esewa"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters/stripe"
	"github.com/smallbiznis/tsumshop/internal/payment/domain"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		[]domain.AdapterConfig{
			{Provider: "Stripe", Config: map[string]any{"webhook_secret": "whsec_test"}},
			{Provider: "esewa", Config: map[string]any{"merchant_code": "EPAYTEST"}},
		},
		stripe.NewFactory(nil, nil),
		esewa.NewFactory(nil, nil, nil),
	)
}

func TestRegistryResolvesByProviderName(t *testing.T) {
	registry := newRegistry()

	if !registry.ProviderExists(" STRIPE ") {
		t.Fatalf("expected stripe to be registered")
	}
	if registry.ProviderExists("paypal") {
		t.Fatalf("expected paypal to be unknown")
	}

	sig, err := registry.SignatureVerifier("stripe")
	if err != nil {
		t.Fatalf("stripe verifier: %v", err)
	}
	if sig.Provider() != domain.ProviderStripe {
		t.Fatalf("unexpected provider %q", sig.Provider())
	}

	conf, err := registry.ConfirmationVerifier("esewa")
	if err != nil {
		t.Fatalf("esewa verifier: %v", err)
	}
	if conf.Provider() != domain.ProviderEsewa {
		t.Fatalf("unexpected provider %q", conf.Provider())
	}
}

func TestRegistryErrors(t *testing.T) {
	registry := newRegistry()

	if _, err := registry.NewAdapter(""); !errors.Is(err, domain.ErrInvalidProvider) {
		t.Fatalf("expected invalid provider, got %v", err)
	}
	if _, err := registry.NewAdapter("paypal"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}
	if _, err := registry.ConfirmationVerifier("stripe"); !errors.Is(err, domain.ErrUnsupportedVariant) {
		t.Fatalf("expected unsupported variant, got %v", err)
	}
	if _, err := registry.SignatureVerifier("esewa"); !errors.Is(err, domain.ErrUnsupportedVariant) {
		t.Fatalf("expected unsupported variant, got %v", err)
	}

	unconfigured := adapters.NewRegistry(nil, stripe.NewFactory(nil, nil))
	if _, err := unconfigured.SignatureVerifier("stripe"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config without secret, got %v", err)
	}

	var nilRegistry *adapters.Registry
	if _, err := nilRegistry.NewAdapter("stripe"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Fatalf("expected provider not found on nil registry, got %v", err)
	}
}
