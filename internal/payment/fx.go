package payment

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/tsumshop/internal/clock"
	"github.com/smallbiznis/tsumshop/internal/config"
	"github.com/smallbiznis/tsumshop/internal/observability/tracing"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters/esewa"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/tsumshop/internal/payment/domain"
	"github.com/smallbiznis/tsumshop/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tsumshop/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
)

// NewRegistry binds the provider secrets from config to their adapter factories.
func NewRegistry(cfg config.Config, settings *config.ProviderSettingsHolder, clk clock.Clock, log *zap.Logger) (*adapters.Registry, error) {
	var configs []paymentdomain.AdapterConfig
	if secret := strings.TrimSpace(cfg.Stripe.WebhookSecret); secret != "" {
		configs = append(configs, paymentdomain.AdapterConfig{
			Provider: paymentdomain.ProviderStripe,
			Config:   map[string]any{"webhook_secret": secret},
		})
	} else {
		log.Warn("stripe webhook secret not configured; stripe notifications will be rejected")
	}
	if code := strings.TrimSpace(cfg.Esewa.MerchantCode); code != "" {
		configs = append(configs, paymentdomain.AdapterConfig{
			Provider: paymentdomain.ProviderEsewa,
			Config:   map[string]any{"merchant_code": code},
		})
	} else {
		log.Warn("esewa merchant code not configured; esewa confirmations will be rejected")
	}

	return buildRegistry(log, configs,
		stripe.NewFactory(settings, clk),
		esewa.NewFactory(settings, tracing.WrapHTTPClient(&http.Client{}), clk),
	)
}

// buildRegistry fails startup when a configured provider has no adapter.
func buildRegistry(log *zap.Logger, configs []paymentdomain.AdapterConfig, factories ...paymentdomain.AdapterFactory) (*adapters.Registry, error) {
	registry := adapters.NewRegistry(configs, factories...)
	for _, c := range configs {
		if !registry.ProviderExists(c.Provider) {
			return nil, fmt.Errorf("%w: %s", paymentdomain.ErrProviderNotFound, c.Provider)
		}
		log.Info("payment provider enabled", zap.String("provider", c.Provider))
	}
	return registry, nil
}
