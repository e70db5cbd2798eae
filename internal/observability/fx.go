package observability

import (
	"github.com/smallbiznis/tsumshop/internal/observability/logger"
	"github.com/smallbiznis/tsumshop/internal/observability/metrics"
	"github.com/smallbiznis/tsumshop/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.PaymentWithConfig,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
		Level:       cfg.LogLevel,
		Console:     cfg.ConsoleLogs,
		Debug:       cfg.Debug(),
	}
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:       cfg.OTLPEnabled,
		ServiceName:   cfg.ServiceName,
		Version:       cfg.Version,
		Environment:   cfg.Environment,
		Endpoint:      cfg.OTLPEndpoint,
		HTTP:          cfg.OTLPHTTP,
		SamplingRatio: cfg.SamplingRatio,
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:     cfg.OTLPEnabled,
		Endpoint:    cfg.OTLPEndpoint,
		HTTP:        cfg.OTLPHTTP,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	}
}
