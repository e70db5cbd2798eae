package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

// Config selects where OTLP metrics are pushed and labels the prometheus collectors.
type Config struct {
	Enabled     bool
	Endpoint    string
	HTTP        bool
	ServiceName string
	Environment string
}

// NewProvider installs the global meter provider. With export disabled the
// provider is a no-op and only the prometheus collectors record.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		},
	})
	log.Info("metrics export initialized", zap.String("endpoint", cfg.Endpoint), zap.Bool("http", cfg.HTTP))
	return provider, nil
}

func newExporter(cfg Config) (sdkmetric.Exporter, error) {
	if cfg.HTTP {
		return otlpmetrichttp.New(context.Background(), otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
	}
	return otlpmetricgrpc.New(context.Background(), otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
}

// Metrics holds the OTLP counters for the reconciliation flow. A nil *Metrics
// records nothing.
type Metrics struct {
	paymentEvents   metric.Int64Counter
	reconciliations metric.Int64Counter
	outboxRelayed   metric.Int64Counter
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tsumshop"
	}
	meter := provider.Meter(name)

	var m Metrics
	for counter, instrument := range map[*metric.Int64Counter]string{
		&m.paymentEvents:   "tsum_payment_events_total",
		&m.reconciliations: "tsum_payment_reconciliations_total",
		&m.outboxRelayed:   "tsum_order_events_relayed_total",
	} {
		c, err := meter.Int64Counter(instrument)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", instrument, err)
		}
		*counter = c
	}
	return &m, nil
}

// RecordPaymentEvent counts verified notifications that reached the order store.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	add(ctx, m.paymentEvents,
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
	)
}

func (m *Metrics) RecordReconciliation(ctx context.Context, provider, outcome, result string) {
	if m == nil {
		return
	}
	add(ctx, m.reconciliations,
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
		attribute.String("result", result),
	)
}

// RecordOutboxRelayed counts order events by relay result: published, failed or dead_lettered.
func (m *Metrics) RecordOutboxRelayed(ctx context.Context, eventType, result string) {
	if m == nil {
		return
	}
	add(ctx, m.outboxRelayed,
		attribute.String("event_type", eventType),
		attribute.String("result", result),
	)
}

func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"result":      {},
	"reason":      {},
}

// FilterAttributes drops labels outside the allow list, order ids included,
// and trims the values that remain.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			attr = attribute.String(string(attr.Key), strings.TrimSpace(attr.Value.AsString()))
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
