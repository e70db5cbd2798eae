package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/tsumshop/internal/config"
	obsmetrics "github.com/smallbiznis/tsumshop/internal/observability/metrics"
	"github.com/smallbiznis/tsumshop/internal/observability/tracing"
	tsumredis "github.com/smallbiznis/tsumshop/internal/redis"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const relayLockKey = "tsum:order_events:relay"

// Sink delivers one order event downstream.
type Sink interface {
	Deliver(ctx context.Context, record Record) error
}

// RelayConfig controls relay cadence, batch size and retry backoff.
type RelayConfig struct {
	Enabled      bool
	Interval     time.Duration
	BatchSize    int
	BatchTimeout time.Duration

	// MaxAttempts is the number of failed deliveries after which a row is
	// dead-lettered.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Enabled:        true,
		Interval:       5 * time.Second,
		BatchSize:      50,
		BatchTimeout:   30 * time.Second,
		MaxAttempts:    10,
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  10 * time.Minute,
	}
}

func (c RelayConfig) withDefaults() RelayConfig {
	defaults := DefaultRelayConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaults.BatchTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = max(defaults.RetryMaxDelay, c.RetryBaseDelay)
	}
	return c
}

// retryDelay doubles the base delay per failed attempt, capped at RetryMaxDelay.
func (c RelayConfig) retryDelay(attempts int) time.Duration {
	delay := c.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	return delay
}

func ProvideRelayConfig(cfg config.Config) RelayConfig {
	return RelayConfig{
		Enabled:        cfg.Relay.Enabled,
		Interval:       cfg.Relay.Interval,
		BatchSize:      cfg.Relay.BatchSize,
		MaxAttempts:    cfg.Relay.MaxAttempts,
		RetryBaseDelay: cfg.Relay.RetryBaseDelay,
		RetryMaxDelay:  cfg.Relay.RetryMaxDelay,
	}
}

type RelayParams struct {
	fx.In

	Outbox  *Outbox
	Sink    Sink
	Log     *zap.Logger
	Config  RelayConfig                `optional:"true"`
	Locker  *tsumredis.Locker          `optional:"true"`
	Metrics *obsmetrics.PaymentMetrics `optional:"true"`
	OTel    *obsmetrics.Metrics        `optional:"true"`
}

// Relay moves unpublished outbox rows to the configured Sink.
type Relay struct {
	outbox  *Outbox
	sink    Sink
	log     *zap.Logger
	cfg     RelayConfig
	locker  *tsumredis.Locker
	metrics *obsmetrics.PaymentMetrics
	otel    *obsmetrics.Metrics
}

func NewRelay(p RelayParams) (*Relay, error) {
	if p.Outbox == nil || p.Sink == nil || p.Log == nil {
		return nil, errors.New("relay_dependencies_missing")
	}
	return &Relay{
		outbox:  p.Outbox,
		sink:    p.Sink,
		log:     p.Log.Named("events.relay"),
		cfg:     p.Config.withDefaults(),
		locker:  p.Locker,
		metrics: p.Metrics,
		otel:    p.OTel,
	}, nil
}

// RunOnce delivers one batch and returns the number of events published.
// Delivery is at-least-once: a crash between Deliver and MarkPublished redelivers.
func (r *Relay) RunOnce(parent context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.BatchTimeout)
	defer cancel()

	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, relayLockKey, r.cfg.BatchTimeout)
		if err != nil {
			return 0, fmt.Errorf("relay lock: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := r.locker.Release(context.Background(), relayLockKey, token); err != nil {
				r.log.Warn("relay lock release failed", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	defer func() { r.metrics.ObserveRelayBatch(time.Since(start)) }()

	records, err := r.outbox.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.metrics.IncRelayError(err)
		return 0, err
	}

	published := 0
	var errs error
	for _, record := range records {
		log := r.log.With(
			zap.String("event_id", record.ID.String()),
			zap.String("event_type", record.EventType),
			zap.String("order_id", record.AggregateID),
		)
		if err := r.sink.Deliver(ctx, record); err != nil {
			r.metrics.IncRelayError(err)
			r.otel.RecordOutboxRelayed(ctx, record.EventType, "failed")
			if markErr := r.markFailed(ctx, log, record, err); markErr != nil {
				errs = errors.Join(errs, markErr)
			}
			continue
		}
		if err := r.outbox.MarkPublished(ctx, record.ID); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		published++
		r.metrics.AddRelayed(record.EventType, 1)
		r.otel.RecordOutboxRelayed(ctx, record.EventType, "published")
		log.Debug("order event published")
	}

	return published, errs
}

func (r *Relay) markFailed(ctx context.Context, log *zap.Logger, record Record, cause error) error {
	attempts := record.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		log.Error("order event dead-lettered", zap.Int("attempts", attempts), zap.Error(cause))
		r.otel.RecordOutboxRelayed(ctx, record.EventType, "dead_lettered")
		return r.outbox.MarkDeadLettered(ctx, record.ID, cause)
	}
	delay := r.cfg.retryDelay(attempts)
	log.Warn("order event delivery failed",
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(cause),
	)
	return r.outbox.MarkFailed(ctx, record.ID, cause, delay)
}

func (r *Relay) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("relay run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// WebhookSink POSTs each event as JSON to a downstream URL.
type WebhookSink struct {
	client *http.Client
	url    string
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		client: tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		url:    url,
	}
}

type webhookEnvelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	OrderID   string         `json:"order_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *WebhookSink) Deliver(ctx context.Context, record Record) error {
	body, err := json.Marshal(webhookEnvelope{
		ID:        record.ID.String(),
		Type:      record.EventType,
		OrderID:   record.AggregateID,
		Payload:   record.Payload,
		CreatedAt: record.CreatedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", record.DedupeKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("downstream responded %d", resp.StatusCode)
	}
	return nil
}

// LogSink only logs events; used when no downstream URL is configured.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events.sink")}
}

func (s *LogSink) Deliver(_ context.Context, record Record) error {
	s.log.Info("order event",
		zap.String("event_id", record.ID.String()),
		zap.String("event_type", record.EventType),
		zap.String("order_id", record.AggregateID),
		zap.Any("payload", map[string]any(record.Payload)),
	)
	return nil
}

// ProvideSink picks the webhook sink when a target URL is configured.
func ProvideSink(cfg config.Config, log *zap.Logger) Sink {
	target := strings.TrimSpace(cfg.Relay.TargetURL)
	if target == "" {
		return NewLogSink(log)
	}
	return NewWebhookSink(target, cfg.Relay.Timeout)
}
