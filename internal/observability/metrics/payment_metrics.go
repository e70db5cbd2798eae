package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonUnknown              = "unknown"
)

// PaymentMetrics exposes reconciliation and outbox relay health on /metrics.
type PaymentMetrics struct {
	reconciliations *prometheus.CounterVec
	verifyDuration  *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec
	relayPublished  *prometheus.CounterVec
	relayErrors     *prometheus.CounterVec
	relayDuration   prometheus.Histogram
}

var (
	paymentMetricsOnce sync.Once
	paymentMetrics     *PaymentMetrics
)

// Payment returns the singleton payment metrics registry.
func Payment() *PaymentMetrics {
	return PaymentWithConfig(Config{})
}

// PaymentWithConfig returns the singleton payment metrics registry using config labels.
func PaymentWithConfig(cfg Config) *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentMetrics = NewPaymentMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return paymentMetrics
}

// NewPaymentMetrics registers a fresh set of collectors on registerer.
func NewPaymentMetrics(registerer prometheus.Registerer, cfg Config) *PaymentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tsumshop"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &PaymentMetrics{
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tsum_reconciliation_total",
			Help:        "Payment notifications by provider, verified outcome and store result.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome", "result"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tsum_payment_verification_duration_seconds",
			Help:        "Time spent verifying a notification with its provider.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tsum_order_store_errors_total",
			Help:        "Order store failures during reconciliation by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"provider", "reason"}),
		relayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tsum_order_events_relayed_total",
			Help:        "Order events delivered downstream by event type.",
			ConstLabels: constLabels,
		}, []string{"event_type"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tsum_order_events_relay_errors_total",
			Help:        "Order event relay failures by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tsum_order_events_relay_batch_seconds",
			Help:        "Relay batch latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.reconciliations,
		m.verifyDuration,
		m.storeErrors,
		m.relayPublished,
		m.relayErrors,
		m.relayDuration,
	)
	return m
}

func (m *PaymentMetrics) IncReconciliation(provider, outcome, result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(provider, outcome, result).Inc()
}

func (m *PaymentMetrics) ObserveVerification(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	m.verifyDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *PaymentMetrics) IncStoreError(provider string, err error) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(provider, ClassifyStoreErrorReason(err)).Inc()
}

func (m *PaymentMetrics) AddRelayed(eventType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.relayPublished.WithLabelValues(eventType).Add(float64(count))
}

func (m *PaymentMetrics) IncRelayError(err error) {
	if m == nil {
		return
	}
	m.relayErrors.WithLabelValues(ClassifyStoreErrorReason(err)).Inc()
}

func (m *PaymentMetrics) ObserveRelayBatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.relayDuration.Observe(duration.Seconds())
}

// ClassifyStoreErrorReason maps storage errors to low-cardinality reasons.
func ClassifyStoreErrorReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return ReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return ReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return ReasonUniqueViolation
	}
	return ReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
