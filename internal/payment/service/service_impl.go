package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tsumshop/internal/clock"
	obscontext "github.com/smallbiznis/tsumshop/internal/observability/context"
	"github.com/smallbiznis/tsumshop/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tsumshop/internal/observability/metrics"
	"github.com/smallbiznis/tsumshop/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/tsumshop/internal/order/domain"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tsumshop/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const resultRejected = "rejected"

type Params struct {
	fx.In

	DB       *gorm.DB `optional:"true"`
	Log      *zap.Logger
	Store    orderdomain.Store
	Adapters *adapters.Registry
	Repo     paymentdomain.Repository   `optional:"true"`
	GenID    *snowflake.Node            `optional:"true"`
	Clock    clock.Clock                `optional:"true"`
	OTel     *obsmetrics.Metrics        `optional:"true"`
	Metrics  *obsmetrics.PaymentMetrics `optional:"true"`
}

// Service reconciles verified provider notifications into order payment state.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	store    orderdomain.Store
	adapters *adapters.Registry
	repo     paymentdomain.Repository
	genID    *snowflake.Node
	clock    clock.Clock
	otel     *obsmetrics.Metrics
	metrics  *obsmetrics.PaymentMetrics
	tracer   trace.Tracer
}

func NewService(p Params) paymentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:       p.DB,
		log:      log.Named("payment.reconcile"),
		store:    p.Store,
		adapters: p.Adapters,
		repo:     p.Repo,
		genID:    p.GenID,
		clock:    clk,
		otel:     p.OTel,
		metrics:  p.Metrics,
		tracer:   otel.Tracer("tsumshop/payment"),
	}
}

// HandleWebhook verifies a signed notification and applies it to the order.
// Signature and payload errors are returned before any state is touched.
func (s *Service) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.Reconciliation, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	ctx = obscontext.WithProvider(ctx, provider)
	ctx, span := s.tracer.Start(ctx, "payment.reconcile.webhook",
		trace.WithAttributes(tracing.SafeAttributes(attribute.String("provider", provider))...))
	defer span.End()

	verifier, err := s.adapters.SignatureVerifier(provider)
	if err != nil {
		s.logger(ctx).Error("payment verifier unavailable", zap.Error(err))
		endSpan(span, err)
		return nil, err
	}

	started := time.Now()
	result, err := verifier.Verify(ctx, payload, headers)
	s.metrics.ObserveVerification(provider, time.Since(started))
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.logger(ctx).Debug("payment webhook ignored")
			s.record(ctx, provider, "", string(paymentdomain.ResultIgnored))
			endSpan(span, nil)
			return &paymentdomain.Reconciliation{Provider: provider, Result: paymentdomain.ResultIgnored}, nil
		}
		s.logger(ctx).Warn("payment webhook rejected", zap.Error(err))
		s.record(ctx, provider, paymentdomain.OutcomeInvalid, resultRejected)
		endSpan(span, err)
		return nil, err
	}

	rec, err := s.apply(ctx, result)
	endSpan(span, err)
	return rec, err
}

// ConfirmPayment asks the provider to confirm a payment and applies the answer.
// An unreachable provider never changes state.
func (s *Service) ConfirmPayment(ctx context.Context, provider string, req paymentdomain.ConfirmationRequest) (*paymentdomain.Reconciliation, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	ctx = obscontext.WithProvider(ctx, provider)
	ctx, span := s.tracer.Start(ctx, "payment.reconcile.confirm",
		trace.WithAttributes(tracing.SafeAttributes(
			attribute.String("provider", provider),
			attribute.String("order_id", strings.TrimSpace(req.OrderID)),
		)...))
	defer span.End()

	verifier, err := s.adapters.ConfirmationVerifier(provider)
	if err != nil {
		s.logger(ctx).Error("payment verifier unavailable", zap.Error(err))
		endSpan(span, err)
		return nil, err
	}

	started := time.Now()
	result, err := verifier.Confirm(ctx, req)
	s.metrics.ObserveVerification(provider, time.Since(started))
	if err != nil {
		log := logger.WithOrder(s.logger(ctx), req.OrderID)
		if errors.Is(err, paymentdomain.ErrVerificationUnreachable) {
			log.Warn("payment confirmation unreachable", zap.Error(err))
		} else {
			log.Warn("payment confirmation rejected", zap.Error(err))
		}
		s.record(ctx, provider, paymentdomain.OutcomeInvalid, resultRejected)
		endSpan(span, err)
		return nil, err
	}

	rec, err := s.apply(ctx, result)
	endSpan(span, err)
	return rec, err
}

func (s *Service) apply(ctx context.Context, result *paymentdomain.VerificationResult) (*paymentdomain.Reconciliation, error) {
	if result == nil {
		return nil, paymentdomain.ErrInvalidNotification
	}
	log := logger.WithOrder(s.logger(ctx), result.OrderID).With(
		zap.String("provider_event_id", result.ProviderEventID),
		zap.String("outcome", string(result.Outcome)),
	)

	update, err := s.transition(result)
	if err != nil {
		log.Warn("payment outcome cannot be applied", zap.Error(err))
		s.record(ctx, result.Provider, result.Outcome, resultRejected)
		return nil, err
	}

	updated, err := s.store.UpdateIfCurrentStatus(ctx, result.OrderID, orderdomain.PaymentStatusPending, update)
	if err != nil {
		if errors.Is(err, orderdomain.ErrInvalidOrderID) {
			log.Warn("payment notification has no usable order id", zap.Error(err))
			s.record(ctx, result.Provider, result.Outcome, resultRejected)
			return nil, paymentdomain.ErrInvalidNotification
		}
		log.Error("order payment update failed", zap.Error(err))
		s.metrics.IncStoreError(result.Provider, err)
		s.record(ctx, result.Provider, result.Outcome, "error")
		return nil, err
	}

	rec := &paymentdomain.Reconciliation{
		Provider:        result.Provider,
		Outcome:         result.Outcome,
		OrderID:         result.OrderID,
		ProviderEventID: result.ProviderEventID,
		EventType:       result.EventType,
		RawResponse:     result.RawResponse,
	}
	switch updated {
	case orderdomain.UpdateApplied:
		rec.Result = paymentdomain.ResultApplied
		log.Info("order payment status updated")
	case orderdomain.UpdateNotFound:
		rec.Result = paymentdomain.ResultNotFound
		log.Warn("payment notification for unknown order")
	default:
		rec.Result = paymentdomain.ResultDuplicate
		log.Info("payment notification already reconciled")
	}

	s.journal(ctx, log, result, rec.Result)
	s.otel.RecordPaymentEvent(ctx, result.Provider, result.EventType)
	s.record(ctx, result.Provider, result.Outcome, string(rec.Result))
	return rec, nil
}

// transition maps a verified outcome to the conditional update from pending.
func (s *Service) transition(result *paymentdomain.VerificationResult) (orderdomain.Update, error) {
	payload := map[string]any{
		"order_id":          result.OrderID,
		"provider":          result.Provider,
		"provider_event_id": result.ProviderEventID,
		"reference":         result.ProviderPaymentID,
		"amount":            result.Amount,
		"currency":          result.Currency,
	}

	switch result.Outcome {
	case paymentdomain.OutcomeSucceeded:
		paidAt := s.clock.Now()
		processing := orderdomain.StatusProcessing
		payload["paid_at"] = paidAt.Format(time.RFC3339)
		return orderdomain.Update{
			PaymentStatus:    orderdomain.PaymentStatusCompleted,
			Status:           &processing,
			PaymentProvider:  result.Provider,
			PaymentReference: result.ProviderPaymentID,
			PaidAt:           &paidAt,
			Event:            &orderdomain.Event{Type: orderdomain.EventPaymentCompleted, Payload: payload},
		}, nil
	case paymentdomain.OutcomeFailed:
		return orderdomain.Update{
			PaymentStatus: orderdomain.PaymentStatusFailed,
			Event:         &orderdomain.Event{Type: orderdomain.EventPaymentFailed, Payload: payload},
		}, nil
	default:
		return orderdomain.Update{}, paymentdomain.ErrInvalidNotification
	}
}

// journal records the notification for operators. Failures are logged only.
func (s *Service) journal(ctx context.Context, log *zap.Logger, result *paymentdomain.VerificationResult, outcome paymentdomain.Result) {
	if s.db == nil || s.repo == nil || s.genID == nil || strings.TrimSpace(result.ProviderEventID) == "" {
		return
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        result.Provider,
		ProviderEventID: result.ProviderEventID,
		EventType:       result.EventType,
		OrderID:         result.OrderID,
		Outcome:         result.Outcome,
		Result:          outcome,
		Payload:         datatypes.JSON(journalPayload(result.RawPayload, result.RawResponse)),
		ReceivedAt:      s.clock.Now(),
	})
	if err != nil {
		log.Warn("payment event journal write failed", zap.Error(err))
		return
	}
	if !inserted {
		log.Debug("payment event already journaled")
	}
}

func (s *Service) record(ctx context.Context, provider string, outcome paymentdomain.Outcome, result string) {
	if outcome == "" {
		outcome = "none"
	}
	s.metrics.IncReconciliation(provider, string(outcome), result)
	s.otel.RecordReconciliation(ctx, provider, string(outcome), result)
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return logger.WithContext(ctx, s.log)
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, err.Error())
}
