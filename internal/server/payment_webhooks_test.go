package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tsumshop/internal/clock"
	"github.com/smallbiznis/tsumshop/internal/config"
	orderdomain "github.com/smallbiznis/tsumshop/internal/order/domain"
	orderrepo "github.com/smallbiznis/tsumshop/internal/order/repository"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters/esewa"
	"github.com/smallbiznis/tsumshop/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/tsumshop/internal/payment/domain"
	paymentservice "github.com/smallbiznis/tsumshop/internal/payment/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testStripeSecret = "whsec_test"

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubService struct {
	webhook func(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.Reconciliation, error)
	confirm func(ctx context.Context, provider string, req paymentdomain.ConfirmationRequest) (*paymentdomain.Reconciliation, error)
}

func (s *stubService) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.Reconciliation, error) {
	return s.webhook(ctx, provider, payload, headers)
}

func (s *stubService) ConfirmPayment(ctx context.Context, provider string, req paymentdomain.ConfirmationRequest) (*paymentdomain.Reconciliation, error) {
	return s.confirm(ctx, provider, req)
}

func newTestEngine(svc paymentdomain.Service, client *goredis.Client) *gin.Engine {
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	s := NewServer(Params{Engine: r, Log: zap.NewNop(), PaymentSvc: svc, Redis: client})
	s.RegisterRoutes()
	return r
}

func newRealService(t *testing.T, store orderdomain.Store, esewaURL string) paymentdomain.Service {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	settings := config.DefaultProviderSettings()
	if esewaURL != "" {
		settings.Esewa.VerifyURL = esewaURL
	}
	settings.Esewa.Timeout = 200 * time.Millisecond
	holder := config.NewStaticProviderSettingsHolder(settings)

	registry := adapters.NewRegistry(
		[]paymentdomain.AdapterConfig{
			{Provider: paymentdomain.ProviderStripe, Config: map[string]any{"webhook_secret": testStripeSecret}},
			{Provider: paymentdomain.ProviderEsewa, Config: map[string]any{"merchant_code": "EPAYTEST"}},
		},
		stripe.NewFactory(holder, clk),
		esewa.NewFactory(holder, nil, clk),
	)
	return paymentservice.NewService(paymentservice.Params{
		Log:      zap.NewNop(),
		Store:    store,
		Adapters: registry,
		Clock:    clk,
	})
}

func pendingOrder(id string) orderdomain.Order {
	return orderdomain.Order{ID: id, PaymentStatus: orderdomain.PaymentStatusPending, Status: orderdomain.StatusPending}
}

func stripeRequest(payload string, secret string) *http.Request {
	ts := fmt.Sprintf("%d", testNow.Unix())
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(stripe.SignatureHeader, fmt.Sprintf("t=%s,v1=%s", ts, stripe.ComputeSignature(secret, ts, []byte(payload))))
	return req
}

func esewaRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/payments/esewa/verify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, corsAllowHeaders, rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestPreflight(t *testing.T) {
	r := newTestEngine(&stubService{}, nil)
	for _, path := range []string{"/api/payments/webhooks/stripe", "/api/payments/esewa/verify"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Empty(t, rec.Body.String(), path)
		assertCORS(t, rec)
	}
}

func TestStripeWebhook_OrderPaid(t *testing.T) {
	store := orderrepo.NewMemoryStore(nil, pendingOrder("ORD-100"))
	r := newTestEngine(newRealService(t, store, ""), nil)
	payload := fmt.Sprintf(`{"id":"evt_100","type":"payment_intent.succeeded","created":%d,"data":{"object":{"id":"pi_100","amount":2500,"metadata":{"order_id":"ORD-100"}}}}`, testNow.Unix())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, stripeRequest(payload, testStripeSecret))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"received": true}, decode(t, rec))
	assertCORS(t, rec)
	assert.Equal(t, 1, store.UpdateCalls())

	order, err := store.FindByID(context.Background(), "ORD-100")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.PaymentStatusCompleted, order.PaymentStatus)
	assert.Equal(t, orderdomain.StatusProcessing, order.Status)
}

func TestStripeWebhook_InvalidSignature(t *testing.T) {
	store := orderrepo.NewMemoryStore(nil, pendingOrder("ORD-101"))
	r := newTestEngine(newRealService(t, store, ""), nil)
	payload := `{"id":"evt_101","type":"payment_intent.succeeded","data":{"object":{"metadata":{"order_id":"ORD-101"}}}}`

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, stripeRequest(payload, "whsec_wrong"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]any{"error": "invalid_signature"}, decode(t, rec))
	assertCORS(t, rec)
	assert.Zero(t, store.UpdateCalls())

	missing := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/stripe", strings.NewReader(payload))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, missing)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook_PassesRawBody(t *testing.T) {
	raw := "{\n  \"id\" : \"evt_raw\"\n}"
	var got []byte
	svc := &stubService{webhook: func(_ context.Context, provider string, payload []byte, _ http.Header) (*paymentdomain.Reconciliation, error) {
		assert.Equal(t, paymentdomain.ProviderStripe, provider)
		got = payload
		return &paymentdomain.Reconciliation{Result: paymentdomain.ResultIgnored}, nil
	}}
	r := newTestEngine(svc, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/stripe", strings.NewReader(raw)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, raw, string(got))
}

func TestStripeWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		rec    *paymentdomain.Reconciliation
		err    error
		status int
		body   map[string]any
	}{
		{"unknown order", &paymentdomain.Reconciliation{Result: paymentdomain.ResultNotFound, OrderID: "ORD-404"}, nil, http.StatusOK, map[string]any{"received": true}},
		{"duplicate", &paymentdomain.Reconciliation{Result: paymentdomain.ResultDuplicate}, nil, http.StatusOK, map[string]any{"received": true}},
		{"invalid notification", nil, paymentdomain.ErrInvalidNotification, http.StatusBadRequest, map[string]any{"error": "invalid_notification"}},
		{"store failure", nil, errors.New("db down"), http.StatusInternalServerError, map[string]any{"error": "internal_error"}},
		{"misconfigured", nil, paymentdomain.ErrInvalidConfig, http.StatusInternalServerError, map[string]any{"error": "internal_error"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{webhook: func(context.Context, string, []byte, http.Header) (*paymentdomain.Reconciliation, error) {
				return tc.rec, tc.err
			}}
			r := newTestEngine(svc, nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, stripeRequest(`{}`, testStripeSecret))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.body, decode(t, rec))
		})
	}
}

func TestEsewaVerify_OrderPaid(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Success"))
	}))
	defer provider.Close()

	store := orderrepo.NewMemoryStore(nil, pendingOrder("ORD-200"))
	r := newTestEngine(newRealService(t, store, provider.URL), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, esewaRequest(`{"oid":"ORD-200","amt":1500,"refId":"REF-200"}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"success": true, "message": "Success"}, decode(t, rec))
	assertCORS(t, rec)

	order, err := store.FindByID(context.Background(), "ORD-200")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.PaymentStatusCompleted, order.PaymentStatus)
}

func TestEsewaVerify_NotConfirmed(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("failure"))
	}))
	defer provider.Close()

	store := orderrepo.NewMemoryStore(nil, pendingOrder("ORD-201"))
	r := newTestEngine(newRealService(t, store, provider.URL), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, esewaRequest(`{"oid":"ORD-201","amt":"10","refId":"REF-201"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"success": false, "message": "failure"}, decode(t, rec))
}

func TestEsewaVerify_Unreachable(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer provider.Close()

	store := orderrepo.NewMemoryStore(nil, pendingOrder("ORD-202"))
	r := newTestEngine(newRealService(t, store, provider.URL), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, esewaRequest(`{"oid":"ORD-202","amt":"10","refId":"REF-202"}`))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, map[string]any{"success": false, "error": "verification_unreachable"}, decode(t, rec))
	assert.Zero(t, store.UpdateCalls())
}

func TestEsewaVerify_MalformedRequest(t *testing.T) {
	svc := &stubService{confirm: func(context.Context, string, paymentdomain.ConfirmationRequest) (*paymentdomain.Reconciliation, error) {
		t.Fatalf("service must not be called")
		return nil, nil
	}}
	r := newTestEngine(svc, nil)

	for _, body := range []string{`not json`, `{"oid":"ORD-1","amt":"10"}`, `{"oid":"","amt":"10","refId":"R"}`, `{"oid":"ORD-1","amt":true,"refId":"R"}`} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, esewaRequest(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, map[string]any{"success": false, "error": "invalid_request"}, decode(t, rec), body)
	}
}

func TestEsewaVerify_IdempotencyReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	var calls atomic.Int32
	svc := &stubService{confirm: func(_ context.Context, _ string, req paymentdomain.ConfirmationRequest) (*paymentdomain.Reconciliation, error) {
		calls.Add(1)
		assert.Equal(t, "1500", req.Amount)
		return &paymentdomain.Reconciliation{Outcome: paymentdomain.OutcomeSucceeded, Result: paymentdomain.ResultApplied, RawResponse: "Success"}, nil
	}}
	r := newTestEngine(svc, client)

	const body = `{"oid":"ORD-300","amt":"1500","refId":"REF-300"}`
	var bodies []string
	for i := 0; i < 2; i++ {
		req := esewaRequest(body)
		req.Header.Set(idempotencyHeader, "key-300")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		bodies = append(bodies, rec.Body.String())
		if i == 1 {
			assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
		}
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.JSONEq(t, bodies[0], bodies[1])
	assert.True(t, mr.Exists(idempotencyCacheKey("esewa", "key-300", []byte(body), esewaFingerprint)))
}

func TestEsewaVerify_IdempotencyKeyScopedToOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	var orders []string
	svc := &stubService{confirm: func(_ context.Context, _ string, req paymentdomain.ConfirmationRequest) (*paymentdomain.Reconciliation, error) {
		orders = append(orders, req.OrderID)
		return &paymentdomain.Reconciliation{OrderID: req.OrderID, Outcome: paymentdomain.OutcomeSucceeded, Result: paymentdomain.ResultApplied, RawResponse: "Success"}, nil
	}}
	r := newTestEngine(svc, client)

	for _, body := range []string{
		`{"oid":"ORD-400","amt":"1500","refId":"REF-400"}`,
		`{"oid":"ORD-401","amt":"1500","refId":"REF-400"}`,
		`{"oid":"ORD-401","amt":"1500","refId":"REF-401"}`,
	} {
		req := esewaRequest(body)
		req.Header.Set(idempotencyHeader, "key-400")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Idempotent-Replayed"), body)
	}
	assert.Equal(t, []string{"ORD-400", "ORD-401", "ORD-401"}, orders)
}

func TestEsewaFingerprint(t *testing.T) {
	a := idempotencyCacheKey("esewa", "k", []byte(`{"oid":"ORD-1","amt":"10","refId":"R-1"}`), esewaFingerprint)
	b := idempotencyCacheKey("esewa", "k", []byte(`{ "refId": " R-1 ", "oid": "ORD-1", "amt": 10 }`), esewaFingerprint)
	c := idempotencyCacheKey("esewa", "k", []byte(`{"oid":"ORD-2","amt":"10","refId":"R-1"}`), esewaFingerprint)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, idempotencyKeyPrefix+"esewa:k:"))
}

func TestEsewaVerify_UnreachableIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	var calls atomic.Int32
	svc := &stubService{confirm: func(context.Context, string, paymentdomain.ConfirmationRequest) (*paymentdomain.Reconciliation, error) {
		calls.Add(1)
		return nil, paymentdomain.ErrVerificationUnreachable
	}}
	r := newTestEngine(svc, client)

	for i := 0; i < 2; i++ {
		req := esewaRequest(`{"oid":"ORD-301","amt":"1","refId":"REF-301"}`)
		req.Header.Set(idempotencyHeader, "key-301")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestJSONString(t *testing.T) {
	var req esewaVerifyRequest
	require.NoError(t, json.Unmarshal([]byte(`{"amt":100.5}`), &req))
	assert.Equal(t, jsonString("100.5"), req.Amount)
	require.NoError(t, json.Unmarshal([]byte(`{"amt":"250"}`), &req))
	assert.Equal(t, jsonString("250"), req.Amount)
	assert.Error(t, json.Unmarshal([]byte(`{"amt":{}}`), &req))
}
