package esewa

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/tsumshop/internal/clock"
	"github.com/smallbiznis/tsumshop/internal/config"
	paymentdomain "github.com/smallbiznis/tsumshop/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, verifyURL string, timeout time.Duration) *Adapter {
	t.Helper()
	settings := config.DefaultProviderSettings()
	settings.Esewa.VerifyURL = verifyURL
	settings.Esewa.Timeout = timeout
	factory := NewFactory(
		config.NewStaticProviderSettingsHolder(settings),
		nil,
		clock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)),
	)
	adapter, err := factory.NewAdapter(paymentdomain.AdapterConfig{
		Provider: paymentdomain.ProviderEsewa,
		Config:   map[string]any{"merchant_code": "EPAYTEST"},
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func TestConfirm_SuccessMarker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "1500", r.PostForm.Get("amt"))
		assert.Equal(t, "REF-200", r.PostForm.Get("rid"))
		assert.Equal(t, "ORD-200", r.PostForm.Get("pid"))
		assert.Equal(t, "EPAYTEST", r.PostForm.Get("scd"))
		_, _ = w.Write([]byte("<response_code>Success</response_code>"))
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, time.Second)
	res, err := adapter.Confirm(context.Background(), paymentdomain.ConfirmationRequest{
		OrderID: "ORD-200", Amount: "1500", ReferenceID: "REF-200",
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "ORD-200", res.OrderID)
	assert.Equal(t, "REF-200", res.ProviderEventID)
	assert.Equal(t, "<response_code>Success</response_code>", res.RawResponse)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConfirm_NoMarkerIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<response_code>failure</response_code>"))
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, time.Second)
	res, err := adapter.Confirm(context.Background(), paymentdomain.ConfirmationRequest{
		OrderID: "ORD-201", Amount: "10", ReferenceID: "REF-201",
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeFailed, res.Outcome)
}

func TestConfirm_TimeoutIsUnreachableWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	adapter := newTestAdapter(t, srv.URL, 50*time.Millisecond)
	res, err := adapter.Confirm(context.Background(), paymentdomain.ConfirmationRequest{
		OrderID: "ORD-202", Amount: "10", ReferenceID: "REF-202",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, paymentdomain.ErrVerificationUnreachable))
	require.NotNil(t, res)
	assert.Equal(t, paymentdomain.OutcomeInvalid, res.Outcome)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConfirm_CancelledRequestContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Success"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := newTestAdapter(t, srv.URL, time.Second)
	res, err := adapter.Confirm(ctx, paymentdomain.ConfirmationRequest{
		OrderID: "ORD-203", Amount: "10", ReferenceID: "REF-203",
	})
	assert.True(t, errors.Is(err, paymentdomain.ErrVerificationUnreachable))
	assert.Equal(t, paymentdomain.OutcomeInvalid, res.Outcome)
}

func TestConfirm_Non2xxIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Success"))
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, time.Second)
	res, err := adapter.Confirm(context.Background(), paymentdomain.ConfirmationRequest{
		OrderID: "ORD-204", Amount: "10", ReferenceID: "REF-204",
	})
	assert.True(t, errors.Is(err, paymentdomain.ErrVerificationUnreachable))
	assert.Equal(t, paymentdomain.OutcomeInvalid, res.Outcome)
}

func TestConfirm_RejectsIncompleteRequest(t *testing.T) {
	adapter := newTestAdapter(t, "http://127.0.0.1:1", time.Second)
	for _, req := range []paymentdomain.ConfirmationRequest{
		{Amount: "10", ReferenceID: "R"},
		{OrderID: "O", ReferenceID: "R"},
		{OrderID: "O", Amount: "10"},
	} {
		_, err := adapter.Confirm(context.Background(), req)
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidNotification)
	}
}

func TestFactoryRequiresMerchantCode(t *testing.T) {
	factory := NewFactory(nil, nil, nil)
	_, err := factory.NewAdapter(paymentdomain.AdapterConfig{Provider: paymentdomain.ProviderEsewa})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestMarkerMatcher(t *testing.T) {
	assert.True(t, MarkerMatcher{Marker: "Success"}.Match("<response_code>Success</response_code>"))
	assert.False(t, MarkerMatcher{Marker: "Success"}.Match("failure"))
	assert.False(t, MarkerMatcher{Marker: " "}.Match("anything"))
}
