package esewa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/tsumshop/internal/clock"
	"github.com/smallbiznis/tsumshop/internal/config"
	paymentdomain "github.com/smallbiznis/tsumshop/internal/payment/domain"
)

// maxResponseBytes caps how much of the provider body is read and echoed back.
const maxResponseBytes = 64 << 10

// Factory creates eSewa adapters bound to the current provider settings.
type Factory struct {
	settings *config.ProviderSettingsHolder
	client   *http.Client
	clock    clock.Clock
}

func NewFactory(settings *config.ProviderSettingsHolder, client *http.Client, clk clock.Clock) *Factory {
	if client == nil {
		client = &http.Client{}
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Factory{settings: settings, client: client, clock: clk}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderEsewa
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Verifier, error) {
	merchantCode, ok := readString(cfg.Config, "merchant_code")
	if !ok || strings.TrimSpace(merchantCode) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	settings := config.DefaultProviderSettings().Esewa
	if f.settings != nil {
		settings = f.settings.Get().Esewa
	}
	if strings.TrimSpace(settings.VerifyURL) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	return &Adapter{
		merchantCode: strings.TrimSpace(merchantCode),
		verifyURL:    settings.VerifyURL,
		timeout:      settings.Timeout,
		matcher:      MarkerMatcher{Marker: settings.SuccessMarker},
		client:       f.client,
		clock:        f.clock,
	}, nil
}

// Adapter confirms legacy ePay transactions with a server-to-server call.
type Adapter struct {
	merchantCode string
	verifyURL    string
	timeout      time.Duration
	matcher      Matcher
	client       *http.Client
	clock        clock.Clock
}

func (a *Adapter) Provider() string {
	return paymentdomain.ProviderEsewa
}

// Confirm issues exactly one verification request. It never retries; an
// unreachable provider is reported as OutcomeInvalid with ErrVerificationUnreachable.
func (a *Adapter) Confirm(ctx context.Context, req paymentdomain.ConfirmationRequest) (*paymentdomain.VerificationResult, error) {
	orderID := strings.TrimSpace(req.OrderID)
	amount := strings.TrimSpace(req.Amount)
	referenceID := strings.TrimSpace(req.ReferenceID)
	if orderID == "" || amount == "" || referenceID == "" {
		return nil, paymentdomain.ErrInvalidNotification
	}

	result := &paymentdomain.VerificationResult{
		Outcome:           paymentdomain.OutcomeInvalid,
		Provider:          paymentdomain.ProviderEsewa,
		OrderID:           orderID,
		ProviderEventID:   referenceID,
		EventType:         "transrec",
		ProviderPaymentID: referenceID,
		Amount:            amount,
		Currency:          "NPR",
		OccurredAt:        a.clock.Now(),
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("amt", amount)
	form.Set("rid", referenceID)
	form.Set("pid", orderID)
	form.Set("scd", a.merchantCode)
	encoded := form.Encode()
	result.RawPayload = []byte(encoded)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.verifyURL, strings.NewReader(encoded))
	if err != nil {
		return result, fmt.Errorf("%w: %v", paymentdomain.ErrVerificationUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return result, fmt.Errorf("%w: %v", paymentdomain.ErrVerificationUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return result, fmt.Errorf("%w: %v", paymentdomain.ErrVerificationUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("%w: status %d", paymentdomain.ErrVerificationUnreachable, resp.StatusCode)
	}

	result.RawResponse = string(body)
	if a.matcher.Match(result.RawResponse) {
		result.Outcome = paymentdomain.OutcomeSucceeded
	} else {
		result.Outcome = paymentdomain.OutcomeFailed
	}
	return result, nil
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}
