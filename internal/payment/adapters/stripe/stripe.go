package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tsumshop/internal/clock"
	"github.com/smallbiznis/tsumshop/internal/config"
	paymentdomain "github.com/smallbiznis/tsumshop/internal/payment/domain"
)

const SignatureHeader = "Stripe-Signature"

type Factory struct {
	settings *config.ProviderSettingsHolder
	clock    clock.Clock
}

func NewFactory(settings *config.ProviderSettingsHolder, clk clock.Clock) *Factory {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Factory{settings: settings, clock: clk}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderStripe
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Verifier, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	tolerance := config.DefaultStripeTolerance
	if f.settings != nil {
		tolerance = f.settings.Get().Stripe.Tolerance
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
		clock:         f.clock,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	clock         clock.Clock
}

func (a *Adapter) Provider() string {
	return paymentdomain.ProviderStripe
}

// Verify checks the signature over the raw payload and decodes the event.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.VerificationResult, error) {
	if err := a.verifySignature(payload, headers); err != nil {
		return nil, err
	}
	return a.parse(payload)
}

func (a *Adapter) verifySignature(payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, ok := parseStripeSignature(sigHeader)
	if !ok {
		return paymentdomain.ErrInvalidSignature
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	expected := ComputeSignature(a.webhookSecret, timestamp, payload)
	matched := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return paymentdomain.ErrInvalidSignature
	}

	// Only old timestamps are rejected; a sender clock running ahead is accepted.
	if a.tolerance > 0 {
		if a.clock.Now().Sub(time.Unix(signedAt, 0)) > a.tolerance {
			return paymentdomain.ErrInvalidSignature
		}
	}
	return nil
}

// ComputeSignature returns hex(HMAC-SHA256(secret, "<timestamp>.<payload>")).
func ComputeSignature(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeCheckoutSession struct {
	ID                string          `json:"id"`
	PaymentStatus     string          `json:"payment_status"`
	PaymentIntent     json.RawMessage `json:"payment_intent"`
	AmountTotal       int64           `json:"amount_total"`
	Currency          string          `json:"currency"`
	Created           int64           `json:"created"`
	ClientReferenceID string          `json:"client_reference_id"`
	Metadata          map[string]any  `json:"metadata"`
}

func (a *Adapter) parse(payload []byte) (*paymentdomain.VerificationResult, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidNotification
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidNotification
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, paymentdomain.OutcomeSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, payload, paymentdomain.OutcomeFailed)
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, outcome paymentdomain.Outcome) (*paymentdomain.VerificationResult, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidNotification
	}

	orderID := readMetadataValue(intent.Metadata, "order_id")
	if orderID == "" {
		return nil, paymentdomain.ErrInvalidNotification
	}

	amount := intent.AmountReceived
	if amount <= 0 || outcome == paymentdomain.OutcomeFailed {
		amount = intent.Amount
	}

	return &paymentdomain.VerificationResult{
		Outcome:           outcome,
		Provider:          paymentdomain.ProviderStripe,
		OrderID:           orderID,
		ProviderEventID:   event.ID,
		EventType:         event.Type,
		ProviderPaymentID: intent.ID,
		Amount:            strconv.FormatInt(amount, 10),
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:        timestamp(intent.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*paymentdomain.VerificationResult, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidNotification
	}
	// Delayed payment methods complete the session before the money moves.
	if !strings.EqualFold(strings.TrimSpace(session.PaymentStatus), "paid") {
		return nil, paymentdomain.ErrEventIgnored
	}

	orderID := readMetadataValue(session.Metadata, "order_id")
	if orderID == "" {
		orderID = strings.TrimSpace(session.ClientReferenceID)
	}
	if orderID == "" {
		return nil, paymentdomain.ErrInvalidNotification
	}

	paymentID := paymentIntentID(session.PaymentIntent)
	if paymentID == "" {
		paymentID = session.ID
	}

	return &paymentdomain.VerificationResult{
		Outcome:           paymentdomain.OutcomeSucceeded,
		Provider:          paymentdomain.ProviderStripe,
		OrderID:           orderID,
		ProviderEventID:   event.ID,
		EventType:         event.Type,
		ProviderPaymentID: paymentID,
		Amount:            strconv.FormatInt(session.AmountTotal, 10),
		Currency:          strings.ToUpper(strings.TrimSpace(session.Currency)),
		OccurredAt:        timestamp(session.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

// paymentIntentID accepts both the id string and an expanded object.
func paymentIntentID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &expanded); err == nil {
		return strings.TrimSpace(expanded.ID)
	}
	return ""
}

func parseStripeSignature(header string) (string, []string, bool) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		value := strings.TrimSpace(keyValue[1])
		switch strings.TrimSpace(keyValue[0]) {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, false
	}
	return timestamp, signatures, true
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}
