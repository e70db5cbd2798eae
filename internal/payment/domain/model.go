package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	ProviderStripe = "stripe"
	ProviderEsewa  = "esewa"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeInvalid   Outcome = "invalid"
)

// VerificationResult is a provider notification normalized by a verifier.
type VerificationResult struct {
	Outcome           Outcome
	Provider          string
	OrderID           string
	ProviderEventID   string
	EventType         string
	ProviderPaymentID string
	Amount            string
	Currency          string
	OccurredAt        time.Time
	RawPayload        []byte
	// RawResponse is the provider's confirmation body, returned to the caller verbatim.
	RawResponse string
}

// ConfirmationRequest carries the fields a confirmation-call provider verifies.
type ConfirmationRequest struct {
	OrderID     string
	Amount      string
	ReferenceID string
}

type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultNotFound  Result = "not_found"
	ResultIgnored   Result = "ignored"
)

// Reconciliation reports what a notification did to its order.
type Reconciliation struct {
	Provider        string
	Outcome         Outcome
	Result          Result
	OrderID         string
	ProviderEventID string
	EventType       string
	RawResponse     string
}

// Err maps benign results to their sentinel so callers can log them; it is nil when applied.
func (r *Reconciliation) Err() error {
	if r == nil {
		return nil
	}
	switch r.Result {
	case ResultNotFound:
		return ErrOrderNotFound
	case ResultDuplicate:
		return ErrStorageConflict
	case ResultIgnored:
		return ErrEventIgnored
	default:
		return nil
	}
}

// EventRecord is the operator journal of verified notifications.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	OrderID         string         `json:"order_id" gorm:"type:varchar(255);not null;index"`
	Outcome         Outcome        `json:"outcome" gorm:"type:text;not null"`
	Result          Result         `json:"result" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
}

func (EventRecord) TableName() string { return "payment_events" }

var (
	ErrInvalidProvider         = errors.New("invalid_provider")
	ErrProviderNotFound        = errors.New("provider_not_found")
	ErrUnsupportedVariant      = errors.New("unsupported_verification_variant")
	ErrInvalidConfig           = errors.New("invalid_config")
	ErrInvalidSignature        = errors.New("invalid_signature")
	ErrInvalidNotification     = errors.New("invalid_notification")
	ErrVerificationUnreachable = errors.New("verification_unreachable")
	ErrOrderNotFound           = errors.New("order_not_found")
	ErrStorageConflict         = errors.New("storage_conflict")
	ErrEventIgnored            = errors.New("event_ignored")
)
