package domain

import (
	"context"
	"net/http"

	"gorm.io/gorm"
)

// Service is the only component allowed to change an order's payment state.
type Service interface {
	HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*Reconciliation, error)
	ConfirmPayment(ctx context.Context, provider string, req ConfirmationRequest) (*Reconciliation, error)
}

// Repository journals verified notifications. InsertEvent reports false when
// the (provider, provider_event_id) pair was already recorded.
type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
}
