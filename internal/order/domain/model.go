package domain

import (
	"context"
	"errors"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further payment transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// Order is created by the checkout flow; this service only transitions its payment state.
type Order struct {
	ID               string        `json:"id" gorm:"primaryKey;type:text"`
	PaymentStatus    PaymentStatus `json:"payment_status" gorm:"type:text;not null;default:pending;index"`
	Status           Status        `json:"status" gorm:"type:text;not null;default:pending"`
	PaymentProvider  *string       `json:"payment_provider,omitempty" gorm:"type:text"`
	PaymentReference *string       `json:"payment_reference,omitempty" gorm:"type:text"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time     `json:"updated_at" gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

const (
	EventPaymentCompleted = "order.payment_completed"
	EventPaymentFailed    = "order.payment_failed"
)

// Event is a downstream notification written only when its update is applied.
type Event struct {
	Type    string
	Payload map[string]any
}

// Update is the set of fields written by a conditional update.
type Update struct {
	PaymentStatus    PaymentStatus
	Status           *Status
	PaymentProvider  string
	PaymentReference string
	PaidAt           *time.Time
	Event            *Event
}

type UpdateResult string

const (
	UpdateApplied  UpdateResult = "applied"
	UpdateNotFound UpdateResult = "not_found"
	UpdateConflict UpdateResult = "conflict"
)

// Store is the order persistence boundary. UpdateIfCurrentStatus is an atomic
// compare-and-set keyed by order id and the expected current payment status.
type Store interface {
	FindByID(ctx context.Context, id string) (*Order, error)
	UpdateIfCurrentStatus(ctx context.Context, id string, expected PaymentStatus, update Update) (UpdateResult, error)
}

var (
	ErrNotFound          = errors.New("order_not_found")
	ErrInvalidOrderID    = errors.New("invalid_order_id")
	ErrInvalidTransition = errors.New("invalid_payment_transition")
)

// ValidateUpdate rejects writes that do not move a pending payment to a terminal status.
func ValidateUpdate(expected PaymentStatus, update Update) error {
	if expected != PaymentStatusPending {
		return ErrInvalidTransition
	}
	if !update.PaymentStatus.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}
