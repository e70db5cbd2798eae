package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event describes an order event to store in the outbox.
type Event struct {
	AggregateID string
	Type        string
	Payload     map[string]any
	DedupeKey   string
}

// Record is a stored outbox row.
type Record struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	AggregateID string            `json:"aggregate_id" gorm:"type:text;not null;index"`
	EventType   string            `json:"event_type" gorm:"type:text;not null"`
	Payload     datatypes.JSONMap `json:"payload" gorm:"not null"`
	DedupeKey   string            `json:"dedupe_key" gorm:"type:varchar(255);not null;uniqueIndex:ux_order_events_dedupe"`
	Published   bool              `json:"published" gorm:"not null;default:false;index"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Attempts    int               `json:"attempts" gorm:"not null;default:0"`
	LastError   *string           `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null"`

	// NextAttemptAt holds a failed row back until its retry is due.
	NextAttemptAt  time.Time  `json:"next_attempt_at" gorm:"not null;index"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
}

func (Record) TableName() string { return "order_events" }

// DedupeKey returns the default dedupe key: one event of a type per aggregate.
func DedupeKey(aggregateID, eventType string) string {
	return aggregateID + ":" + eventType
}
