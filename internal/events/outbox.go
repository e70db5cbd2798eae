package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tsumshop/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOutboxUnavailable  = errors.New("outbox_unavailable")
	ErrMissingTransaction = errors.New("missing_transaction")
	ErrMissingEventType   = errors.New("missing_event_type")
	ErrMissingAggregateID = errors.New("missing_aggregate_id")
)

const maxLastErrorLen = 512

// Outbox stores order events in the order_events table.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) *Outbox {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Outbox{db: db, genID: genID, clock: clk}
}

// PublishTx stores an event using an existing transaction. It reports false
// when an event with the same dedupe key already exists.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) (bool, error) {
	if tx == nil {
		return false, ErrMissingTransaction
	}
	if o == nil || o.genID == nil {
		return false, ErrOutboxUnavailable
	}

	aggregateID := strings.TrimSpace(event.AggregateID)
	if aggregateID == "" {
		return false, ErrMissingAggregateID
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return false, ErrMissingEventType
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	dedupe := strings.TrimSpace(event.DedupeKey)
	if dedupe == "" {
		dedupe = DedupeKey(aggregateID, name)
	}

	now := o.clock.Now()
	record := Record{
		ID:          o.genID.Generate(),
		AggregateID: aggregateID,
		EventType:   name,
		Payload:     payload,
		DedupeKey:   dedupe,
		CreatedAt:   now,

		NextAttemptAt: now,
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FetchPending returns unpublished events that are due for delivery, earliest
// due first. Rows waiting out a retry delay or dead-lettered are skipped.
func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	if o == nil || o.db == nil {
		return nil, ErrOutboxUnavailable
	}
	if limit <= 0 {
		limit = 50
	}
	var records []Record
	err := o.db.WithContext(ctx).
		Where("published = ? AND dead_lettered_at IS NULL AND next_attempt_at <= ?", false, o.clock.Now()).
		Order("next_attempt_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (o *Outbox) MarkPublished(ctx context.Context, id snowflake.ID) error {
	if o == nil || o.db == nil {
		return ErrOutboxUnavailable
	}
	now := o.clock.Now()
	return o.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND published = ?", id, false).
		Updates(map[string]any{
			"published":    true,
			"published_at": now,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   nil,
		}).Error
}

// MarkFailed records a failed delivery and holds the row back for retryIn.
func (o *Outbox) MarkFailed(ctx context.Context, id snowflake.ID, cause error, retryIn time.Duration) error {
	if o == nil || o.db == nil {
		return ErrOutboxUnavailable
	}
	return o.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND published = ?", id, false).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      failureMessage(cause),
			"next_attempt_at": o.clock.Now().Add(retryIn),
		}).Error
}

// MarkDeadLettered records a final failed delivery. The row is kept for
// inspection but is never fetched again.
func (o *Outbox) MarkDeadLettered(ctx context.Context, id snowflake.ID, cause error) error {
	if o == nil || o.db == nil {
		return ErrOutboxUnavailable
	}
	return o.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND published = ?", id, false).
		Updates(map[string]any{
			"attempts":         gorm.Expr("attempts + 1"),
			"last_error":       failureMessage(cause),
			"dead_lettered_at": o.clock.Now(),
		}).Error
}

func failureMessage(cause error) string {
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return msg
}
