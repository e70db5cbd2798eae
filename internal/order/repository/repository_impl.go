package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/tsumshop/internal/clock"
	"github.com/smallbiznis/tsumshop/internal/events"
	"github.com/smallbiznis/tsumshop/internal/order/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Outbox *events.Outbox
	Clock  clock.Clock
}

type repo struct {
	db     *gorm.DB
	outbox *events.Outbox
	clock  clock.Clock
}

func Provide(p Params) domain.Store {
	return New(p.DB, p.Outbox, p.Clock)
}

func New(db *gorm.DB, outbox *events.Outbox, clk clock.Clock) domain.Store {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &repo{db: db, outbox: outbox, clock: clk}
}

func (r *repo) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrInvalidOrderID
	}

	var item domain.Order
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

// UpdateIfCurrentStatus applies update only while payment_status equals expected.
// The outbox event, if any, is written in the same transaction and only when a row changed.
func (r *repo) UpdateIfCurrentStatus(ctx context.Context, id string, expected domain.PaymentStatus, update domain.Update) (domain.UpdateResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", domain.ErrInvalidOrderID
	}
	if err := domain.ValidateUpdate(expected, update); err != nil {
		return "", err
	}

	result := domain.UpdateConflict
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Order{}).
			Where("id = ? AND payment_status = ?", id, expected).
			Updates(r.columns(update))
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&domain.Order{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				result = domain.UpdateNotFound
			}
			return nil
		}

		result = domain.UpdateApplied
		if update.Event == nil || r.outbox == nil {
			return nil
		}
		_, err := r.outbox.PublishTx(ctx, tx, events.Event{
			AggregateID: id,
			Type:        update.Event.Type,
			Payload:     update.Event.Payload,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (r *repo) columns(update domain.Update) map[string]any {
	cols := map[string]any{
		"payment_status": update.PaymentStatus,
		"updated_at":     r.clock.Now(),
	}
	if update.Status != nil {
		cols["status"] = *update.Status
	}
	if provider := strings.TrimSpace(update.PaymentProvider); provider != "" {
		cols["payment_provider"] = provider
	}
	if reference := strings.TrimSpace(update.PaymentReference); reference != "" {
		cols["payment_reference"] = reference
	}
	if update.PaidAt != nil {
		cols["paid_at"] = update.PaidAt.UTC()
	}
	return cols
}
