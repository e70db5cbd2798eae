package repository

import (
	"context"
	"strings"
	"sync"

	"github.com/smallbiznis/tsumshop/internal/clock"
	"github.com/smallbiznis/tsumshop/internal/order/domain"
)

// MemoryStore is a mutex-guarded Store for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	orders map[string]domain.Order
	events []domain.Event
	calls  int
}

func NewMemoryStore(clk clock.Clock, orders ...domain.Order) *MemoryStore {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	s := &MemoryStore{clock: clk, orders: map[string]domain.Order{}}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *MemoryStore) Put(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*domain.Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrInvalidOrderID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) UpdateIfCurrentStatus(ctx context.Context, id string, expected domain.PaymentStatus, update domain.Update) (domain.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", domain.ErrInvalidOrderID
	}
	if err := domain.ValidateUpdate(expected, update); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	o, ok := s.orders[id]
	if !ok {
		return domain.UpdateNotFound, nil
	}
	if o.PaymentStatus != expected {
		return domain.UpdateConflict, nil
	}

	o.PaymentStatus = update.PaymentStatus
	if update.Status != nil {
		o.Status = *update.Status
	}
	if provider := strings.TrimSpace(update.PaymentProvider); provider != "" {
		o.PaymentProvider = &provider
	}
	if reference := strings.TrimSpace(update.PaymentReference); reference != "" {
		o.PaymentReference = &reference
	}
	if update.PaidAt != nil {
		paidAt := update.PaidAt.UTC()
		o.PaidAt = &paidAt
	}
	o.UpdatedAt = s.clock.Now()
	s.orders[id] = o

	if update.Event != nil {
		s.events = append(s.events, *update.Event)
	}
	return domain.UpdateApplied, nil
}

// Events returns the events emitted by applied updates.
func (s *MemoryStore) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

// UpdateCalls counts conditional update attempts.
func (s *MemoryStore) UpdateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
