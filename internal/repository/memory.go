package repository

import (
	"context"
	"sync"

	"order-tracking/internal/domain"
)

// Memory is an Orders implementation for single-process runs and tests.
type Memory struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func NewMemory() *Memory { return &Memory{orders: make(map[string]domain.Order)} }

func (m *Memory) Create(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrExists
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	return clone(o), nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	next, err := fn(clone(o))
	if err != nil {
		return domain.Order{}, err
	}
	m.orders[id] = clone(next)
	return next, nil
}

func clone(o domain.Order) domain.Order {
	o.StatusHistory = append([]domain.StatusChange(nil), o.StatusHistory...)
	return o
}
