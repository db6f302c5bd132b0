package orderstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore keeps orders in memory. Orders are lost on exit.
type MemStore struct {
	mu     sync.RWMutex
	orders []Order
	byID   map[string]int

	now func() time.Time
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int), now: time.Now}
}

// Create implements [Store].
func (s *MemStore) Create(_ context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[o.ID]; ok {
		return fmt.Errorf("orderstore: order with id %q already exists", o.ID)
	}
	o.CreatedAt = s.now()
	cp := *o
	cp.Items = slices.Clone(o.Items)
	s.byID[o.ID] = len(s.orders)
	s.orders = append(s.orders, cp)
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := s.orders[i]
	cp.Items = slices.Clone(cp.Items)
	return &cp, nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, limit int) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.orders)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Order, 0, n)
	for i := len(s.orders) - 1; i >= 0 && len(out) < n; i-- {
		cp := s.orders[i]
		cp.Items = slices.Clone(cp.Items)
		out = append(out, cp)
	}
	return out, nil
}
