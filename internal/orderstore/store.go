// Package orderstore persists orders placed during a voice session.
//
// Two implementations are provided: [MemStore] for development and tests, and
// [PostgresStore] backed by PostgreSQL via pgx.
package orderstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LineItem is one product of an order.
type LineItem struct {
	Quantity            float64 `json:"quantity"`
	Value               float64 `json:"value"`
	Description         string  `json:"description,omitempty"`
	SpecialInstructions string  `json:"special_instructions,omitempty"`
}

// Order is a finalised order.
type Order struct {
	// ID is a UUID assigned by [NewOrder].
	ID string

	// SessionID identifies the voice session the order was placed in.
	SessionID string

	// CallID is the function call identifier of the place_order request.
	CallID string

	// Items are the ordered products.
	Items []LineItem

	// Total is the order total exactly as reported back to the model.
	Total string

	// CreatedAt is set by the store on insert.
	CreatedAt time.Time
}

// NewOrder returns an order with a fresh ID.
func NewOrder(sessionID, callID string, items []LineItem, total string) *Order {
	return &Order{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CallID:    callID,
		Items:     items,
		Total:     total,
	}
}

// Validate checks that the order can be stored.
func (o *Order) Validate() error {
	var errs []error
	if o.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	} else if _, err := uuid.Parse(o.ID); err != nil {
		errs = append(errs, fmt.Errorf("id %q is not a uuid", o.ID))
	}
	if o.Total == "" {
		errs = append(errs, errors.New("total must not be empty"))
	}
	for i, it := range o.Items {
		if it.Quantity < 0 {
			errs = append(errs, fmt.Errorf("items[%d]: quantity must not be negative", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("orderstore: invalid order: %w", err)
	}
	return nil
}

// Store persists orders. Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts o and sets o.CreatedAt. Returns an error if an order
	// with the same ID already exists.
	Create(ctx context.Context, o *Order) error

	// Get returns the order with the given ID, or (nil, nil) if not found.
	Get(ctx context.Context, id string) (*Order, error)

	// List returns up to limit orders, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Order, error)
}
