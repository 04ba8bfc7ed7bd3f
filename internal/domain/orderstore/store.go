// Package orderstore defines persistence contracts for per-user order logs.
package orderstore

import (
	"context"
	"fmt"
	"time"
)

// Status captures the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further automatic transition applies.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Transaction sides accepted by the brokerage.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order represents a placed order owned by exactly one user.
type Order struct {
	OrderID         string    `json:"order_id"`
	InstrumentID    string    `json:"instrument_id"`
	TradingSymbol   string    `json:"trading_symbol"`
	Exchange        string    `json:"exchange,omitempty"`
	Quantity        int       `json:"quantity"`
	Price           float64   `json:"price"`
	OrderType       string    `json:"order_type"`
	TransactionType string    `json:"transaction_type"`
	Product         string    `json:"product"`
	Validity        string    `json:"validity"`
	Tag             string    `json:"tag,omitempty"`
	Status          Status    `json:"status"`
	FilledQuantity  int       `json:"filled_quantity"`
	PendingQuantity int       `json:"pending_quantity"`
	AveragePrice    float64   `json:"average_price"`
	OwnerUserID     string    `json:"owner_user_id"`
	ParentOrderID   string    `json:"parent_order_id,omitempty"`
	UpstreamIDs     []string  `json:"upstream_ids"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o Order) Clone() Order {
	if o.UpstreamIDs != nil {
		ids := make([]string, len(o.UpstreamIDs))
		copy(ids, o.UpstreamIDs)
		o.UpstreamIDs = ids
	}
	return o
}

// CheckQuantities verifies the filled/pending split adds up to the ordered quantity.
func (o Order) CheckQuantities() error {
	if o.FilledQuantity < 0 || o.PendingQuantity < 0 {
		return fmt.Errorf("order %s: negative fill quantities", o.OrderID)
	}
	if o.FilledQuantity+o.PendingQuantity != o.Quantity {
		return fmt.Errorf("order %s: filled %d + pending %d != quantity %d",
			o.OrderID, o.FilledQuantity, o.PendingQuantity, o.Quantity)
	}
	return nil
}

// Mutation edits an order in place. Returning an error aborts the update and leaves the
// stored order untouched.
type Mutation func(*Order) error

// Store defines the contract for per-user order persistence.
//
// Implementations serialise writers per user id; readers may observe a slightly stale list.
type Store interface {
	// Append prepends the order to the owner's list.
	Append(ctx context.Context, userID string, order Order) error
	// List returns the owner's orders, most recent first.
	List(ctx context.Context, userID string) ([]Order, error)
	// FindAndUpdate applies mutation to a single order atomically with respect to that
	// user's other writers. Missing orders yield an errs.CodeNotFound envelope.
	FindAndUpdate(ctx context.Context, userID, orderID string, mutation Mutation) (Order, error)
	// Owners lists every user id that has at least one order.
	Owners(ctx context.Context) ([]string, error)
}
