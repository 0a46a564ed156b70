// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"time"

	"github.com/coachpo/ordersync/internal/domain/schema"
)

// Record is the durable row for a single order, keyed by OrderID.
type Record struct {
	OrderID            string             `json:"orderId"`
	Symbol             string             `json:"symbol"`
	Side               schema.TradeSide   `json:"side"`
	OrderType          schema.OrderType   `json:"orderType"`
	Quantity           string             `json:"quantity"`
	Price              *string            `json:"price,omitempty"`
	Status             schema.OrderStatus `json:"status"`
	FilledQuantity     string             `json:"filledQuantity"`
	LastUpdateSequence int64              `json:"lastUpdateSequence"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Query scopes order lookups. Zero values match everything.
type Query struct {
	Symbol   string               `json:"symbol,omitempty"`
	Statuses []schema.OrderStatus `json:"statuses,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
}

// Store defines the contract for order persistence operations.
type Store interface {
	// EnsureSchema creates the orders table when absent.
	EnsureSchema(ctx context.Context) error
	// Upsert inserts or replaces the row keyed by OrderID. Rows whose
	// LastUpdateSequence is not strictly newer than the stored one are ignored,
	// as are non-terminal rows arriving for a terminal order.
	Upsert(ctx context.Context, record Record) error
	// Get returns the stored row or an errs.CodeNotFound error.
	Get(ctx context.Context, orderID string) (Record, error)
	// List returns rows ordered by most recent update first.
	List(ctx context.Context, query Query) ([]Record, error)
}
