// Package schema defines the canonical order and stream types shared across the engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/errs"
)

// Category is the Bybit product category. Only spot is traded.
const Category = "spot"

// TradeSide enumerates order directions.
type TradeSide string

const (
	// TradeSideBuy marks a buy order.
	TradeSideBuy TradeSide = "Buy"
	// TradeSideSell marks a sell order.
	TradeSideSell TradeSide = "Sell"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	// OrderTypeLimit is a limit order.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeMarket is a market order.
	OrderTypeMarket OrderType = "Market"
)

// OrderStatus mirrors the exchange lifecycle status string.
type OrderStatus string

const (
	OrderStatusNew                     OrderStatus = "New"
	OrderStatusPartiallyFilled         OrderStatus = "PartiallyFilled"
	OrderStatusUntriggered             OrderStatus = "Untriggered"
	OrderStatusTriggered               OrderStatus = "Triggered"
	OrderStatusFilled                  OrderStatus = "Filled"
	OrderStatusCancelled               OrderStatus = "Cancelled"
	OrderStatusPartiallyFilledCanceled OrderStatus = "PartiallyFilledCanceled"
	OrderStatusRejected                OrderStatus = "Rejected"
	OrderStatusDeactivated             OrderStatus = "Deactivated"
)

// IsTerminal reports whether no further lifecycle transitions are expected.
func (s OrderStatus) IsTerminal() bool {
	for _, terminal := range TerminalStatuses() {
		if s == terminal {
			return true
		}
	}
	return false
}

// TerminalStatuses lists statuses after which no transition to a live status is accepted.
func TerminalStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusPartiallyFilledCanceled,
		OrderStatusRejected, OrderStatusDeactivated}
}

// IsActive reports whether the order may still trade.
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// ActiveStatuses lists statuses considered open on the book.
func ActiveStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled}
}

// OrderRequest represents a spot order submission.
type OrderRequest struct {
	Symbol      string    `json:"symbol"`
	Side        TradeSide `json:"side"`
	OrderType   OrderType `json:"orderType"`
	Quantity    string    `json:"qty"`
	Price       *string   `json:"price,omitempty"`
	OrderLinkID string    `json:"orderLinkId,omitempty"`
}

// Validate checks the request shape before it reaches the exchange.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return invalid("symbol required")
	}
	if r.Side != TradeSideBuy && r.Side != TradeSideSell {
		return invalid("side must be Buy or Sell")
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(r.Quantity))
	if err != nil || !qty.IsPositive() {
		return invalid("quantity must be a positive decimal")
	}
	switch r.OrderType {
	case OrderTypeLimit:
		if r.Price == nil {
			return invalid("limit orders require a price")
		}
		price, err := decimal.NewFromString(strings.TrimSpace(*r.Price))
		if err != nil || !price.IsPositive() {
			return invalid("price must be a positive decimal")
		}
	case OrderTypeMarket:
	default:
		return invalid("order type must be Limit or Market")
	}
	return nil
}

func invalid(msg string) error {
	return errs.New("order-request", errs.CodeInvalid, errs.WithMessage(msg))
}

// PlacedOrder is the exchange acknowledgement of a placement.
type PlacedOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// OrderUpdate is a single exchange-reported order state, pushed or polled.
type OrderUpdate struct {
	OrderID        string      `json:"orderId"`
	OrderLinkID    string      `json:"orderLinkId,omitempty"`
	Symbol         string      `json:"symbol"`
	Side           TradeSide   `json:"side"`
	OrderType      OrderType   `json:"orderType"`
	Quantity       string      `json:"qty"`
	Price          *string     `json:"price,omitempty"`
	Status         OrderStatus `json:"orderStatus"`
	FilledQuantity string      `json:"cumExecQty"`
	Sequence       int64       `json:"sequence"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}
