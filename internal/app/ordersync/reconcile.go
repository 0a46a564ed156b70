// Package ordersync reconciles exchange-reported order state into the durable store.
package ordersync

import (
	"strings"
	"time"

	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

// Decision is the outcome of comparing an update with the stored record.
type Decision int

const (
	// DecisionInsert creates a record that did not exist.
	DecisionInsert Decision = iota
	// DecisionApply replaces the record with newer state.
	DecisionApply
	// DecisionStale discards an update whose sequence is not newer.
	DecisionStale
	// DecisionTerminalConflict discards a non-terminal update for a terminal order.
	DecisionTerminalConflict
	// DecisionDeferred leaves the update unapplied because the stored record could not be read.
	DecisionDeferred
)

func (d Decision) String() string {
	switch d {
	case DecisionInsert:
		return "insert"
	case DecisionApply:
		return "apply"
	case DecisionStale:
		return "stale"
	case DecisionTerminalConflict:
		return "terminal_conflict"
	case DecisionDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Accepted reports whether the update changes state.
func (d Decision) Accepted() bool { return d == DecisionInsert || d == DecisionApply }

// Reconcile decides what to do with update given the current record, which is nil when absent.
func Reconcile(current *orderstore.Record, update schema.OrderUpdate) Decision {
	if current == nil {
		return DecisionInsert
	}
	if update.Sequence <= current.LastUpdateSequence {
		return DecisionStale
	}
	if current.Status.IsTerminal() && !update.Status.IsTerminal() {
		return DecisionTerminalConflict
	}
	return DecisionApply
}

// merge folds update into current. Descriptive fields the update leaves blank keep their stored value.
func merge(current *orderstore.Record, update schema.OrderUpdate, now time.Time) orderstore.Record {
	var out orderstore.Record
	if current != nil {
		out = *current
	} else {
		out.CreatedAt = now
	}
	out.OrderID = update.OrderID
	if v := strings.TrimSpace(update.Symbol); v != "" {
		out.Symbol = v
	}
	if update.Side != "" {
		out.Side = update.Side
	}
	if update.OrderType != "" {
		out.OrderType = update.OrderType
	}
	if v := strings.TrimSpace(update.Quantity); v != "" {
		out.Quantity = v
	}
	if update.Price != nil {
		price := *update.Price
		out.Price = &price
	}
	out.Status = update.Status
	out.FilledQuantity = update.FilledQuantity
	if out.FilledQuantity == "" {
		out.FilledQuantity = "0"
	}
	out.LastUpdateSequence = update.Sequence
	out.UpdatedAt = now
	if !update.UpdatedAt.IsZero() {
		out.UpdatedAt = update.UpdatedAt
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = out.UpdatedAt
	}
	return out
}

// provisional builds the placement-time record.
func provisional(orderID string, req schema.OrderRequest, now time.Time) orderstore.Record {
	record := orderstore.Record{
		OrderID:            orderID,
		Symbol:             strings.TrimSpace(req.Symbol),
		Side:               req.Side,
		OrderType:          req.OrderType,
		Quantity:           strings.TrimSpace(req.Quantity),
		Status:             schema.OrderStatusNew,
		FilledQuantity:     "0",
		LastUpdateSequence: 0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.Price != nil {
		price := strings.TrimSpace(*req.Price)
		record.Price = &price
	}
	return record
}
