// Package memory provides a process-local order store for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

const defaultLimit = 100

// OrderStore keeps order records in a map guarded by a mutex.
type OrderStore struct {
	mu      sync.RWMutex
	records map[string]orderstore.Record
}

var _ orderstore.Store = (*OrderStore)(nil)

// NewOrderStore returns an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{records: make(map[string]orderstore.Record)}
}

// EnsureSchema is a no-op.
func (s *OrderStore) EnsureSchema(context.Context) error { return nil }

// Upsert stores the record when its sequence is strictly newer than the stored
// one. A terminal record is never replaced by a non-terminal one.
func (s *OrderStore) Upsert(ctx context.Context, record orderstore.Record) error {
	if err := ctx.Err(); err != nil {
		return errs.New("memory-store", errs.CodeStorage, errs.WithCause(err))
	}
	orderID := strings.TrimSpace(record.OrderID)
	if orderID == "" {
		return errs.New("memory-store", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	record.OrderID = orderID
	now := time.Now().UTC()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[orderID]
	if ok {
		if existing.LastUpdateSequence >= record.LastUpdateSequence {
			return nil
		}
		if existing.Status.IsTerminal() && !record.Status.IsTerminal() {
			return nil
		}
		record = mergeDescriptive(existing, record)
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	s.records[orderID] = cloneRecord(record)
	return nil
}

// Get returns a copy of the stored record.
func (s *OrderStore) Get(_ context.Context, orderID string) (orderstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[strings.TrimSpace(orderID)]
	if !ok {
		return orderstore.Record{}, errs.New("memory-store", errs.CodeNotFound, errs.WithOrderID(orderID))
	}
	return cloneRecord(record), nil
}

// List filters records, most recently updated first.
func (s *OrderStore) List(_ context.Context, query orderstore.Query) ([]orderstore.Record, error) {
	statuses := make(map[schema.OrderStatus]struct{}, len(query.Statuses))
	for _, status := range query.Statuses {
		statuses[status] = struct{}{}
	}
	symbol := strings.TrimSpace(query.Symbol)

	s.mu.RLock()
	out := make([]orderstore.Record, 0, len(s.records))
	for _, record := range s.records {
		if symbol != "" && record.Symbol != symbol {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[record.Status]; !ok {
				continue
			}
		}
		out = append(out, cloneRecord(record))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many orders are stored.
func (s *OrderStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func mergeDescriptive(existing, incoming orderstore.Record) orderstore.Record {
	if incoming.Symbol == "" {
		incoming.Symbol = existing.Symbol
	}
	if incoming.Side == "" {
		incoming.Side = existing.Side
	}
	if incoming.OrderType == "" {
		incoming.OrderType = existing.OrderType
	}
	if incoming.Price == nil {
		incoming.Price = existing.Price
	}
	incoming.CreatedAt = existing.CreatedAt
	return incoming
}

func cloneRecord(record orderstore.Record) orderstore.Record {
	if record.Price != nil {
		price := *record.Price
		record.Price = &price
	}
	return record
}
