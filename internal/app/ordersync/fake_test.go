package ordersync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
	"github.com/coachpo/ordersync/internal/infra/adapters/bybit"
	"github.com/coachpo/ordersync/internal/infra/persistence/memory"
)

type fakeTrade struct {
	mu        sync.Mutex
	placeErr  error
	orderID   string
	onPlace   func()
	cancelled []string
	snapshot  schema.OrderUpdate
	open      []schema.OrderUpdate
}

func (f *fakeTrade) PlaceOrder(_ context.Context, _ schema.OrderRequest) (schema.PlacedOrder, error) {
	if f.placeErr != nil {
		return schema.PlacedOrder{}, f.placeErr
	}
	if f.onPlace != nil {
		f.onPlace()
	}
	return schema.PlacedOrder{OrderID: f.orderID, OrderLinkID: "link"}, nil
}

func (f *fakeTrade) CancelOrder(_ context.Context, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeTrade) GetOrder(context.Context, string, string) (schema.OrderUpdate, error) {
	return f.snapshot, nil
}

func (f *fakeTrade) OpenOrders(context.Context, string) ([]schema.OrderUpdate, error) {
	return f.open, nil
}

// flakyStore wraps the memory store with injectable failures.
type flakyStore struct {
	*memory.OrderStore
	mu        sync.Mutex
	upsertErr error
	failures  int // remaining failing upserts; negative fails forever
	listErr   error
	upserts   int

	getErr      error
	getFailures int // remaining failing reads; negative fails forever
	gets        int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{OrderStore: memory.NewOrderStore()}
}

func (s *flakyStore) Upsert(ctx context.Context, record orderstore.Record) error {
	s.mu.Lock()
	s.upserts++
	if s.upsertErr != nil && s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		err := s.upsertErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.OrderStore.Upsert(ctx, record)
}

func (s *flakyStore) Get(ctx context.Context, orderID string) (orderstore.Record, error) {
	s.mu.Lock()
	s.gets++
	if s.getErr != nil && s.getFailures != 0 {
		if s.getFailures > 0 {
			s.getFailures--
		}
		err := s.getErr
		s.mu.Unlock()
		return orderstore.Record{}, err
	}
	s.mu.Unlock()
	return s.OrderStore.Get(ctx, orderID)
}

func (s *flakyStore) failReads(err error, n int) {
	s.mu.Lock()
	s.getErr, s.getFailures = err, n
	s.mu.Unlock()
}

func (s *flakyStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *flakyStore) List(ctx context.Context, query orderstore.Query) ([]orderstore.Record, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.OrderStore.List(ctx, query)
}

func (s *flakyStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorSink) record(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *errorSink) all() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func newSynchronizer(t *testing.T, trade TradeClient, store orderstore.Store, sink *errorSink) *Synchronizer {
	t.Helper()
	opts := Options{
		Trade:  trade,
		Store:  store,
		Decode: bybit.DecodeOrderUpdates,
		Retry:  RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
	if sink != nil {
		opts.OnError = sink.record
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func update(orderID string, status schema.OrderStatus, filled string, seq int64) schema.OrderUpdate {
	return schema.OrderUpdate{
		OrderID:        orderID,
		Symbol:         "BTCUSDT",
		Side:           schema.TradeSideBuy,
		OrderType:      schema.OrderTypeLimit,
		Quantity:       "1",
		Status:         status,
		FilledQuantity: filled,
		Sequence:       seq,
		UpdatedAt:      time.UnixMilli(1_700_000_000_000 + seq).UTC(),
	}
}

func storageErr() error {
	return errs.New("test-store", errs.CodeStorage, errs.WithMessage("connection reset"))
}
