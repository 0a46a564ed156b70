package ordersync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

func TestReconcileDecisions(t *testing.T) {
	stored := func(status schema.OrderStatus, seq int64) *orderstore.Record {
		return &orderstore.Record{OrderID: "A", Status: status, LastUpdateSequence: seq}
	}
	cases := []struct {
		name    string
		current *orderstore.Record
		update  schema.OrderUpdate
		want    Decision
	}{
		{"absent", nil, update("A", schema.OrderStatusNew, "0", 1), DecisionInsert},
		{"newer", stored(schema.OrderStatusNew, 1), update("A", schema.OrderStatusPartiallyFilled, "0.1", 2), DecisionApply},
		{"duplicate", stored(schema.OrderStatusNew, 2), update("A", schema.OrderStatusPartiallyFilled, "0.1", 2), DecisionStale},
		{"older", stored(schema.OrderStatusNew, 3), update("A", schema.OrderStatusPartiallyFilled, "0.1", 2), DecisionStale},
		{"provisional", stored(schema.OrderStatusNew, 0), update("A", schema.OrderStatusNew, "0", 1), DecisionApply},
		{"late partial after fill", stored(schema.OrderStatusFilled, 3), update("A", schema.OrderStatusPartiallyFilled, "0.5", 4), DecisionTerminalConflict},
		{"terminal to terminal", stored(schema.OrderStatusFilled, 3), update("A", schema.OrderStatusCancelled, "1", 4), DecisionApply},
		{"stale terminal", stored(schema.OrderStatusFilled, 3), update("A", schema.OrderStatusFilled, "1", 3), DecisionStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Reconcile(tc.current, tc.update))
		})
	}
}

func TestMergeKeepsDescriptiveFields(t *testing.T) {
	price := "100"
	created := time.Unix(10, 0).UTC()
	current := &orderstore.Record{
		OrderID: "A", Symbol: "BTCUSDT", Side: schema.TradeSideSell, OrderType: schema.OrderTypeLimit,
		Quantity: "2", Price: &price, Status: schema.OrderStatusNew, FilledQuantity: "0", CreatedAt: created,
	}
	now := time.Unix(20, 0).UTC()
	got := merge(current, schema.OrderUpdate{OrderID: "A", Status: schema.OrderStatusPartiallyFilled, Sequence: 5}, now)

	require.Equal(t, "BTCUSDT", got.Symbol)
	require.Equal(t, schema.TradeSideSell, got.Side)
	require.Equal(t, "2", got.Quantity)
	require.Equal(t, "100", *got.Price)
	require.Equal(t, "0", got.FilledQuantity)
	require.Equal(t, int64(5), got.LastUpdateSequence)
	require.Equal(t, created, got.CreatedAt)
	require.Equal(t, now, got.UpdatedAt)
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, rest := range permutations(n - 1) {
		for i := 0; i <= len(rest); i++ {
			perm := make([]int, 0, n)
			perm = append(perm, rest[:i]...)
			perm = append(perm, n-1)
			perm = append(perm, rest[i:]...)
			out = append(out, perm)
		}
	}
	return out
}

func TestAnyDeliveryOrderConverges(t *testing.T) {
	lifecycle := []schema.OrderUpdate{
		update("P", schema.OrderStatusNew, "0", 1),
		update("P", schema.OrderStatusPartiallyFilled, "0.25", 2),
		update("P", schema.OrderStatusPartiallyFilled, "0.6", 3),
		update("P", schema.OrderStatusFilled, "1", 4),
	}
	// network duplicates
	deliveries := append(append([]schema.OrderUpdate{}, lifecycle...), lifecycle[1], lifecycle[3])

	ctx := context.Background()
	reference := newSynchronizer(t, &fakeTrade{}, newFlakyStore(), nil)
	for _, u := range lifecycle {
		reference.Apply(ctx, u, SourcePush)
	}
	want, err := reference.Order(ctx, "P")
	require.NoError(t, err)

	for _, perm := range permutations(len(deliveries)) {
		store := newFlakyStore()
		s := newSynchronizer(t, &fakeTrade{}, store, nil)
		for _, idx := range perm {
			s.Apply(ctx, deliveries[idx], SourcePush)
		}
		got, err := store.Get(ctx, "P")
		require.NoError(t, err)
		require.Equal(t, want.Status, got.Status, "order %v", perm)
		require.Equal(t, want.FilledQuantity, got.FilledQuantity, "order %v", perm)
		require.Equal(t, want.LastUpdateSequence, got.LastUpdateSequence, "order %v", perm)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("same")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside.Load())
	require.Zero(t, locks.size(), "released keys are dropped")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	locks := newKeyedMutex()
	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
