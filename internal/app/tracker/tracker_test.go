package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/ordersync/internal/app/stream"
	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
	"github.com/coachpo/ordersync/internal/infra/adapters/bybit"
	"github.com/coachpo/ordersync/internal/infra/persistence/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pipeConn forwards whatever the test pushes on frames.
type pipeConn struct {
	frames chan schema.InboundMessage
	mu     sync.Mutex
	topics []schema.Topic
}

func (c *pipeConn) Authenticate(context.Context) error { return nil }

func (c *pipeConn) Subscribe(_ context.Context, topics []schema.Topic) error {
	c.mu.Lock()
	c.topics = append(c.topics, topics...)
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) Unsubscribe(context.Context, []schema.Topic) error { return nil }

func (c *pipeConn) Run(ctx context.Context, sink stream.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.frames:
			sink.Deliver(msg)
		}
	}
}

func (c *pipeConn) Live() {}

func (c *pipeConn) Close() error { return nil }

func (c *pipeConn) subscribed() []schema.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.Topic(nil), c.topics...)
}

type pipeTransport struct{ conn *pipeConn }

func (t pipeTransport) Connect(context.Context) (stream.Conn, error) { return t.conn, nil }

type stubTrade struct {
	openCalls atomic.Int32
	open      []schema.OrderUpdate
}

func (s *stubTrade) PlaceOrder(context.Context, schema.OrderRequest) (schema.PlacedOrder, error) {
	return schema.PlacedOrder{OrderID: "O1"}, nil
}

func (s *stubTrade) CancelOrder(context.Context, string, string) error { return nil }

func (s *stubTrade) GetOrder(_ context.Context, _, orderID string) (schema.OrderUpdate, error) {
	return schema.OrderUpdate{OrderID: orderID, Status: schema.OrderStatusCancelled, Sequence: 99}, nil
}

func (s *stubTrade) OpenOrders(context.Context, string) ([]schema.OrderUpdate, error) {
	s.openCalls.Add(1)
	return s.open, nil
}

func orderPush(status, filled string, seq int64) schema.InboundMessage {
	payload := fmt.Sprintf(`[{"category":"spot","orderId":"O1","symbol":"BTCUSDT","side":"Buy","orderType":"Market","qty":"1","orderStatus":%q,"cumExecQty":%q,"updatedTime":"%d"}]`,
		status, filled, seq)
	return schema.InboundMessage{Topic: schema.TopicOrder, Sequence: seq, Payload: []byte(payload)}
}

func newTracker(t *testing.T, conn *pipeConn, trade *stubTrade, store orderstore.Store, opts Options) *Tracker {
	t.Helper()
	opts.Transport = pipeTransport{conn: conn}
	opts.Trade = trade
	opts.Store = store
	opts.Decode = bybit.DecodeOrderUpdates
	opts.BackoffBase = time.Millisecond
	opts.BackoffCap = 5 * time.Millisecond
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

func waitLive(t *testing.T, tr *Tracker) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.State() == stream.Live }, 3*time.Second, 5*time.Millisecond)
}

func TestTrackerPlaceAndPushFlow(t *testing.T) {
	conn := &pipeConn{frames: make(chan schema.InboundMessage, 8)}
	store := memory.NewOrderStore()
	updates := make(chan orderstore.Record, 8)
	tr := newTracker(t, conn, &stubTrade{}, store, Options{
		OnOrderUpdate: func(r orderstore.Record) { updates <- r },
	})

	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	defer tr.Stop()
	waitLive(t, tr)
	require.Equal(t, []schema.Topic{schema.TopicOrder}, conn.subscribed())

	orderID, err := tr.PlaceAndTrack(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.TradeSideBuy, OrderType: schema.OrderTypeMarket, Quantity: "1",
	})
	require.NoError(t, err)
	require.Equal(t, "O1", orderID)
	require.Equal(t, schema.OrderStatusNew, (<-updates).Status)

	conn.frames <- orderPush("PartiallyFilled", "0.5", 1)
	conn.frames <- orderPush("Filled", "1", 2)
	require.Equal(t, schema.OrderStatusPartiallyFilled, (<-updates).Status)
	require.Equal(t, schema.OrderStatusFilled, (<-updates).Status)

	stored, err := store.Get(ctx, "O1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.LastUpdateSequence)

	history, err := tr.OrderHistory(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	active, err := tr.ActiveOrders(ctx, "")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestTrackerExtraSubscription(t *testing.T) {
	conn := &pipeConn{frames: make(chan schema.InboundMessage, 8)}
	tr := newTracker(t, conn, &stubTrade{}, memory.NewOrderStore(), Options{})

	got := make(chan schema.InboundMessage, 1)
	sub, err := tr.Subscribe(schema.TopicExecution, func(_ context.Context, msg schema.InboundMessage) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()
	waitLive(t, tr)
	require.Equal(t, []schema.Topic{schema.TopicOrder, schema.TopicExecution}, conn.subscribed())

	conn.frames <- schema.InboundMessage{Topic: schema.TopicExecution, Payload: []byte(`[]`)}
	select {
	case msg := <-got:
		require.Equal(t, schema.TopicExecution, msg.Topic)
	case <-time.After(3 * time.Second):
		t.Fatal("execution handler not invoked")
	}
	tr.Unsubscribe(sub)
}

func TestTrackerResyncOnLive(t *testing.T) {
	conn := &pipeConn{frames: make(chan schema.InboundMessage, 8)}
	trade := &stubTrade{open: []schema.OrderUpdate{{
		OrderID: "R1", Symbol: "ETHUSDT", Status: schema.OrderStatusNew, FilledQuantity: "0", Sequence: 7,
	}}}
	store := memory.NewOrderStore()
	tr := newTracker(t, conn, trade, store, Options{ResyncOnLive: true})

	require.NoError(t, tr.Start(context.Background()))
	waitLive(t, tr)
	require.Eventually(t, func() bool { return store.Len() == 1 }, 3*time.Second, 5*time.Millisecond)
	tr.Stop()

	require.Equal(t, int32(1), trade.openCalls.Load())
	require.Equal(t, stream.Disconnected, tr.State())
}

func TestTrackerCancelAndTrack(t *testing.T) {
	conn := &pipeConn{frames: make(chan schema.InboundMessage, 1)}
	tr := newTracker(t, conn, &stubTrade{}, memory.NewOrderStore(), Options{})

	record, err := tr.CancelAndTrack(context.Background(), "BTCUSDT", "Z")
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusCancelled, record.Status)

	got, err := tr.Order(context.Background(), "Z")
	require.NoError(t, err)
	require.Equal(t, int64(99), got.LastUpdateSequence)
	require.Equal(t, int64(1), tr.Stats().Inserted)
}
