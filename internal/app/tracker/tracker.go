// Package tracker is the caller-facing order tracking client. It owns the
// private stream supervisor and routes order pushes into the synchronizer.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/app/ordersync"
	"github.com/coachpo/ordersync/internal/app/stream"
	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
	"github.com/coachpo/ordersync/internal/infra/logging"
)

// Options wires a Tracker.
type Options struct {
	Transport stream.Transport
	Trade     ordersync.TradeClient
	Store     orderstore.Store
	Decode    ordersync.Decoder

	// OrderTopic carries order pushes. Defaults to schema.TopicOrder.
	OrderTopic     schema.Topic
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DispatchBuffer int
	Retry          ordersync.RetryPolicy
	// ResyncOnLive pulls open orders after every (re)connect to cover pushes missed while offline.
	ResyncOnLive bool
	// ResyncSymbol scopes the resync; empty means all spot symbols.
	ResyncSymbol string

	Logger        *logrus.Entry
	OnError       func(error)
	OnOrderUpdate func(orderstore.Record)
	OnStateChange func(from, to stream.State)
}

// Tracker places orders and keeps their durable state in step with the exchange.
type Tracker struct {
	supervisor *stream.Supervisor
	sync       *ordersync.Synchronizer
	orderSub   stream.Subscription
	logger     *logrus.Entry

	resync       bool
	resyncSymbol string

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	resyncers conc.WaitGroup
}

// New builds a Tracker and registers the synchronizer on the order topic.
func New(opts Options) (*Tracker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	synchronizer, err := ordersync.New(ordersync.Options{
		Trade:         opts.Trade,
		Store:         opts.Store,
		Decode:        opts.Decode,
		Retry:         opts.Retry,
		Logger:        logger.WithField("component", "order-synchronizer"),
		OnOrderUpdate: opts.OnOrderUpdate,
		OnError:       opts.OnError,
	})
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		sync:         synchronizer,
		logger:       logger,
		resync:       opts.ResyncOnLive,
		resyncSymbol: opts.ResyncSymbol,
	}
	observer := opts.OnStateChange
	supervisor, err := stream.NewSupervisor(stream.Options{
		Transport:      opts.Transport,
		BackoffBase:    opts.BackoffBase,
		BackoffCap:     opts.BackoffCap,
		DispatchBuffer: opts.DispatchBuffer,
		Logger:         logger.WithField("component", "stream-supervisor"),
		OnError:        opts.OnError,
		OnStateChange: func(from, to stream.State) {
			if to == stream.Live {
				t.scheduleResync()
			}
			if observer != nil {
				observer(from, to)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	t.supervisor = supervisor

	topic := opts.OrderTopic
	if topic == "" {
		topic = schema.TopicOrder
	}
	t.orderSub, err = supervisor.Subscribe(topic, synchronizer.OnPushUpdate)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Subscribe registers an additional handler for topic.
func (t *Tracker) Subscribe(topic schema.Topic, handler stream.Handler) (stream.Subscription, error) {
	return t.supervisor.Subscribe(topic, handler)
}

// Unsubscribe removes a handler registered through Subscribe.
func (t *Tracker) Unsubscribe(sub stream.Subscription) {
	t.supervisor.Unsubscribe(sub)
}

// Start connects the private stream in the background.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel == nil {
		t.ctx, t.cancel = context.WithCancel(ctx)
	}
	t.mu.Unlock()
	return t.supervisor.Start(ctx)
}

// Stop closes the stream and waits for background work. No callback runs after it returns.
func (t *Tracker) Stop() {
	t.supervisor.Stop()
	t.mu.Lock()
	cancel := t.cancel
	t.ctx, t.cancel = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.resyncers.Wait()
}

// Done is closed when the stream supervisor stops, including after a fatal auth failure.
func (t *Tracker) Done() <-chan struct{} { return t.supervisor.Done() }

// Err returns the fatal error that stopped the stream, if any.
func (t *Tracker) Err() error { return t.supervisor.Err() }

// State returns the connection state.
func (t *Tracker) State() stream.State { return t.supervisor.State() }

// PlaceAndTrack places an order and records it provisionally.
func (t *Tracker) PlaceAndTrack(ctx context.Context, req schema.OrderRequest) (string, error) {
	return t.sync.Place(ctx, req)
}

// CancelAndTrack cancels an order and reconciles the exchange's view of it.
func (t *Tracker) CancelAndTrack(ctx context.Context, symbol, orderID string) (orderstore.Record, error) {
	return t.sync.CancelAndTrack(ctx, symbol, orderID)
}

// SyncWithExchange reconciles every open order reported by the exchange.
func (t *Tracker) SyncWithExchange(ctx context.Context, symbol string) (ordersync.SyncResult, error) {
	return t.sync.SyncWithExchange(ctx, symbol)
}

// Order returns the tracked state of one order.
func (t *Tracker) Order(ctx context.Context, orderID string) (orderstore.Record, error) {
	return t.sync.Order(ctx, orderID)
}

// ActiveOrders lists New and PartiallyFilled orders.
func (t *Tracker) ActiveOrders(ctx context.Context, symbol string) ([]orderstore.Record, error) {
	return t.sync.ActiveOrders(ctx, symbol)
}

// OrderHistory lists stored orders, newest first.
func (t *Tracker) OrderHistory(ctx context.Context, symbol string, limit int) ([]orderstore.Record, error) {
	return t.sync.OrderHistory(ctx, symbol, limit)
}

// Stats exposes reconciliation counters.
func (t *Tracker) Stats() ordersync.Stats { return t.sync.Stats() }

func (t *Tracker) scheduleResync() {
	if !t.resync {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx := t.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	t.resyncers.Go(func() {
		result, err := t.sync.SyncWithExchange(ctx, t.resyncSymbol)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.WithError(errs.New("tracker", errs.CodeExchange,
					errs.WithMessage("resync after reconnect"), errs.WithCause(err))).Warn("resync failed")
			}
			return
		}
		t.logger.WithFields(logrus.Fields{"fetched": result.Fetched, "accepted": result.Accepted}).Debug("resync after reconnect")
	})
}
