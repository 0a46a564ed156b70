package ordersync

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
	"github.com/coachpo/ordersync/internal/infra/logging"
)

const component = "order-synchronizer"

// Update sources, used as the reconciliation metric reason.
const (
	SourcePush     = "push"
	SourceSnapshot = "snapshot"
)

// TradeClient is the request/response side of the exchange.
type TradeClient interface {
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.PlacedOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (schema.OrderUpdate, error)
	OpenOrders(ctx context.Context, symbol string) ([]schema.OrderUpdate, error)
}

// Decoder turns an order topic payload into updates.
type Decoder func(payload []byte) ([]schema.OrderUpdate, error)

// RetryPolicy bounds durable writes.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures a Synchronizer.
type Options struct {
	Trade   TradeClient
	Store   orderstore.Store
	Decode  Decoder
	Retry   RetryPolicy
	Logger  *logrus.Entry
	// SyncConcurrency caps concurrent reconciliations in SyncWithExchange.
	SyncConcurrency int
	// OnOrderUpdate observes every accepted change. It runs under the order's lock.
	OnOrderUpdate func(orderstore.Record)
	// OnError observes storage failures and other push-side errors.
	OnError func(error)
}

// Stats counts reconciliation outcomes since construction.
type Stats struct {
	Inserted        int64
	Applied         int64
	Stale           int64
	Conflicts       int64
	Deferred        int64
	StorageFailures int64
}

// Synchronizer keeps the durable order table consistent with placements and push updates.
type Synchronizer struct {
	trade    TradeClient
	store    orderstore.Store
	decode   Decoder
	retry    RetryPolicy
	logger   *logrus.Entry
	onUpdate func(orderstore.Record)
	onError  func(error)
	parallel int
	metrics  syncMetrics
	now      func() time.Time

	locks *keyedMutex

	mu     sync.RWMutex
	orders map[string]orderstore.Record

	inserted, applied, stale, conflicts, deferred, storageFailures atomic.Int64
}

// New validates options and returns a Synchronizer.
func New(opts Options) (*Synchronizer, error) {
	if opts.Trade == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("trade client required"))
	}
	if opts.Store == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("order store required"))
	}
	if opts.Decode == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("order decoder required"))
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 100 * time.Millisecond
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval
	}
	parallel := opts.SyncConcurrency
	if parallel <= 0 {
		parallel = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Synchronizer{
		trade:    opts.Trade,
		store:    opts.Store,
		decode:   opts.Decode,
		retry:    retry,
		logger:   logger,
		onUpdate: opts.OnOrderUpdate,
		onError:  opts.OnError,
		parallel: parallel,
		metrics:  loadMetrics(),
		now:      func() time.Time { return time.Now().UTC() },
		locks:    newKeyedMutex(),
		orders:   make(map[string]orderstore.Record),
	}, nil
}

// Place submits the order and records it provisionally. Placement failures are
// returned and leave no record. A failed provisional write after a successful
// placement, or a failed read of the existing record, is reported to the error
// observer; the order id is still returned.
func (s *Synchronizer) Place(ctx context.Context, req schema.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	placed, err := s.trade.PlaceOrder(ctx, req)
	s.metrics.operation(ctx, "place_order", err)
	if err != nil {
		s.logger.WithError(err).WithField("symbol", req.Symbol).Warn("order placement failed")
		return "", err
	}
	orderID := strings.TrimSpace(placed.OrderID)
	if orderID == "" {
		return "", errs.New(component, errs.CodeProtocol, errs.WithMessage("placement returned no order id"))
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	current, ok, err := s.lookup(ctx, orderID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("skip provisional record, stored state unreadable")
		return orderID, nil
	}
	if ok {
		s.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"status":   current.Status,
		}).Debug("push update arrived before placement response, keeping it")
		return orderID, nil
	}
	record := provisional(orderID, req, s.now())
	s.commit(ctx, record)
	s.logger.WithFields(logrus.Fields{"order_id": orderID, "symbol": record.Symbol}).Info("order tracked")
	return orderID, nil
}

// OnPushUpdate is the stream handler for the order topic. Updates that decoded
// are applied even when other items of the frame were malformed; the decode
// error is returned afterwards.
func (s *Synchronizer) OnPushUpdate(ctx context.Context, msg schema.InboundMessage) error {
	updates, err := s.decode(msg.Payload)
	for _, update := range updates {
		s.Apply(ctx, update, SourcePush)
	}
	return err
}

// Apply reconciles one update under the order's lock and returns the resulting
// record together with the decision taken.
func (s *Synchronizer) Apply(ctx context.Context, update schema.OrderUpdate, source string) (orderstore.Record, Decision) {
	record, decision, _ := s.apply(ctx, update, source)
	return record, decision
}

func (s *Synchronizer) apply(ctx context.Context, update schema.OrderUpdate, source string) (orderstore.Record, Decision, error) {
	unlock := s.locks.Lock(update.OrderID)
	defer unlock()

	current, ok, err := s.lookup(ctx, update.OrderID)
	if err != nil {
		s.deferred.Add(1)
		s.metrics.reconcile(ctx, DecisionDeferred, source)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_id": update.OrderID,
			"sequence": update.Sequence,
			"source":   source,
		}).Warn("defer order update, stored state unreadable")
		return orderstore.Record{}, DecisionDeferred, err
	}
	var currentPtr *orderstore.Record
	if ok {
		currentPtr = &current
	}
	decision := Reconcile(currentPtr, update)
	s.metrics.reconcile(ctx, decision, source)

	log := s.logger.WithFields(logrus.Fields{
		"order_id": update.OrderID,
		"status":   update.Status,
		"sequence": update.Sequence,
		"decision": decision.String(),
		"source":   source,
	})
	switch decision {
	case DecisionStale:
		s.stale.Add(1)
		log.Debug("discard stale order update")
		return current, decision, nil
	case DecisionTerminalConflict:
		s.conflicts.Add(1)
		log.WithField("stored_status", current.Status).Debug("discard update for terminal order")
		return current, decision, nil
	case DecisionInsert:
		s.inserted.Add(1)
	case DecisionApply:
		s.applied.Add(1)
	}

	record := merge(currentPtr, update, s.now())
	s.commit(ctx, record)
	log.Debug("order update applied")
	return record, decision, nil
}

// CancelAndTrack cancels the order and reconciles the snapshot the exchange reports afterwards.
func (s *Synchronizer) CancelAndTrack(ctx context.Context, symbol, orderID string) (orderstore.Record, error) {
	err := s.trade.CancelOrder(ctx, symbol, orderID)
	s.metrics.operation(ctx, "cancel_order", err)
	if err != nil {
		return orderstore.Record{}, err
	}
	snapshot, err := s.trade.GetOrder(ctx, symbol, orderID)
	s.metrics.operation(ctx, "get_order", err)
	if err != nil {
		return orderstore.Record{}, err
	}
	record, _, err := s.apply(ctx, snapshot, SourceSnapshot)
	return record, err
}

// SyncResult summarises a SyncWithExchange run.
type SyncResult struct {
	Fetched  int
	Accepted int
	Skipped  int
}

// SyncWithExchange pulls open orders and reconciles each snapshot. Different
// orders are reconciled concurrently.
func (s *Synchronizer) SyncWithExchange(ctx context.Context, symbol string) (SyncResult, error) {
	snapshots, err := s.trade.OpenOrders(ctx, symbol)
	s.metrics.operation(ctx, "open_orders", err)
	if err != nil {
		return SyncResult{}, err
	}
	var accepted, skipped atomic.Int64
	p := pool.New().WithMaxGoroutines(s.parallel)
	for _, snapshot := range snapshots {
		p.Go(func() {
			if _, decision := s.Apply(ctx, snapshot, SourceSnapshot); decision.Accepted() {
				accepted.Add(1)
			} else {
				skipped.Add(1)
			}
		})
	}
	p.Wait()
	result := SyncResult{Fetched: len(snapshots), Accepted: int(accepted.Load()), Skipped: int(skipped.Load())}
	s.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"fetched":  result.Fetched,
		"accepted": result.Accepted,
	}).Info("exchange sync complete")
	return result, nil
}

// Order returns the latest known state for orderID.
func (s *Synchronizer) Order(ctx context.Context, orderID string) (orderstore.Record, error) {
	record, ok, err := s.lookup(ctx, orderID)
	if err != nil {
		return orderstore.Record{}, err
	}
	if ok {
		return record, nil
	}
	return orderstore.Record{}, errs.New(component, errs.CodeNotFound, errs.WithOrderID(orderID), errs.WithMessage("order not tracked"))
}

// ActiveOrders lists New and PartiallyFilled orders. When the store cannot be
// read the in-memory view is returned.
func (s *Synchronizer) ActiveOrders(ctx context.Context, symbol string) ([]orderstore.Record, error) {
	query := orderstore.Query{Symbol: symbol, Statuses: schema.ActiveStatuses()}
	records, err := s.store.List(ctx, query)
	if err == nil {
		return records, nil
	}
	s.logger.WithError(err).Warn("list active orders from store failed, using memory")
	s.report(err)
	return s.listMemory(query), nil
}

// OrderHistory lists stored orders, most recently updated first.
func (s *Synchronizer) OrderHistory(ctx context.Context, symbol string, limit int) ([]orderstore.Record, error) {
	return s.store.List(ctx, orderstore.Query{Symbol: symbol, Limit: limit})
}

// Stats returns outcome counters.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		Inserted:        s.inserted.Load(),
		Applied:         s.applied.Load(),
		Stale:           s.stale.Load(),
		Conflicts:       s.conflicts.Load(),
		Deferred:        s.deferred.Load(),
		StorageFailures: s.storageFailures.Load(),
	}
}

// lookup checks memory first, then the store with bounded retries. A store
// failure other than not-found is reported and returned; the caller must not
// treat the order as absent. Callers hold the order's lock.
func (s *Synchronizer) lookup(ctx context.Context, orderID string) (orderstore.Record, bool, error) {
	s.mu.RLock()
	record, ok := s.orders[orderID]
	s.mu.RUnlock()
	if ok {
		return record, true, nil
	}

	attempts := 0
	record, err := backoff.Retry(ctx, func() (orderstore.Record, error) {
		attempts++
		rec, err := s.store.Get(ctx, orderID)
		if err != nil && !errs.IsTransient(err) {
			return orderstore.Record{}, backoff.Permanent(err)
		}
		return rec, err
	}, s.retryOptions("order read failed, retrying", orderID)...)
	switch {
	case err == nil:
		if !record.Status.IsTerminal() {
			s.remember(record)
		}
		return record, true, nil
	case errs.Is(err, errs.CodeNotFound):
		return orderstore.Record{}, false, nil
	}
	readErr := errs.New(component, errs.CodeStorage,
		errs.WithOrderID(orderID),
		errs.WithMessage("order read failed"),
		errs.WithField("attempts", strconv.Itoa(attempts)),
		errs.WithCause(err))
	s.storageFailures.Add(1)
	s.metrics.storageFailure(ctx)
	s.report(readErr)
	return orderstore.Record{}, false, readErr
}

// commit makes record the current state: cached, persisted and announced.
// Terminal records leave the cache once they are durable.
func (s *Synchronizer) commit(ctx context.Context, record orderstore.Record) {
	s.remember(record)
	if s.persist(ctx, record) && record.Status.IsTerminal() {
		s.forget(record.OrderID)
	}
	s.notify(record)
}

func (s *Synchronizer) remember(record orderstore.Record) {
	s.mu.Lock()
	s.orders[record.OrderID] = record
	s.mu.Unlock()
}

func (s *Synchronizer) forget(orderID string) {
	s.mu.Lock()
	delete(s.orders, orderID)
	s.mu.Unlock()
}

// cached reports how many orders the in-memory view holds.
func (s *Synchronizer) cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func (s *Synchronizer) retryOptions(msg, orderID string) []backoff.RetryOption {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.InitialInterval
	policy.MaxInterval = s.retry.MaxInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.retry.MaxAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"order_id": orderID,
				"delay":    delay.String(),
			}).Warn(msg)
		}),
	}
}

func (s *Synchronizer) listMemory(query orderstore.Query) []orderstore.Record {
	wanted := make(map[schema.OrderStatus]struct{}, len(query.Statuses))
	for _, status := range query.Statuses {
		wanted[status] = struct{}{}
	}
	s.mu.RLock()
	out := make([]orderstore.Record, 0, len(s.orders))
	for _, record := range s.orders {
		if query.Symbol != "" && record.Symbol != query.Symbol {
			continue
		}
		if _, ok := wanted[record.Status]; len(wanted) > 0 && !ok {
			continue
		}
		out = append(out, record)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// persist writes record with bounded retries and reports whether it is durable.
// Exhaustion is reported, not returned; the in-memory state already reflects the change.
func (s *Synchronizer) persist(ctx context.Context, record orderstore.Record) bool {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := s.store.Upsert(ctx, record)
		if err != nil && !errs.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, s.retryOptions("order write failed, retrying", record.OrderID)...)
	if err == nil {
		return true
	}
	s.storageFailures.Add(1)
	s.metrics.storageFailure(ctx)
	storageErr := errs.New(component, errs.CodeStorage,
		errs.WithOrderID(record.OrderID),
		errs.WithMessage("order write failed after retries"),
		errs.WithField("attempts", strconv.Itoa(attempts)),
		errs.WithCause(err))
	s.logger.WithError(storageErr).Error("order write abandoned")
	s.report(storageErr)
	return false
}

func (s *Synchronizer) notify(record orderstore.Record) {
	if s.onUpdate != nil {
		s.onUpdate(record)
	}
}

func (s *Synchronizer) report(err error) {
	if err != nil && s.onError != nil {
		s.onError(err)
	}
}

func errorType(err error) string {
	if code := errs.CodeOf(err); code != "" {
		return string(code)
	}
	return "unknown"
}
